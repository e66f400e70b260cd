package knowbase

import (
	"context"
	"sort"
)

// Order names a unit field to sort by. Where an engine supports ordering it
// is applied after relevance filtering, so ties break by the engine's native
// scoring first.
type Order struct {
	Field string
	Desc  bool
}

// Query describes one search across an Engine.
type Query struct {
	// Text is the optional free-text part of the query. Engines that score
	// lexically or by embedding use it; pure filter engines may ignore it.
	Text string

	// Filters is a set of [key:value] tags a unit must all carry.
	Filters []string

	// TopK caps the number of results. Zero means the engine default.
	TopK int

	// Include limits the unit fields carried by results. nil means the
	// engine's own declared default projection, not "no restriction".
	// An explicit empty slice means id and metadata only.
	Include []string

	// OrderBy re-orders results after relevance filtering.
	OrderBy []Order
}

// DefaultTopK applies when a query does not set TopK and the engine declares
// no default of its own.
const DefaultTopK = 10

// Result is one search hit: the unit (or a projection of it), a relevance
// indicator, and the name of the engine that produced it. The unit's
// metadata carries search provenance under MetaSearch.
type Result struct {
	Unit   Unit
	Score  float64
	Engine string
}

// Engine answers queries over Units. An Engine may be a thin pass-through
// or a maintained index that requires Sync to stay current. Engines never
// own a Unit; they hold derived entries keyed by id with a lookup-only
// relationship back to the Store's copy.
type Engine interface {
	// Search returns ranked result envelopes. Implementations populate
	// search provenance on every result; callers cannot skip it.
	Search(ctx context.Context, q Query) ([]Result, error)

	// Sync reconciles the engine's derived index against its Store:
	// additions, removals and modifications since the last checkpoint.
	// Sync is idempotent; with no intervening Store mutation it is a no-op.
	// On failure the triggering batch is aborted and previously synced
	// items stay committed.
	Sync(ctx context.Context, p Progress) error

	// Name identifies the engine within a KnowledgeBase.
	Name() string
}

// StampProvenance records the query parameters and backend-specific scoring
// detail under the unit's reserved MetaSearch metadata key. Every engine
// calls it on every result it returns.
func StampProvenance(u *Unit, engine string, q Query, detail map[string]any) {
	prov := map[string]any{
		"engine": engine,
		"topk":   q.TopK,
	}
	if q.Text != "" {
		prov["query"] = q.Text
	}
	if len(q.Filters) > 0 {
		prov["filters"] = append([]string(nil), q.Filters...)
	}
	for k, v := range detail {
		prov[k] = v
	}
	if u.Metadata == nil {
		u.Metadata = make(map[string]any, 1)
	}
	u.Metadata[MetaSearch] = prov
}

// Projectable field names accepted by Query.Include.
const (
	FieldKind      = "kind"
	FieldName      = "name"
	FieldContent   = "content"
	FieldResources = "resources"
	FieldTags      = "tags"
	FieldPriority  = "priority"
	FieldTimes     = "times"
)

// Project returns a copy of u limited to the include set. The id and
// metadata always survive projection: the id is the lookup key and the
// metadata carries search provenance.
func Project(u Unit, include []string) Unit {
	out := Unit{ID: u.ID, Metadata: u.Metadata}
	for _, f := range include {
		switch f {
		case FieldKind:
			out.Kind = u.Kind
		case FieldName:
			out.Name = u.Name
		case FieldContent:
			out.Content = u.Content
		case FieldResources:
			out.Resources = u.Resources
		case FieldTags:
			out.Tags = u.Tags
		case FieldPriority:
			out.Priority = u.Priority
		case FieldTimes:
			out.CreatedAt = u.CreatedAt
			out.UpdatedAt = u.UpdatedAt
		}
	}
	return out
}

// MatchesFilters reports whether the unit carries every filter tag.
func MatchesFilters(u Unit, filters []string) bool {
	for _, f := range filters {
		if !hasTag(u.Tags, f) {
			return false
		}
	}
	return true
}

// ApplyOrder re-sorts results by the given order fields. It runs after
// relevance filtering; with an empty order the slice is left in score order.
func ApplyOrder(results []Result, orderBy []Order) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Unit, results[j].Unit
		for _, o := range orderBy {
			cmp := compareField(a, b, o.Field)
			if cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func compareField(a, b Unit, field string) int {
	switch field {
	case FieldName:
		return compareStrings(a.Name, b.Name)
	case FieldKind:
		return compareStrings(string(a.Kind), string(b.Kind))
	case FieldPriority:
		switch {
		case a.Priority < b.Priority:
			return -1
		case a.Priority > b.Priority:
			return 1
		}
		return 0
	case "id":
		return compareStrings(a.ID, b.ID)
	case "created_at":
		switch {
		case a.CreatedAt.Before(b.CreatedAt):
			return -1
		case a.CreatedAt.After(b.CreatedAt):
			return 1
		}
		return 0
	case "updated_at":
		switch {
		case a.UpdatedAt.Before(b.UpdatedAt):
			return -1
		case a.UpdatedAt.After(b.UpdatedAt):
			return 1
		}
		return 0
	}
	return 0
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
