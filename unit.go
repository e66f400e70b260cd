package knowbase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed tag identifying a unit's template. Unknown kinds fail
// validation with ErrValidation.
type Kind string

// Known unit kinds.
const (
	// KindKnowledge is a knowledge fact.
	KindKnowledge Kind = "knowledge"

	// KindExperience is an experience record, e.g. a captured tool run.
	KindExperience Kind = "experience"

	// KindPrompt is a prompt template.
	KindPrompt Kind = "prompt"

	// KindTool is an executable tool specification.
	KindTool Kind = "tool"

	// KindPlaceholder is a non-user-visible unit inserted only to force
	// backend schema/collection creation. Placeholder units are excluded
	// from search results and counts.
	KindPlaceholder Kind = "placeholder"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindKnowledge, KindExperience, KindPrompt, KindTool, KindPlaceholder:
		return true
	}
	return false
}

// MetaSearch is the reserved metadata key under which engines record search
// provenance. Engines write it on every result; callers never set it.
const MetaSearch = "search"

// PlaceholderID is the fixed id of the bootstrap placeholder unit each
// durable store inserts to force schema/collection creation.
const PlaceholderID = "placeholder:bootstrap"

// Unit is the atomic knowledge record stored and retrieved by this layer.
//
// The id is immutable once assigned and globally unique within a
// KnowledgeBase; it is the primary key across all backends. Tags always
// match the bracketed [key:value] shape and behave as a set.
type Unit struct {
	ID        string            `json:"id" bson:"_id"`
	Kind      Kind              `json:"kind" bson:"kind"`
	Name      string            `json:"name,omitempty" bson:"name,omitempty"`
	Content   string            `json:"content,omitempty" bson:"content,omitempty"`
	Resources map[string]string `json:"resources,omitempty" bson:"resources,omitempty"`
	Tags      []string          `json:"tags,omitempty" bson:"tags,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty" bson:"metadata,omitempty"`

	// Composers describes how derived text/embeddable views are produced.
	// Triggers names the lifecycle events that reconstruct them. Both
	// default to empty so units that never specialize them carry no
	// per-instance structures.
	Composers map[string]string `json:"composers,omitempty" bson:"composers,omitempty"`
	Triggers  map[string]string `json:"triggers,omitempty" bson:"triggers,omitempty"`

	Priority  int       `json:"priority" bson:"priority"`
	CreatedAt time.Time `json:"created_at,omitempty" bson:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
}

// NewUnit creates a unit of the given kind with a freshly assigned id.
func NewUnit(kind Kind, name, content string) Unit {
	now := time.Now().UTC()
	return Unit{
		ID:        uuid.NewString(),
		Kind:      kind,
		Name:      name,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Placeholder returns the bootstrap unit durable stores insert at
// construction to force schema/collection creation.
func Placeholder() Unit {
	u := NewUnit(KindPlaceholder, "bootstrap", "")
	u.ID = PlaceholderID
	return u
}

// IsPlaceholder reports whether the unit is a schema-bootstrap placeholder.
func (u Unit) IsPlaceholder() bool { return u.Kind == KindPlaceholder }

// EnsureID assigns a fresh uuid when the id is empty. The id is stable for
// the unit's lifetime afterwards.
func (u *Unit) EnsureID() {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
}

// Validate checks the unit invariants: a known kind, a non-empty id shape
// and well-formed tags. Returns ErrValidation on the first violation.
func (u Unit) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("%w: unit id is empty", ErrValidation)
	}
	if !u.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, u.Kind)
	}
	for _, t := range u.Tags {
		if !ValidTag(t) {
			return fmt.Errorf("%w: malformed tag %q, want [key:value]", ErrValidation, t)
		}
	}
	if u.Priority < 0 || u.Priority > 10 {
		return fmt.Errorf("%w: priority %d out of range [0,10]", ErrValidation, u.Priority)
	}
	return nil
}

// Normalize collapses duplicate tags, sorts them, and mirrors the kind as an
// auto-injected [kind:<kind>] tag so categorical engines can filter on kind
// uniformly. It returns the normalized copy; the receiver is unchanged.
func (u Unit) Normalize() Unit {
	tags := append([]string(nil), u.Tags...)
	kindTag := Tag("kind", string(u.Kind))
	if !hasTag(tags, kindTag) {
		tags = append(tags, kindTag)
	}
	u.Tags = normalizeTags(tags)
	return u
}

// HasTag reports whether the unit carries the exact tag, or, when value is
// given, the formatted [key:value] tag.
func (u Unit) HasTag(key, value string) bool {
	return hasTag(u.Tags, Tag(key, value))
}

// Clone returns a deep copy. Mutating the clone's maps or tags never affects
// the receiver, which keeps store-held copies safe from caller mutation.
func (u Unit) Clone() Unit {
	c := u
	c.Tags = append([]string(nil), u.Tags...)
	c.Resources = cloneStringMap(u.Resources)
	c.Composers = cloneStringMap(u.Composers)
	c.Triggers = cloneStringMap(u.Triggers)
	if u.Metadata != nil {
		c.Metadata = make(map[string]any, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// ContentHash returns a stable sha256 hex digest over the unit's
// search-relevant fields. Engines use it to detect modifications between
// sync checkpoints without comparing whole records.
func (u Unit) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(u.ID))
	h.Write([]byte{0})
	h.Write([]byte(u.Kind))
	h.Write([]byte{0})
	h.Write([]byte(u.Name))
	h.Write([]byte{0})
	h.Write([]byte(u.Content))
	for _, t := range normalizeTags(u.Tags) {
		h.Write([]byte{0})
		h.Write([]byte(t))
	}
	if len(u.Resources) > 0 {
		// Deterministic: json.Marshal sorts map keys.
		b, err := json.Marshal(u.Resources)
		if err == nil {
			h.Write([]byte{0})
			h.Write(b)
		}
	}
	h.Write([]byte{0})
	h.Write([]byte(fmt.Sprintf("%d", u.Priority)))
	return hex.EncodeToString(h.Sum(nil))
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
