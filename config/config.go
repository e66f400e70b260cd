// Package config loads knowledge base configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables with the KNOWBASE_ prefix (runtime override)
//  2. Config file (knowbase.yaml)
//  3. Default values
//
// Validation is fail-fast: an unknown backend, dialect or engine kind is
// rejected at load time, before any connection is attempted.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidBackend indicates an unknown storage backend name.
	ErrInvalidBackend = errors.New("invalid storage backend")

	// ErrInvalidDialect indicates an unknown relational dialect.
	ErrInvalidDialect = errors.New("invalid sql dialect")

	// ErrInvalidEngine indicates an unknown engine kind.
	ErrInvalidEngine = errors.New("invalid engine kind")

	// ErrMissingDSN indicates a backend that needs a connection string
	// was configured without one.
	ErrMissingDSN = errors.New("missing connection string")

	// ErrDuplicateName indicates two components share a name.
	ErrDuplicateName = errors.New("duplicate component name")

	// ErrUnknownStorage indicates an engine references a storage name that
	// is not configured.
	ErrUnknownStorage = errors.New("engine references unknown storage")
)

// Storage backend kinds.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendMongo  = "mongo"
	BackendVector = "vector"
)

// Engine kinds.
const (
	EngineFacet  = "facet"
	EngineVector = "vector"
	EngineDoc    = "doc"
	EngineScan   = "scan"
)

// Config is the root knowledge base configuration.
type Config struct {
	// Name identifies the knowledge base.
	Name string `mapstructure:"name"`

	// DefaultEngine names the engine Search uses when none is named.
	DefaultEngine string `mapstructure:"default_engine"`

	Storages []StorageConfig `mapstructure:"storages"`
	Engines  []EngineConfig  `mapstructure:"engines"`

	Postgres PostgresConfig `mapstructure:"postgres"`
}

// StorageConfig describes one store.
type StorageConfig struct {
	// Name is the registration name within the knowledge base.
	Name string `mapstructure:"name"`

	// Backend is one of memory, sql, mongo, vector.
	Backend string `mapstructure:"backend"`

	// Dialect selects sqlite or postgres for the sql backend.
	Dialect string `mapstructure:"dialect"`

	// DSN is the backend connection string. The sql backend with the
	// postgres dialect and the vector backend may leave it empty to use
	// the shared postgres section instead.
	DSN string `mapstructure:"dsn"`

	// Database and Collection locate mongo units.
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`

	// Table overrides the vector backend table name.
	Table string `mapstructure:"table"`

	// Dimensions is the vector backend embedding width.
	Dimensions int `mapstructure:"dimensions"`
}

// EngineConfig describes one engine.
type EngineConfig struct {
	// Name is the registration name within the knowledge base.
	Name string `mapstructure:"name"`

	// Kind is one of facet, vector, doc, scan.
	Kind string `mapstructure:"kind"`

	// Storage names the store the engine indexes.
	Storage string `mapstructure:"storage"`

	// BatchSize caps embedding texts per provider call (vector kind).
	BatchSize int `mapstructure:"batch_size"`

	// RateLimit caps provider calls per second (vector kind). Zero means
	// unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
}

// PostgresConfig is the shared PostgreSQL connection used by backends whose
// DSN is left empty.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Load reads configuration from the given file path (optional), the
// KNOWBASE_* environment and built-in defaults, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KNOWBASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault returns the built-in configuration: one in-memory store with a
// scan engine over it.
func LoadDefault() *Config {
	return &Config{
		Name:          "knowbase",
		DefaultEngine: "scan",
		Storages:      []StorageConfig{{Name: "memory", Backend: BackendMemory}},
		Engines:       []EngineConfig{{Name: "scan", Kind: EngineScan, Storage: "memory"}},
		Postgres:      defaultPostgres(),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "knowbase")
	pg := defaultPostgres()
	v.SetDefault("postgres.host", pg.Host)
	v.SetDefault("postgres.port", pg.Port)
	v.SetDefault("postgres.user", pg.User)
	v.SetDefault("postgres.dbname", pg.DBName)
	v.SetDefault("postgres.sslmode", pg.SSLMode)
}

func defaultPostgres() PostgresConfig {
	return PostgresConfig{
		Host:    "localhost",
		Port:    5432,
		User:    "knowbase",
		DBName:  "knowbase",
		SSLMode: "disable",
	}
}

// Validate checks the configuration without touching any backend.
func (c *Config) Validate() error {
	storageNames := make(map[string]bool, len(c.Storages))
	for i, s := range c.Storages {
		if s.Name == "" {
			return fmt.Errorf("storage %d: name is empty", i)
		}
		if storageNames[s.Name] {
			return fmt.Errorf("%w: storage %q", ErrDuplicateName, s.Name)
		}
		storageNames[s.Name] = true

		switch s.Backend {
		case BackendMemory:
		case BackendSQL:
			switch s.Dialect {
			case "sqlite":
				if s.DSN == "" {
					return fmt.Errorf("%w: sqlite storage %q", ErrMissingDSN, s.Name)
				}
			case "postgres":
				// empty DSN falls back to the shared postgres section
			default:
				return fmt.Errorf("%w: %q in storage %q", ErrInvalidDialect, s.Dialect, s.Name)
			}
		case BackendMongo:
			if s.DSN == "" {
				return fmt.Errorf("%w: mongo storage %q", ErrMissingDSN, s.Name)
			}
		case BackendVector:
			// empty DSN falls back to the shared postgres section
		default:
			return fmt.Errorf("%w: %q in storage %q", ErrInvalidBackend, s.Backend, s.Name)
		}
	}

	engineNames := make(map[string]bool, len(c.Engines))
	for i, e := range c.Engines {
		if e.Name == "" {
			return fmt.Errorf("engine %d: name is empty", i)
		}
		if engineNames[e.Name] {
			return fmt.Errorf("%w: engine %q", ErrDuplicateName, e.Name)
		}
		engineNames[e.Name] = true

		switch e.Kind {
		case EngineFacet, EngineVector, EngineDoc, EngineScan:
		default:
			return fmt.Errorf("%w: %q in engine %q", ErrInvalidEngine, e.Kind, e.Name)
		}
		if e.Storage == "" || !storageNames[e.Storage] {
			return fmt.Errorf("%w: engine %q references %q", ErrUnknownStorage, e.Name, e.Storage)
		}
	}

	if c.DefaultEngine != "" && !engineNames[c.DefaultEngine] {
		return fmt.Errorf("%w: default engine %q is not configured", ErrInvalidEngine, c.DefaultEngine)
	}
	return nil
}

// quoteDSNValue quotes a value for the key=value DSN format so spaces and
// quotes in passwords survive parsing.
func quoteDSNValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// ConnectionString returns the pgx key=value DSN for the shared PostgreSQL
// connection.
func (p PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, quoteDSNValue(p.Password), p.DBName, p.SSLMode)
}

// URL returns the postgres:// URL form, encoding credentials safely.
func (p PostgresConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     p.DBName,
		RawQuery: fmt.Sprintf("sslmode=%s", p.SSLMode),
	}
	return u.String()
}

// StorageDSN resolves the effective connection string of one storage entry,
// falling back to the shared postgres section where allowed.
func (c *Config) StorageDSN(s StorageConfig) string {
	if s.DSN != "" {
		return s.DSN
	}
	switch {
	case s.Backend == BackendVector,
		s.Backend == BackendSQL && s.Dialect == "postgres":
		return c.Postgres.URL()
	}
	return ""
}
