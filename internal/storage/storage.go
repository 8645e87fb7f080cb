package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Djnirds1984/cjtech/internal/config"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write would violate a uniqueness invariant
// (e.g. claiming an IP or user_code already owned by another active User).
var ErrConflict = errors.New("storage: conflict")

// Store is the durable SessionStore: Users, Sales, Sources, Rates, and
// FailureRecords, plus the OperatorEvent queue.
// Each backend serializes its own writes (MemoryStore behind one mutex, the
// database backends per statement); the Store only guarantees atomicity of
// each individual call, not cross-call serialization.
type Store interface {
	// Users
	FindUserByCookie(ctx context.Context, clientID string) (User, error)
	FindUserByMAC(ctx context.Context, mac string) (User, error)
	FindUserByCode(ctx context.Context, userCode string) (User, error)
	FindUserByIP(ctx context.Context, ip string) (User, error)
	UpsertUser(ctx context.Context, u User) error
	ClaimMAC(ctx context.Context, userID, newMAC string) error
	AssignIP(ctx context.Context, userID, ip string) error
	Decrement(ctx context.Context, userID string, seconds int64) (int64, error)
	AddCredit(ctx context.Context, userID string, seconds int64) (int64, error)
	TouchTraffic(ctx context.Context, userID string, at time.Time) error
	Pause(ctx context.Context, userID string) error
	Resume(ctx context.Context, userID string) error
	Expire(ctx context.Context, userID string) error
	IterateActive(ctx context.Context) ([]User, error)

	// Sales
	AppendSale(ctx context.Context, sale Sale) error
	ListSales(ctx context.Context, since time.Time) ([]Sale, error)

	// Sources
	UpsertSource(ctx context.Context, src Source) error
	GetSource(ctx context.Context, id string) (Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	TouchSourceHeartbeat(ctx context.Context, id string, at time.Time) error

	// Rates
	ListRates(ctx context.Context) ([]Rate, error)
	UpsertRate(ctx context.Context, r Rate) error

	// Failure gate
	GetFailureRecord(ctx context.Context, mac string) (FailureRecord, error)
	IncrementFailure(ctx context.Context, mac string, banUntil *time.Time) (FailureRecord, error)
	ClearFailure(ctx context.Context, mac string) error

	// Operator event queue (best-effort webhook notifications)
	EnqueueEvent(ctx context.Context, evt OperatorEvent) (string, error)
	DequeueEvents(ctx context.Context, limit int) ([]OperatorEvent, error)
	MarkEventProcessing(ctx context.Context, id string) error
	MarkEventDelivered(ctx context.Context, id string) error
	MarkEventFailed(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	Close() error
}

// StoreConfig holds storage backend configuration, mirroring config.StorageConfig.
type StoreConfig struct {
	Backend      string // "memory", "postgres", "mongodb", or "file"
	PostgresURL  string
	PostgresPool config.PostgresPool
	MongoDBURL   string
	MongoDBName  string
	FilePath     string

	UsersTable     string
	SalesTable     string
	SourcesTable   string
	RatesTable     string
	FailuresTable  string
	EventsTable    string
}

func (c *StoreConfig) applyDefaults() {
	if c.UsersTable == "" {
		c.UsersTable = "users"
	}
	if c.SalesTable == "" {
		c.SalesTable = "sales"
	}
	if c.SourcesTable == "" {
		c.SourcesTable = "sources"
	}
	if c.RatesTable == "" {
		c.RatesTable = "rates"
	}
	if c.FailuresTable == "" {
		c.FailuresTable = "failures"
	}
	if c.EventsTable == "" {
		c.EventsTable = "operator_events"
	}
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance, optionally reusing a shared
// *sql.DB for the postgres backend (see internal/dbpool).
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	cfg.applyDefaults()
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires storage.postgres_url")
		}
		if sharedDB != nil {
			return NewPostgresStoreWithDB(sharedDB, cfg)
		}
		return NewPostgresStore(cfg.PostgresURL, cfg)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires storage.mongodb_url")
		}
		if cfg.MongoDBName == "" {
			return nil, fmt.Errorf("mongodb backend requires storage.mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBName, cfg)
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file backend requires storage.file_path")
		}
		return NewFileStore(cfg.FilePath)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
