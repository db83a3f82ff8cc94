package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations
var migrationsFS embed.FS

// Stores aggregates all persistence interfaces so they can be injected as a
// unit. Tests substitute in-memory fakes for individual fields.
type Stores struct {
	Identity    IdentityStore
	Nodes       TrustedNodeStore
	Outbound    OutboundMessageStore
	InboxLog    InboxLogStore
	Waves       WaveStore
	Users       UserStore
	Pings       PingStore
	RemoteUsers RemoteUserStore
	RemotePings RemotePingStore
}

// Open connects to Postgres and returns the full store set.
func Open(user, password, host, dbname string) (*Stores, *sqlx.DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, host, dbname)
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return NewStores(db), db, nil
}

// NewStores wires the Postgres implementations over an existing connection.
func NewStores(db *sqlx.DB) *Stores {
	return &Stores{
		Identity:    NewIdentity(db),
		Nodes:       NewTrustedNodes(db),
		Outbound:    NewOutboundMessages(db),
		InboxLog:    NewInboxLog(db),
		Waves:       NewWaves(db),
		Users:       NewUsers(db),
		Pings:       NewPings(db),
		RemoteUsers: NewRemoteUsers(db),
		RemotePings: NewRemotePings(db),
	}
}

// Migrate brings the schema up to date from the embedded migration files.
func Migrate(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
