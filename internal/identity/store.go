package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoCredentials is returned when the display has not yet registered.
var ErrNoCredentials = errors.New("identity: no credentials persisted")

// Credentials is the display's persisted registration state.
type Credentials struct {
	CMSKey      string
	HardwareKey string
	DisplayName string
	DisplayID   string
	RegisteredAt time.Time
}

// Store is a SQLite-backed credential store, stable across restarts.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens (creating if necessary) the identity database at path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("identity: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS credentials (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			cms_key TEXT NOT NULL,
			hardware_key TEXT NOT NULL,
			display_name TEXT NOT NULL,
			display_id TEXT NOT NULL,
			registered_at TIMESTAMP NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("identity: init schema: %w", err)
	}
	return nil
}

// Load returns the persisted credentials, or ErrNoCredentials if the
// display has never registered.
func (s *Store) Load() (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Credentials
	row := s.db.QueryRow(`SELECT cms_key, hardware_key, display_name, display_id, registered_at FROM credentials WHERE id = 1`)
	err := row.Scan(&c.CMSKey, &c.HardwareKey, &c.DisplayName, &c.DisplayID, &c.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load credentials: %w", err)
	}
	return &c, nil
}

// Save persists credentials, replacing any prior row.
func (s *Store) Save(c *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO credentials (id, cms_key, hardware_key, display_name, display_id, registered_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cms_key = excluded.cms_key,
			hardware_key = excluded.hardware_key,
			display_name = excluded.display_name,
			display_id = excluded.display_id,
			registered_at = excluded.registered_at
	`, c.CMSKey, c.HardwareKey, c.DisplayName, c.DisplayID, c.RegisteredAt)
	if err != nil {
		return fmt.Errorf("identity: save credentials: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive, for health checks.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
