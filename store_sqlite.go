package homesync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite entity store backend.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int

	// MaxConnections is the max number of database connections.
	MaxConnections int
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig() SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           "homesync.db",
		JournalMode:    "WAL",
		BusyTimeout:    5000,
		MaxConnections: 4,
	}
}

// SQLiteStore implements EntityStore on a single SQLite file. Each
// (entity type, scope) collection is one row holding the JSON-encoded
// records, so reads and writes keep the store contract's all-or-nothing
// semantics.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.Mutex
	closed bool

	readStmt  *sql.Stmt
	writeStmt *sql.Stmt
}

// NewSQLiteStore opens (or creates) a SQLite-backed entity store.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "homesync.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)

	store := &SQLiteStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare sqlite statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS collections (
			entity_type TEXT NOT NULL,
			scope       TEXT NOT NULL,
			data        BLOB NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (entity_type, scope)
		)`)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	s.readStmt, err = s.db.Prepare(
		`SELECT data FROM collections WHERE entity_type = ? AND scope = ?`)
	if err != nil {
		return err
	}
	s.writeStmt, err = s.db.Prepare(
		`INSERT INTO collections (entity_type, scope, data, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_type, scope)
		 DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
	return err
}

// ReadCollection loads one collection. A row that does not exist yet is a
// valid empty collection.
func (s *SQLiteStore) ReadCollection(t EntityType, scope string) ([]Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if scope == "" {
		scope = DefaultScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.readStmt.QueryRow(string(t), scope).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s collection: %w", t, err)
	}

	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode %s collection: %w", t, err)
	}
	return recs, nil
}

// WriteCollection replaces one collection in a single upsert.
func (s *SQLiteStore) WriteCollection(t EntityType, scope string, recs []Record) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	if scope == "" {
		scope = DefaultScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode %s collection: %w", t, err)
	}
	if _, err := s.writeStmt.Exec(string(t), scope, data, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("write %s collection: %w", t, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.readStmt != nil {
		_ = s.readStmt.Close()
	}
	if s.writeStmt != nil {
		_ = s.writeStmt.Close()
	}
	return s.db.Close()
}
