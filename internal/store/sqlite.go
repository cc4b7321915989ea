package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/CarValue/internal/models"
)

const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists valuations in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the SQLite database and applies the
// schema. The parent directory of a plain path is created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.DSN
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	if !strings.HasPrefix(dsn, "file:") {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(DSNTypeSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("SQLite ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore opened and migrated", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveValuation(v *models.Valuation) error {
	attrs, err := encodeAttributes(v.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO valuations (id, conversation_id, attributes, price, status, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ConversationID, attrs, v.Price, string(v.Status), nilIfEmpty(v.Error), v.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveValuation failed", "error", err, "id", v.ID)
		return fmt.Errorf("failed to insert valuation %s: %w", v.ID, err)
	}
	slog.Debug("SQLiteStore SaveValuation succeeded", "id", v.ID, "status", v.Status)
	return nil
}

// GetValuations returns valuations newest first.
func (s *SQLiteStore) GetValuations() ([]models.Valuation, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, attributes, price, status, error, created_at FROM valuations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query valuations: %w", err)
	}
	return collectValuations(rows)
}

func (s *SQLiteStore) GetValuationStats() (models.ValuationStats, error) {
	return scanStats(s.db.QueryRow(statsQuery))
}

func (s *SQLiteStore) IsDuplicate(messageID string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&n); err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) RecordInbound(messageID, participantID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)`,
		messageID, participantID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
		return err
	}
	return nil
}
