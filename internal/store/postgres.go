package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/CarValue/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists valuations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to PostgreSQL and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open(DSNTypePostgres, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres connection: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("Postgres ping failed: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveValuation(v *models.Valuation) error {
	attrs, err := encodeAttributes(v.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO valuations (id, conversation_id, attributes, price, status, error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.ConversationID, attrs, v.Price, string(v.Status), nilIfEmpty(v.Error), v.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveValuation failed", "error", err, "id", v.ID)
		return fmt.Errorf("failed to insert valuation %s: %w", v.ID, err)
	}
	slog.Debug("PostgresStore SaveValuation succeeded", "id", v.ID, "status", v.Status)
	return nil
}

// GetValuations returns valuations newest first.
func (s *PostgresStore) GetValuations() ([]models.Valuation, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, attributes::text, price, status, error, created_at FROM valuations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query valuations: %w", err)
	}
	return collectValuations(rows)
}

func (s *PostgresStore) GetValuationStats() (models.ValuationStats, error) {
	return scanStats(s.db.QueryRow(statsQuery))
}

func (s *PostgresStore) IsDuplicate(messageID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM inbound_dedup WHERE message_id = $1)`, messageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) RecordInbound(messageID, participantID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, participantID, time.Now(),
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

func (s *PostgresStore) MarkProcessed(messageID string) error {
	if _, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
		return err
	}
	return nil
}
