// Package store provides storage backends for CarValue.
//
// It persists completed valuations and the inbound message IDs used for
// de-duplication, in memory, SQLite or PostgreSQL.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CarValue/internal/models"
)

// DSN types returned by DetectDSNType. They double as database/sql driver names.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// Store is the persistence contract used by the service.
type Store interface {
	DedupRepo
	SaveValuation(v *models.Valuation) error
	GetValuations() ([]models.Valuation, error)
	GetValuationStats() (models.ValuationStats, error)
	Close() error
}

// Opts holds configuration options for database-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path or file: URI.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

var postgresKeys = []string{"host=", "user=", "dbname=", "password=", "port=", "sslmode="}

// DetectDSNType reports whether dsn addresses PostgreSQL or SQLite. URLs with a
// postgres scheme and libpq key=value strings are PostgreSQL; everything else is
// treated as a SQLite path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DSNTypePostgres
	}
	for _, field := range strings.Fields(dsn) {
		for _, key := range postgresKeys {
			if strings.HasPrefix(field, key) {
				return DSNTypePostgres
			}
		}
	}
	return DSNTypeSQLite
}

// Open returns the store that dsn addresses. An empty dsn yields an InMemoryStore.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case DSNTypePostgres:
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu         sync.RWMutex
	valuations []models.Valuation
	inbound    map[string]DedupRecord
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{inbound: make(map[string]DedupRecord)}
}

func (s *InMemoryStore) SaveValuation(v *models.Valuation) error {
	if v.ID == "" {
		return fmt.Errorf("valuation ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *v
	stored.Attributes = v.Attributes.Clone()
	s.valuations = append(s.valuations, stored)
	return nil
}

// GetValuations returns valuations newest first.
func (s *InMemoryStore) GetValuations() ([]models.Valuation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Valuation, len(s.valuations))
	copy(out, s.valuations)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) GetValuationStats() (models.ValuationStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats models.ValuationStats
	var total float64
	for _, v := range s.valuations {
		switch v.Status {
		case models.ValuationStatusEstimated:
			stats.Estimated++
			total += v.Price
		case models.ValuationStatusFailed:
			stats.Failed++
		}
	}
	if stats.Estimated > 0 {
		stats.AveragePrice = total / float64(stats.Estimated)
	}
	return stats, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
