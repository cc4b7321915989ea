package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/CarValue/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeAttributes(attrs models.Attributes) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode attributes: %w", err)
	}
	return string(data), nil
}

// scanValuation scans a Valuation from sql.Rows. Columns must be
// id, conversation_id, attributes, price, status, error, created_at.
func scanValuation(rows *sql.Rows) (models.Valuation, error) {
	var v models.Valuation
	var attrsJSON string
	var errText sql.NullString
	var status string
	if err := rows.Scan(&v.ID, &v.ConversationID, &attrsJSON, &v.Price, &status, &errText, &v.CreatedAt); err != nil {
		return v, fmt.Errorf("scan valuation failed: %w", err)
	}
	v.Status = models.ValuationStatus(status)
	v.Error = errText.String
	if err := json.Unmarshal([]byte(attrsJSON), &v.Attributes); err != nil {
		return v, fmt.Errorf("decode attributes for valuation %s: %w", v.ID, err)
	}
	return v, nil
}

func collectValuations(rows *sql.Rows) ([]models.Valuation, error) {
	defer rows.Close()
	var out []models.Valuation
	for rows.Next() {
		v, err := scanValuation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate valuation rows: %w", err)
	}
	return out, nil
}

// scanStats reads the row produced by statsQuery.
func scanStats(row *sql.Row) (models.ValuationStats, error) {
	var stats models.ValuationStats
	var avg sql.NullFloat64
	if err := row.Scan(&stats.Estimated, &stats.Failed, &avg); err != nil {
		return stats, fmt.Errorf("scan valuation stats failed: %w", err)
	}
	stats.AveragePrice = avg.Float64
	return stats, nil
}

const statsQuery = `
SELECT
	COALESCE(SUM(CASE WHEN status = 'estimated' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
	AVG(CASE WHEN status = 'estimated' THEN price END)
FROM valuations`
