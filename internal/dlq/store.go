package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calebmorten/eventgate/internal/fault"
)

// PGStore keeps DLQ entries in Postgres with the task stored as jsonb.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, e *Entry) error {
	task, err := json.Marshal(e.Task)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO eventgate.dlq_entries
			(id, org_id, event_id, integration_id, attempt_id, task,
			 error_category, error_code, error_message, attempts, status, notes,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			attempt_id = EXCLUDED.attempt_id,
			error_category = EXCLUDED.error_category,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			attempts = EXCLUDED.attempts,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		e.ID, e.OrgID, e.EventID, e.IntegrationID, e.AttemptID, task,
		e.ErrorCategory, e.ErrorCode, e.ErrorMessage, e.Attempts, string(e.Status), e.Notes,
		e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *PGStore) GetByID(ctx context.Context, id string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, event_id, integration_id, COALESCE(attempt_id,''), task,
		       error_category, error_code, error_message, attempts, status,
		       COALESCE(notes,''), created_at, updated_at
		FROM eventgate.dlq_entries WHERE id = $1`, id)
	return scanEntry(row)
}

func (s *PGStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `
		SELECT id, org_id, event_id, integration_id, COALESCE(attempt_id,''), task,
		       error_category, error_code, error_message, attempts, status,
		       COALESCE(notes,''), created_at, updated_at
		FROM eventgate.dlq_entries WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, n)
	}
	if f.OrgID != "" {
		add("org_id", f.OrgID)
	}
	if f.IntegrationID != "" {
		add("integration_id", f.IntegrationID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PGStore) SetStatus(ctx context.Context, id string, status Status, notes string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE eventgate.dlq_entries
		SET status = $2, notes = CASE WHEN $3 <> '' THEN $3 ELSE notes END, updated_at = $4
		WHERE id = $1`, id, string(status), notes, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.Validation, "DLQ_NOT_FOUND", "DLQ entry %s not found", id)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM eventgate.dlq_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.Validation, "DLQ_NOT_FOUND", "DLQ entry %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var status string
	var task []byte
	err := row.Scan(&e.ID, &e.OrgID, &e.EventID, &e.IntegrationID, &e.AttemptID, &task,
		&e.ErrorCategory, &e.ErrorCode, &e.ErrorMessage, &e.Attempts, &status,
		&e.Notes, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.Validation, "DLQ_NOT_FOUND", "DLQ entry not found")
	}
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if err := json.Unmarshal(task, &e.Task); err != nil {
		return nil, err
	}
	return &e, nil
}

// MemStore backs tests.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]Entry)}
}

func (s *MemStore) Insert(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = *e
	return nil
}

func (s *MemStore) GetByID(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fault.New(fault.Validation, "DLQ_NOT_FOUND", "DLQ entry %s not found", id)
	}
	out := e
	return &out, nil
}

func (s *MemStore) List(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if f.OrgID != "" && e.OrgID != f.OrgID {
			continue
		}
		if f.IntegrationID != "" && e.IntegrationID != f.IntegrationID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemStore) SetStatus(_ context.Context, id string, status Status, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fault.New(fault.Validation, "DLQ_NOT_FOUND", "DLQ entry %s not found", id)
	}
	e.Status = status
	if notes != "" {
		e.Notes = notes
	}
	e.UpdatedAt = time.Now().UTC()
	s.entries[id] = e
	return nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fault.New(fault.Validation, "DLQ_NOT_FOUND", "DLQ entry %s not found", id)
	}
	delete(s.entries, id)
	return nil
}
