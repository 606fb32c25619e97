package execlog

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/fault"
)

// PGStore persists attempt records in Postgres. Steps and the response
// snapshot are stored as jsonb.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Create(ctx context.Context, rec *Record) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return err
	}
	var evt []byte
	if rec.Event != nil {
		evt, err = json.Marshal(rec.Event)
		if err != nil {
			return err
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO eventgate.executions
			(id, trace_id, org_id, event_id, integration_id, action_id, replay_of,
			 direction, trigger, event, status, steps, attempts, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.ID, rec.TraceID, rec.OrgID, rec.EventID, rec.IntegrationID,
		nullable(rec.ActionID), nullable(rec.ReplayOf), rec.Direction,
		string(rec.Trigger), evt, string(rec.Status), steps, rec.Attempts, rec.StartedAt)
	return err
}

func (s *PGStore) Update(ctx context.Context, rec *Record) error {
	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return err
	}
	var resp []byte
	if rec.Response != nil {
		resp, err = json.Marshal(rec.Response)
		if err != nil {
			return err
		}
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE eventgate.executions
		SET status = $2, steps = $3, response = $4, attempts = $5,
		    error_category = $6, error_code = $7, error_message = $8,
		    finished_at = $9
		WHERE id = $1`,
		rec.ID, string(rec.Status), steps, resp, rec.Attempts,
		nullable(rec.ErrorCategory), nullable(rec.ErrorCode), nullable(rec.ErrorMessage),
		rec.FinishedAt)
	return err
}

func (s *PGStore) GetByID(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(trace_id,''), org_id, event_id, integration_id,
		       COALESCE(action_id,''), COALESCE(replay_of,''), direction, trigger,
		       event, status, steps, response, attempts,
		       COALESCE(error_category,''), COALESCE(error_code,''), COALESCE(error_message,''),
		       started_at, finished_at
		FROM eventgate.executions WHERE id = $1`, id)

	var rec Record
	var trigger, status string
	var evt, steps, resp []byte
	err := row.Scan(&rec.ID, &rec.TraceID, &rec.OrgID, &rec.EventID, &rec.IntegrationID,
		&rec.ActionID, &rec.ReplayOf, &rec.Direction, &trigger,
		&evt, &status, &steps, &resp, &rec.Attempts,
		&rec.ErrorCategory, &rec.ErrorCode, &rec.ErrorMessage,
		&rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.Validation, "EXECUTION_NOT_FOUND", "execution %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Trigger = Trigger(trigger)
	rec.Status = Status(status)
	if len(evt) > 0 {
		rec.Event = &event.Event{}
		if err := json.Unmarshal(evt, rec.Event); err != nil {
			return nil, err
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &rec.Steps); err != nil {
			return nil, err
		}
	}
	if len(resp) > 0 {
		rec.Response = &ResponseSnapshot{}
		if err := json.Unmarshal(resp, rec.Response); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// HasReplay reports whether any attempt already replays the given original.
func (s *PGStore) HasReplay(ctx context.Context, originalID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM eventgate.executions WHERE replay_of = $1`, originalID).Scan(&n)
	return n > 0, err
}

// ListRetryable selects sweep candidates. DLQ-parked attempts are excluded
// because the operator owns those; replayed attempts are excluded so the
// sweep stays idempotent across runs.
func (s *PGStore) ListRetryable(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(trace_id,''), org_id, event_id, integration_id,
		       COALESCE(action_id,''), COALESCE(replay_of,''), direction, trigger,
		       event, status, steps, response, attempts,
		       COALESCE(error_category,''), COALESCE(error_code,''), COALESCE(error_message,''),
		       started_at, finished_at
		FROM eventgate.executions e
		WHERE e.status IN ('failed', 'timeout')
		  AND e.event IS NOT NULL
		  AND e.finished_at <= $1
		  AND (e.error_category IN ('upstream_timeout', 'network')
		       OR (e.error_category = 'upstream'
		           AND ((e.response->>'statusCode')::int IN (408, 429)
		                OR (e.response->>'statusCode')::int >= 500)))
		  AND NOT EXISTS (SELECT 1 FROM eventgate.dlq_entries d WHERE d.attempt_id = e.id)
		  AND NOT EXISTS (SELECT 1 FROM eventgate.executions r WHERE r.replay_of = e.id)
		ORDER BY e.finished_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var trigger, status string
		var evt, steps, resp []byte
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.OrgID, &rec.EventID, &rec.IntegrationID,
			&rec.ActionID, &rec.ReplayOf, &rec.Direction, &trigger,
			&evt, &status, &steps, &resp, &rec.Attempts,
			&rec.ErrorCategory, &rec.ErrorCode, &rec.ErrorMessage,
			&rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.Trigger = Trigger(trigger)
		rec.Status = Status(status)
		if len(evt) > 0 {
			rec.Event = &event.Event{}
			if err := json.Unmarshal(evt, rec.Event); err != nil {
				return nil, err
			}
		}
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &rec.Steps); err != nil {
				return nil, err
			}
		}
		if len(resp) > 0 {
			rec.Response = &ResponseSnapshot{}
			if err := json.Unmarshal(resp, rec.Response); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MemStore backs tests and the pipeline's unit coverage.
type MemStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string]Record)}
}

func (s *MemStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = cloneRecord(*rec)
	return nil
}

func (s *MemStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = cloneRecord(*rec)
	return nil
}

func (s *MemStore) GetByID(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, fault.New(fault.Validation, "EXECUTION_NOT_FOUND", "execution %s not found", id)
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (s *MemStore) HasReplay(_ context.Context, originalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.ReplayOf == originalID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) ListRetryable(_ context.Context, cutoff time.Time, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replayed := make(map[string]bool)
	for _, rec := range s.recs {
		if rec.ReplayOf != "" {
			replayed[rec.ReplayOf] = true
		}
	}

	var out []Record
	for _, rec := range s.recs {
		if len(out) >= limit {
			break
		}
		if rec.Status != StatusFailed && rec.Status != StatusTimeout {
			continue
		}
		if rec.Event == nil || rec.FinishedAt == nil || rec.FinishedAt.After(cutoff) {
			continue
		}
		if replayed[rec.ID] || !retryableRecord(rec) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(*out[j].FinishedAt) })
	return out, nil
}

func retryableRecord(rec Record) bool {
	switch rec.ErrorCategory {
	case "upstream_timeout", "network":
		return true
	case "upstream":
		if rec.Response == nil {
			return false
		}
		sc := rec.Response.StatusCode
		return sc == 408 || sc == 429 || sc >= 500
	default:
		return false
	}
}

func cloneRecord(rec Record) Record {
	rec.Steps = append([]Step(nil), rec.Steps...)
	if rec.Response != nil {
		resp := *rec.Response
		rec.Response = &resp
	}
	if rec.Event != nil {
		evt := *rec.Event
		rec.Event = &evt
	}
	return rec
}
