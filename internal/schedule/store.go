package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calebmorten/eventgate/internal/fault"
)

// PendingStatus is the lifecycle of a deferred delivery.
type PendingStatus string

const (
	StatusPending   PendingStatus = "PENDING"
	StatusSent      PendingStatus = "SENT"
	StatusFailed    PendingStatus = "FAILED"
	StatusCancelled PendingStatus = "CANCELLED"
	StatusOverdue   PendingStatus = "OVERDUE"
)

// PendingDelivery is one deferred unit of work. For recurring integrations
// Remaining counts occurrences left including the next one.
type PendingDelivery struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"orgId"`
	IntegrationID string          `json:"integrationId"`
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	ScheduledFor  time.Time       `json:"scheduledFor"`
	Recurring     bool            `json:"recurring"`
	IntervalMs    int64           `json:"intervalMs,omitempty"`
	Remaining     int             `json:"remaining,omitempty"`
	EndDate       *time.Time      `json:"endDate,omitempty"`
	Status        PendingStatus   `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// NewPendingFromDelayed builds the stored row for a DELAYED computation.
// Overdue schedules keep the OVERDUE marker so the sweeper picks them up on
// its next pass.
func NewPendingFromDelayed(orgID, integrationID, eventID, eventType string, payload json.RawMessage, d *Delayed) *PendingDelivery {
	status := StatusPending
	if d.Overdue {
		status = StatusOverdue
	}
	now := time.Now().UTC()
	return &PendingDelivery{
		ID:            uuid.NewString(),
		OrgID:         orgID,
		IntegrationID: integrationID,
		EventID:       eventID,
		EventType:     eventType,
		Payload:       payload,
		ScheduledFor:  d.RunAt,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewPendingFromRecurring builds the stored row for a RECURRING computation.
func NewPendingFromRecurring(orgID, integrationID, eventID, eventType string, payload json.RawMessage, r *Recurring) *PendingDelivery {
	now := time.Now().UTC()
	return &PendingDelivery{
		ID:            uuid.NewString(),
		OrgID:         orgID,
		IntegrationID: integrationID,
		EventID:       eventID,
		EventType:     eventType,
		Payload:       payload,
		ScheduledFor:  r.FirstOccurrence,
		Recurring:     true,
		IntervalMs:    r.Interval.Milliseconds(),
		Remaining:     r.MaxOccurrences,
		EndDate:       r.EndDate,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Store persists pending deliveries.
type Store interface {
	Insert(ctx context.Context, p *PendingDelivery) error
	GetByID(ctx context.Context, id string) (*PendingDelivery, error)
	Due(ctx context.Context, now time.Time, limit int) ([]PendingDelivery, error)
	SetStatus(ctx context.Context, id string, status PendingStatus) error
	Advance(ctx context.Context, id string, next time.Time, remaining int) error
	Reschedule(ctx context.Context, id string, scheduledFor time.Time) error
	Cancel(ctx context.Context, id string) error
}

// PGStore keeps pending deliveries in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, p *PendingDelivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO eventgate.pending_deliveries
			(id, org_id, integration_id, event_id, event_type, payload,
			 scheduled_for, recurring, interval_ms, remaining, end_date, status,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.ID, p.OrgID, p.IntegrationID, p.EventID, p.EventType, []byte(p.Payload),
		p.ScheduledFor, p.Recurring, p.IntervalMs, p.Remaining, p.EndDate, string(p.Status),
		p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *PGStore) GetByID(ctx context.Context, id string) (*PendingDelivery, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, integration_id, event_id, event_type, payload,
		       scheduled_for, recurring, interval_ms, remaining, end_date, status,
		       created_at, updated_at
		FROM eventgate.pending_deliveries WHERE id = $1`, id)
	return scanPending(row)
}

// Due returns PENDING and OVERDUE rows whose time has come, oldest first.
// The single sweeper process is the only consumer, so no row locking.
func (s *PGStore) Due(ctx context.Context, now time.Time, limit int) ([]PendingDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, integration_id, event_id, event_type, payload,
		       scheduled_for, recurring, interval_ms, remaining, end_date, status,
		       created_at, updated_at
		FROM eventgate.pending_deliveries
		WHERE status IN ('PENDING','OVERDUE') AND scheduled_for <= $1
		ORDER BY scheduled_for ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingDelivery
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PGStore) SetStatus(ctx context.Context, id string, status PendingStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE eventgate.pending_deliveries
		SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.Validation, "SCHEDULE_NOT_FOUND", "pending delivery %s not found", id)
	}
	return nil
}

func (s *PGStore) Advance(ctx context.Context, id string, next time.Time, remaining int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE eventgate.pending_deliveries
		SET scheduled_for = $2, remaining = $3, status = 'PENDING', updated_at = $4
		WHERE id = $1`, id, next, remaining, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.Validation, "SCHEDULE_NOT_FOUND", "pending delivery %s not found", id)
	}
	return nil
}

// Reschedule moves a not-yet-fired delivery. Fired or cancelled rows refuse.
func (s *PGStore) Reschedule(ctx context.Context, id string, scheduledFor time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE eventgate.pending_deliveries
		SET scheduled_for = $2, status = 'PENDING', updated_at = $3
		WHERE id = $1 AND status IN ('PENDING','OVERDUE')`,
		id, scheduledFor, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.Validation, "SCHEDULE_NOT_EDITABLE",
			"pending delivery %s not found or already fired", id)
	}
	return nil
}

func (s *PGStore) Cancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE eventgate.pending_deliveries
		SET status = 'CANCELLED', updated_at = $2
		WHERE id = $1 AND status IN ('PENDING','OVERDUE')`,
		id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.Validation, "SCHEDULE_NOT_EDITABLE",
			"pending delivery %s not found or already fired", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (*PendingDelivery, error) {
	var p PendingDelivery
	var status string
	var payload []byte
	err := row.Scan(&p.ID, &p.OrgID, &p.IntegrationID, &p.EventID, &p.EventType, &payload,
		&p.ScheduledFor, &p.Recurring, &p.IntervalMs, &p.Remaining, &p.EndDate, &status,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.Validation, "SCHEDULE_NOT_FOUND", "pending delivery not found")
	}
	if err != nil {
		return nil, err
	}
	p.Status = PendingStatus(status)
	p.Payload = payload
	return &p, nil
}

// MemStore backs tests.
type MemStore struct {
	mu   sync.Mutex
	rows map[string]PendingDelivery
}

func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]PendingDelivery)}
}

func (s *MemStore) Insert(_ context.Context, p *PendingDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = *p
	return nil
}

func (s *MemStore) GetByID(_ context.Context, id string) (*PendingDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return nil, fault.New(fault.Validation, "SCHEDULE_NOT_FOUND", "pending delivery %s not found", id)
	}
	out := p
	return &out, nil
}

func (s *MemStore) Due(_ context.Context, now time.Time, limit int) ([]PendingDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []PendingDelivery
	for _, p := range s.rows {
		if (p.Status == StatusPending || p.Status == StatusOverdue) && !p.ScheduledFor.After(now) {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemStore) SetStatus(_ context.Context, id string, status PendingStatus) error {
	return s.update(id, func(p *PendingDelivery) { p.Status = status })
}

func (s *MemStore) Advance(_ context.Context, id string, next time.Time, remaining int) error {
	return s.update(id, func(p *PendingDelivery) {
		p.ScheduledFor = next
		p.Remaining = remaining
		p.Status = StatusPending
	})
}

func (s *MemStore) Reschedule(_ context.Context, id string, scheduledFor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok || (p.Status != StatusPending && p.Status != StatusOverdue) {
		return fault.New(fault.Validation, "SCHEDULE_NOT_EDITABLE",
			"pending delivery %s not found or already fired", id)
	}
	p.ScheduledFor = scheduledFor
	p.Status = StatusPending
	p.UpdatedAt = time.Now().UTC()
	s.rows[id] = p
	return nil
}

func (s *MemStore) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok || (p.Status != StatusPending && p.Status != StatusOverdue) {
		return fault.New(fault.Validation, "SCHEDULE_NOT_EDITABLE",
			"pending delivery %s not found or already fired", id)
	}
	p.Status = StatusCancelled
	p.UpdatedAt = time.Now().UTC()
	s.rows[id] = p
	return nil
}

func (s *MemStore) update(id string, fn func(p *PendingDelivery)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return fault.New(fault.Validation, "SCHEDULE_NOT_FOUND", "pending delivery %s not found", id)
	}
	fn(&p)
	p.UpdatedAt = time.Now().UTC()
	s.rows[id] = p
	return nil
}
