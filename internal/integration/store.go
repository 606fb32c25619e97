package integration

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calebmorten/eventgate/internal/fault"
)

// Store reads integration configs. The pipeline never writes them.
type Store interface {
	GetByID(ctx context.Context, id string) (*Integration, error)
	ListActiveByEvent(ctx context.Context, orgID, eventType string) ([]*Integration, error)
}

// PGStore reads integration documents from postgres. Configs are stored as
// jsonb and validated on every read so a bad management-plane write surfaces
// here instead of mid-delivery.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) GetByID(ctx context.Context, id string) (*Integration, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT config FROM eventgate.integrations WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "INTEGRATION_NOT_FOUND", err, "integration %s not found", id)
	}
	return UnmarshalConfig(raw)
}

func (s *PGStore) ListActiveByEvent(ctx context.Context, orgID, eventType string) ([]*Integration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT config FROM eventgate.integrations
		WHERE org_id = $1 AND event_type = $2 AND active = true`,
		orgID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Integration
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		integ, err := UnmarshalConfig(raw)
		if err != nil {
			// A malformed config must not block the rest of the fan-out.
			continue
		}
		out = append(out, integ)
	}
	return out, rows.Err()
}
