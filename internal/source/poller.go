package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calebmorten/eventgate/internal/config"
	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/logging"
)

// Poller tails a MySQL outbox table by ascending row id. The cursor lives in
// memory; on restart it resumes from the max id at startup so old rows are
// not re-delivered.
type Poller struct {
	db       *sql.DB
	table    string
	interval time.Duration
	batch    int
	cursor   int64
	router   *Router
	log      *logging.Logger
}

func NewPoller(db *sql.DB, cfg config.SourceDB, router *Router) *Poller {
	return &Poller{
		db:       db,
		table:    cfg.Table,
		interval: cfg.PollInterval,
		batch:    cfg.BatchSize,
		router:   router,
		log:      logging.New("eventgate-poller"),
	}
}

// Start seeds the cursor and polls until the context ends.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.seedCursor(ctx); err != nil {
		return err
	}
	p.log.WithContext(ctx).WithField("cursor", p.cursor).Info("source poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.log.WithContext(ctx).WithError(err).Error("poll failed")
			}
		}
	}
}

func (p *Poller) seedCursor(ctx context.Context) error {
	query := fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", p.table)
	return p.db.QueryRowContext(ctx, query).Scan(&p.cursor)
}

// Poll drains one batch of new rows through the router.
func (p *Poller) Poll(ctx context.Context) error {
	query := fmt.Sprintf(`
		SELECT id, org_id, event_type, payload, created_at
		FROM %s WHERE id > ? ORDER BY id ASC LIMIT ?`, p.table)
	rows, err := p.db.QueryContext(ctx, query, p.cursor, p.batch)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        int64
			orgID     string
			eventType string
			payload   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&id, &orgID, &eventType, &payload, &createdAt); err != nil {
			return err
		}
		evt := event.New(orgID, eventType, json.RawMessage(payload))
		evt.SourceID = fmt.Sprintf("%s:%d", p.table, id)
		evt.ReceivedAt = createdAt.UTC()

		if _, err := p.router.Route(ctx, evt, "mysql"); err != nil {
			// A malformed row must not wedge the cursor forever.
			p.log.WithContext(ctx).WithOrg(orgID).WithError(err).
				WithField("source_id", evt.SourceID).Error("dropping unroutable row")
		}
		p.cursor = id
	}
	return rows.Err()
}
