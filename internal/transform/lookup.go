package transform

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LookupResolver maps a source code to a target code through tenant lookup
// tables. Resolution fails closed: a miss reports found=false and never
// raises, so a hole in a mapping table cannot abort a delivery by itself.
type LookupResolver interface {
	Resolve(ctx context.Context, table, code string, reverse bool, scope string) (string, bool)
}

// PGLookup resolves codes against the lookup_entries table.
type PGLookup struct {
	pool *pgxpool.Pool
}

func NewPGLookup(pool *pgxpool.Pool) *PGLookup {
	return &PGLookup{pool: pool}
}

func (l *PGLookup) Resolve(ctx context.Context, table, code string, reverse bool, scope string) (string, bool) {
	from, to := "source_code", "target_code"
	if reverse {
		from, to = to, from
	}
	// Scoped rows win over unscoped ones.
	q := `
		SELECT ` + to + ` FROM eventgate.lookup_entries
		WHERE table_name = $1 AND ` + from + ` = $2 AND (scope = $3 OR scope = '')
		ORDER BY scope DESC
		LIMIT 1`
	var out string
	if err := l.pool.QueryRow(ctx, q, table, code, scope).Scan(&out); err != nil {
		return "", false
	}
	return out, true
}

// MapLookup is an in-memory resolver for tests and local runs. Keys are
// "table/scope"; the empty scope is the unscoped fallback.
type MapLookup struct {
	Forward map[string]map[string]string
}

func (l *MapLookup) Resolve(_ context.Context, table, code string, reverse bool, scope string) (string, bool) {
	for _, key := range []string{table + "/" + scope, table + "/"} {
		entries, ok := l.Forward[key]
		if !ok {
			continue
		}
		if !reverse {
			if v, ok := entries[code]; ok {
				return v, true
			}
			continue
		}
		for k, v := range entries {
			if v == code {
				return k, true
			}
		}
	}
	return "", false
}
