package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

type Status struct {
	OK     bool            `json:"ok"`
	Checks map[string]bool `json:"checks,omitempty"`
}

// HTTPHandler reports overall health plus a per-dependency breakdown. The
// Postgres pool is the baseline check every service carries; extras cover
// things like the NSQ producer.
func HTTPHandler(pool *pgxpool.Pool, extras ...map[string]Check) http.HandlerFunc {
	checks := map[string]Check{}
	if pool != nil {
		checks["database"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	}
	for _, m := range extras {
		for name, c := range m {
			checks[name] = c
		}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Checks: make(map[string]bool, len(checks))}

		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()
		for name, check := range checks {
			err := check(ctx)
			st.Checks[name] = err == nil
			if err != nil {
				st.OK = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
