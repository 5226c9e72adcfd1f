package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Component status values written to perp_status.
const (
	StatusStarted   = "started"
	StatusRunning   = "running"
	StatusConnected = "connected"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusError     = "error"
)

// Sink writes operational heartbeats and error reports, tagged with a
// per-process run id. Writes are best effort: a failure is logged and
// swallowed so observability can never take the pipeline down.
type Sink struct {
	store *Store
	runID string
}

// NewSink mints a run id and binds the sink to the store.
func NewSink(s *Store) *Sink {
	return &Sink{store: s, runID: uuid.NewString()}
}

// RunID returns the process run id stamped on every row.
func (k *Sink) RunID() string {
	return k.runID
}

// Status records a component heartbeat.
func (k *Sink) Status(ctx context.Context, component, status string, details map[string]interface{}) {
	k.write(ctx, `INSERT INTO perp_status (run_id, component, status, details)
		VALUES ($1, $2, $3, $4)`, component, status, details)
}

// Error records a component failure. The code is free form, typically
// an HTTP status or venue error code.
func (k *Sink) Error(ctx context.Context, component, code, message string, details map[string]interface{}) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload := detailsJSON(details)
	if _, err := k.store.db.ExecContext(ctx,
		`INSERT INTO perp_errors (run_id, component, code, message, details)
		 VALUES ($1, $2, $3, $4, $5)`,
		k.runID, component, code, message, payload); err != nil {
		log.Warn().Err(err).Str("component", component).Msg("error sink write failed")
	}
}

func (k *Sink) write(ctx context.Context, stmt, component, status string, details map[string]interface{}) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := k.store.db.ExecContext(ctx, stmt,
		k.runID, component, status, detailsJSON(details)); err != nil {
		log.Warn().Err(err).Str("component", component).Str("status", status).
			Msg("status sink write failed")
	}
}

func detailsJSON(details map[string]interface{}) interface{} {
	if len(details) == 0 {
		return nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return b
}
