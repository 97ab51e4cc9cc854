// Package settlement runs the batch side of the core: daily outcome
// publication, maturity settlement of time-locked allocations, and the
// directional and hourly wager resolvers.
//
// Every write is conditioned on the row still being in its pre-resolution
// state, so overlapping scheduler ticks and lazy resolution from a page view
// can run the same pass concurrently; the loser of a race is a no-op.
package settlement

import (
	"fmt"
	"log/slog"

	"github.com/kazylambist/meteo/internal/metrics"
)

// Outcome is what one pass did with one row.
type Outcome string

const (
	Resolved  Outcome = "resolved"
	Deferred  Outcome = "deferred"
	Abandoned Outcome = "abandoned"
	Skipped   Outcome = "skipped"
	Failed    Outcome = "failed"
)

// Report summarises one pass. Rows still waiting on data count as Deferred;
// rows already handled by a concurrent pass count as Skipped.
type Report struct {
	Resolved  int `json:"resolved"`
	Deferred  int `json:"deferred"`
	Abandoned int `json:"abandoned"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (r *Report) add(resolver string, o Outcome) {
	switch o {
	case Resolved:
		r.Resolved++
	case Deferred:
		r.Deferred++
	case Abandoned:
		r.Abandoned++
	case Skipped:
		r.Skipped++
	case Failed:
		r.Failed++
	}
	metrics.Resolutions.WithLabelValues(resolver, string(o)).Inc()
}

func (r Report) String() string {
	return fmt.Sprintf("resolved=%d deferred=%d abandoned=%d skipped=%d failed=%d",
		r.Resolved, r.Deferred, r.Abandoned, r.Skipped, r.Failed)
}

// LogValue keeps reports readable in the JSON log.
func (r Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("resolved", r.Resolved),
		slog.Int("deferred", r.Deferred),
		slog.Int("abandoned", r.Abandoned),
		slog.Int("skipped", r.Skipped),
		slog.Int("failed", r.Failed),
	)
}
