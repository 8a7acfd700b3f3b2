// Package runner drives the sequential extraction loop: consume a lazy
// record source, filter, ask the oracle, normalize, persist. One record is
// fully handled before the next begins, and no record failure stops the run.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"cotations/packages/domain"
	"cotations/packages/metrics"
	"cotations/packages/reducer"
)

// Stages a record can fail in, recorded for operator follow-up.
const (
	StageOracle  = "oracle"
	StagePersist = "persist"
	StageLookup  = "lookup"
)

// RouteSource yields route records in id order. Next reports false once the
// source is exhausted. Sources must be safe to consume lazily.
type RouteSource interface {
	Next(ctx context.Context) (domain.RouteRecord, bool, error)
}

// PreparedSource yields prepared import rows.
type PreparedSource interface {
	Next(ctx context.Context) (domain.PreparedRow, bool, error)
}

// ProjectFunc filters one record and projects it to its kept form; ok=false
// drops the record silently.
type ProjectFunc func(domain.RouteRecord) (domain.KeptRoute, bool)

// ExtractFunc asks the oracle for its raw answer text.
type ExtractFunc func(ctx context.Context, description string) (string, error)

// SinkFunc persists one normalized histogram. A dry-run sink must perform no
// durable write but still report an outcome for bookkeeping.
type SinkFunc func(ctx context.Context, id int64, h domain.Histogram, dryRun bool) error

// LookupFunc reports whether a route already carries non-empty cotations.
// Import runs use it for their skip-existing gate.
type LookupFunc func(ctx context.Context, id int64) (bool, error)

type Options struct {
	SkipExisting bool  // bypass records whose existing grades are non-empty
	Limit        int   // cap on attempted records, 0 = unbounded
	DryRun       bool  // compute and echo, suppress durable writes
	StartID      int64 // resume cursor, records below are not attempted
}

func DefaultOptions() Options { return Options{SkipExisting: true} }

// Validate rejects impossible settings before any record is touched.
func (o Options) Validate() error {
	if o.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", o.Limit)
	}
	if o.StartID < 0 {
		return fmt.Errorf("start id must not be negative, got %d", o.StartID)
	}
	return nil
}

// Failure is one record-level error, kept so a follow-up run can target it.
type Failure struct {
	ID    int64
	Stage string
	Err   string
}

// RunState accumulates counters over one run. It is created at run start and
// discarded at run end; the only cross-run state is the ai_cotations column.
type RunState struct {
	Seen            int
	Kept            int
	Attempted       int
	Succeeded       int
	Failed          int
	SkippedExisting int
	Failures        []Failure
}

// Log writes the end-of-run summary.
func (s RunState) Log(op string) {
	slog.Info("Run finished",
		"op", op,
		"seen", s.Seen,
		"kept", s.Kept,
		"attempted", s.Attempted,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"skipped_existing", s.SkippedExisting,
	)
	for _, f := range s.Failures {
		slog.Warn("Record failed during run", "route_id", f.ID, "stage", f.Stage, "error", f.Err)
	}
}

func (s *RunState) fail(id int64, stage string, err error) {
	s.Failed++
	s.Failures = append(s.Failures, Failure{ID: id, Stage: stage, Err: err.Error()})
	metrics.Extractions.WithLabelValues("failed").Inc()
	slog.Error("Record failed", "route_id", id, "stage", stage, "error", err)
}

// Run consumes src until exhaustion, cancellation or the attempt limit.
// Per-record gate order: filter, skip-existing, limit, start id. The limit
// is consumed only by attempted records. Any per-record error is recorded
// and the loop continues; only a broken source or cancellation ends the run
// early, and records committed before that stay committed.
func Run(ctx context.Context, src RouteSource, project ProjectFunc, extract ExtractFunc, sink SinkFunc, opts Options) (RunState, error) {
	var state RunState
	if err := opts.Validate(); err != nil {
		return state, err
	}

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("Run interrupted, stopping new attempts", "attempted", state.Attempted)
			return state, err
		}
		if opts.Limit > 0 && state.Attempted >= opts.Limit {
			slog.Info("Attempt limit reached", "limit", opts.Limit)
			return state, nil
		}

		rec, ok, err := src.Next(ctx)
		if err != nil {
			return state, fmt.Errorf("route source failed: %w", err)
		}
		if !ok {
			return state, nil
		}
		state.Seen++
		metrics.RecordsSeen.Inc()

		kept, ok := project(rec)
		if !ok {
			continue
		}
		state.Kept++
		metrics.RecordsKept.Inc()

		if opts.SkipExisting && rec.Processed() {
			state.SkippedExisting++
			metrics.Extractions.WithLabelValues("skipped").Inc()
			slog.Debug("Skipping route with existing cotations", "route_id", rec.ID)
			continue
		}
		if rec.ID < opts.StartID {
			continue
		}

		state.Attempted++
		metrics.LastProcessedID.Set(float64(rec.ID))

		raw, err := extract(ctx, kept.Description)
		if err != nil {
			state.fail(rec.ID, StageOracle, err)
			continue
		}
		h := reducer.Normalize(raw)
		if err := sink(ctx, rec.ID, h, opts.DryRun); err != nil {
			state.fail(rec.ID, StagePersist, err)
			continue
		}
		state.Succeeded++
		if h.IsEmpty() {
			metrics.Extractions.WithLabelValues("ambiguous").Inc()
			slog.Info("No grades recognized", "route_id", rec.ID, "lang", kept.Lang)
		} else {
			metrics.Extractions.WithLabelValues("succeeded").Inc()
			slog.Info("Extracted cotations", "route_id", rec.ID, "grades", len(h), "lang", kept.Lang)
		}
	}
}

// RunImport replays prepared (id, cotations JSON) rows against the sink with
// the same gates and isolation as Run. Rows pass through the normalizer, so
// an import can never persist anything the extraction path could not.
func RunImport(ctx context.Context, src PreparedSource, lookup LookupFunc, sink SinkFunc, opts Options) (RunState, error) {
	var state RunState
	if err := opts.Validate(); err != nil {
		return state, err
	}

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("Import interrupted, stopping new attempts", "attempted", state.Attempted)
			return state, err
		}
		if opts.Limit > 0 && state.Attempted >= opts.Limit {
			slog.Info("Attempt limit reached", "limit", opts.Limit)
			return state, nil
		}

		row, ok, err := src.Next(ctx)
		if err != nil {
			return state, fmt.Errorf("prepared source failed: %w", err)
		}
		if !ok {
			return state, nil
		}
		state.Seen++
		state.Kept++
		metrics.RecordsSeen.Inc()
		metrics.RecordsKept.Inc()

		if opts.SkipExisting {
			has, err := lookup(ctx, row.ID)
			if err != nil {
				state.fail(row.ID, StageLookup, err)
				continue
			}
			if has {
				state.SkippedExisting++
				metrics.Extractions.WithLabelValues("skipped").Inc()
				continue
			}
		}
		if row.ID < opts.StartID {
			continue
		}

		state.Attempted++
		metrics.LastProcessedID.Set(float64(row.ID))

		h := reducer.Normalize(row.Cotations)
		if err := sink(ctx, row.ID, h, opts.DryRun); err != nil {
			state.fail(row.ID, StagePersist, err)
			continue
		}
		state.Succeeded++
		metrics.Extractions.WithLabelValues("succeeded").Inc()
	}
}
