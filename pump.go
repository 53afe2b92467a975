package scenemesh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go-scenemesh/metrics"
)

// pumpSource is one polled, cursor-ordered event table together with the
// delivery logic for its rows.
type pumpSource interface {
	// latestCursor returns the newest row's cursor, so a fresh pump starts
	// at the tail of the log instead of replaying history.
	latestCursor(ctx context.Context) (Cursor, error)

	// poll fetches up to limit rows strictly after the cursor, ordered by
	// (timestamp, id), without delivering them yet.
	poll(ctx context.Context, after Cursor, limit int) (pumpBatch, error)
}

// pumpBatch is one fetched batch, ready for delivery.
type pumpBatch interface {
	size() int
	last() Cursor
	deliver(ctx context.Context)
}

// pump is the generic sync engine: a cursor over an ordered event log,
// advanced one fetch at a time. The cursor moves only after a successful
// fetch, so a failed tick delays rows but never loses them; delivery
// failures are absorbed because every instantiation re-derives ground truth
// from the store rather than trusting individual rows.
type pump struct {
	name     string
	source   pumpSource
	cursor   Cursor
	primed   bool
	limit    int
	interval time.Duration
	logger   *slog.Logger
}

func newPump(name string, source pumpSource, o options) *pump {
	return &pump{
		name:     name,
		source:   source,
		limit:    o.fetchLimit,
		interval: o.pollInterval,
		logger:   o.logger,
	}
}

// tick runs one poll cycle. The first successful tick only primes the
// cursor at the log's tail.
func (p *pump) tick(ctx context.Context) error {
	if !p.primed {
		var cursor, err = p.source.latestCursor(ctx)
		if err != nil {
			return fmt.Errorf("failed to prime %s cursor: %w", p.name, err)
		}
		p.cursor = cursor
		p.primed = true
		return nil
	}

	var batch, err = p.source.poll(ctx, p.cursor, p.limit)
	if err != nil {
		metrics.PumpErrors.WithLabelValues(p.name).Inc()
		return fmt.Errorf("failed to fetch %s events: %w", p.name, err)
	}

	metrics.PumpTicks.WithLabelValues(p.name).Inc()
	if batch.size() == 0 {
		return nil
	}

	metrics.EventsFetched.WithLabelValues(p.name).Add(float64(batch.size()))

	// Lexicographic advance; never backwards.
	if last := batch.last(); p.cursor.Less(last) {
		p.cursor = last
	}

	batch.deliver(ctx)
	return nil
}

// run drives the pump on its timer until the context ends. A tick that
// outlasts the interval causes the ticks that fired meanwhile to be
// skipped, never queued, so ticks of one pump can never overlap or run out
// of cursor order.
func (p *pump) run(ctx context.Context) {
	// Prime the cursor before the first interval elapses; rows written
	// right after startup would otherwise sit behind a tail read on the
	// first tick and be skipped.
	if err := p.tick(ctx); err != nil {
		p.logger.Error("pump tick failed", "pump", p.name, "error", err)
	}

	var ticker = time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.logger.Error("pump tick failed", "pump", p.name, "error", err)
			}

			// Discard the tick that may have fired while processing.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}
