package intel

import (
	"context"
	"time"
)

// IndicatorRepository persists indicators. Upserts are keyed on StixID.
type IndicatorRepository interface {
	GetByStixID(ctx context.Context, stixID string) (*Indicator, error)
	Create(ctx context.Context, ind *Indicator) error
	Update(ctx context.Context, ind *Indicator) error
	Delete(ctx context.Context, id string) error
	// DeleteByRun removes every indicator created by the given consumption
	// run and returns how many were removed.
	DeleteByRun(ctx context.Context, runID string) (int, error)
	ListByFeed(ctx context.Context, feedID string, limit int) ([]*Indicator, error)
}

// TTPRepository persists TTP records, mirroring IndicatorRepository.
type TTPRepository interface {
	GetByStixID(ctx context.Context, stixID string) (*TTP, error)
	Create(ctx context.Context, ttp *TTP) error
	Update(ctx context.Context, ttp *TTP) error
	Delete(ctx context.Context, id string) error
	DeleteByRun(ctx context.Context, runID string) (int, error)
	ListByFeed(ctx context.Context, feedID string, limit int) ([]*TTP, error)
}

// FeedRepository persists feeds and owns the consumption-status transitions
// that must be atomic.
type FeedRepository interface {
	Find(ctx context.Context, id string) (*Feed, error)
	Create(ctx context.Context, feed *Feed) error
	Update(ctx context.Context, feed *Feed) error
	List(ctx context.Context) ([]*Feed, error)

	// BeginConsumption atomically transitions idle/paused/error -> starting
	// and records the task id. It returns ErrConsumptionActive when the feed
	// is already running or starting; the feed is left untouched in that
	// case. This check-and-set is the single guard against double starts.
	BeginConsumption(ctx context.Context, feedID, taskID string) (*Feed, error)

	// MarkRunning transitions starting -> running.
	MarkRunning(ctx context.Context, feedID string) error

	// FinishConsumption returns the feed to idle after a successful run,
	// stamping last_sync, bumping sync_count and clearing last_error.
	FinishConsumption(ctx context.Context, feedID string, at time.Time) error

	// MarkPaused persists the pause cursor and transitions to paused.
	MarkPaused(ctx context.Context, feedID string, at time.Time, metadata map[string]any) error

	// AbandonConsumption returns the feed to idle without stamping last_sync
	// or bumping sync_count, clearing the pause cursor and task id. Used when
	// a run is cancelled or a paused run is abandoned: the window the run
	// covered stays eligible for the next incremental poll.
	AbandonConsumption(ctx context.Context, feedID string) error

	// MarkError records truncated error text and returns the feed to idle so
	// it stays retriable.
	MarkError(ctx context.Context, feedID, message string) error
}
