// Package progress tracks consumption runs through a TTL cache and delivers
// the cooperative control signals (pause, cancel) a running consumption polls
// at its checkpoints. A missing key always reads as "no signal", so a cold or
// flushed cache degrades to uninterrupted processing.
package progress

import (
	"context"
	"errors"
	"math"
	"time"
)

// CancelMode selects what happens to the objects a cancelled run already
// wrote.
type CancelMode string

const (
	// CancelStopNow stops processing and keeps everything written so far.
	CancelStopNow CancelMode = "stop_now"
	// CancelJob stops processing and rolls back the records tagged with the
	// run id.
	CancelJob CancelMode = "cancel_job"
)

// ErrStoreUnavailable wraps backend failures so callers can distinguish a
// missing signal from a broken cache.
var ErrStoreUnavailable = errors.New("progress store unavailable")

// Snapshot is the externally visible state of one consumption run.
type Snapshot struct {
	FeedID    string `json:"feed_id"`
	TaskID    string `json:"task_id"`
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	// Percentage is derived from Processed and Total on every Update; 0 when
	// the total is unknown.
	Percentage float64   `json:"percentage"`
	Message    string    `json:"message,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type cancelSignal struct {
	Mode        CancelMode `json:"mode"`
	RequestedAt time.Time  `json:"requested_at"`
}

type pauseSignal struct {
	RequestedAt time.Time `json:"requested_at"`
}

// Store is the cache the tracker writes through. Get reports found=false for
// a missing or expired key without error.
type Store interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string, dest any) (found bool, err error)
	Delete(ctx context.Context, key string) error
}

const (
	progressTTL = 24 * time.Hour
	signalTTL   = time.Hour
)

// Tracker is the progress and control-signal facade used by the consumption
// orchestrator and the HTTP control API.
type Tracker struct {
	store Store
	bus   *Broadcaster
	now   func() time.Time
}

// NewTracker wires a tracker over the given store. The broadcaster is
// optional; pass nil when nothing subscribes to progress events.
func NewTracker(store Store, bus *Broadcaster) *Tracker {
	return &Tracker{
		store: store,
		bus:   bus,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func progressKey(feedID string) string { return "crisp:progress:" + feedID }
func pauseKey(feedID string) string    { return "crisp:pause:" + feedID }
func cancelKey(feedID string) string   { return "crisp:cancel:" + feedID }

// Update writes the run snapshot and fans it out to subscribers.
func (t *Tracker) Update(ctx context.Context, snap Snapshot) error {
	snap.UpdatedAt = t.now()
	snap.Percentage = 0
	if snap.Total > 0 {
		snap.Percentage = math.Round(float64(snap.Processed)/float64(snap.Total)*1000) / 10
	}
	if err := t.store.Set(ctx, progressKey(snap.FeedID), snap, progressTTL); err != nil {
		return err
	}
	if t.bus != nil {
		t.bus.Publish(snap)
	}
	return nil
}

// Progress returns the latest snapshot for the feed. found is false when no
// run has reported recently.
func (t *Tracker) Progress(ctx context.Context, feedID string) (Snapshot, bool, error) {
	var snap Snapshot
	found, err := t.store.Get(ctx, progressKey(feedID), &snap)
	return snap, found, err
}

// RequestPause asks the running consumption to pause at its next checkpoint.
func (t *Tracker) RequestPause(ctx context.Context, feedID string) error {
	return t.store.Set(ctx, pauseKey(feedID), pauseSignal{RequestedAt: t.now()}, signalTTL)
}

// PauseRequested reports whether a pause signal is pending for the feed.
func (t *Tracker) PauseRequested(ctx context.Context, feedID string) (bool, error) {
	var sig pauseSignal
	return t.store.Get(ctx, pauseKey(feedID), &sig)
}

// ClearPause removes a pending pause signal, typically on resume.
func (t *Tracker) ClearPause(ctx context.Context, feedID string) error {
	return t.store.Delete(ctx, pauseKey(feedID))
}

// RequestCancel asks the running consumption to stop at its next checkpoint.
func (t *Tracker) RequestCancel(ctx context.Context, feedID string, mode CancelMode) error {
	if mode != CancelStopNow && mode != CancelJob {
		mode = CancelStopNow
	}
	return t.store.Set(ctx, cancelKey(feedID), cancelSignal{Mode: mode, RequestedAt: t.now()}, signalTTL)
}

// CancelRequested reports a pending cancel signal and its mode.
func (t *Tracker) CancelRequested(ctx context.Context, feedID string) (CancelMode, bool, error) {
	var sig cancelSignal
	found, err := t.store.Get(ctx, cancelKey(feedID), &sig)
	if !found || err != nil {
		return "", found, err
	}
	return sig.Mode, true, nil
}

// Clear removes the snapshot and any pending signals for the feed. Called
// when a run reaches a terminal state.
func (t *Tracker) Clear(ctx context.Context, feedID string) error {
	var firstErr error
	for _, key := range []string{progressKey(feedID), pauseKey(feedID), cancelKey(feedID)} {
		if err := t.store.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
