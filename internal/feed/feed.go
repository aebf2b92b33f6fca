// Package feed runs threat-feed consumptions: it drives the feed state
// machine (idle, starting, running, paused), processes retrieved STIX objects
// one at a time with per-object fault isolation, and honors pause and cancel
// signals cooperatively at checkpoints.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crisp.org/internal/anonymize"
	"crisp.org/internal/ids"
	"crisp.org/internal/intel"
	"crisp.org/internal/obs"
	"crisp.org/internal/progress"
	"crisp.org/internal/stix"
	"crisp.org/internal/trust/eval"
)

// Source fetches raw STIX objects from an external feed. pageSize is a hint
// for sources that page their retrieval; 0 lets the source choose. A nil
// slice with a non-nil error signals a fetch failure; the orchestrator
// absorbs it into zero stats and the feed's last_error.
type Source interface {
	Objects(ctx context.Context, feed *intel.Feed, since *time.Time, pageSize int) ([]stix.Object, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, feed *intel.Feed, since *time.Time, pageSize int) ([]stix.Object, error)

func (f SourceFunc) Objects(ctx context.Context, feed *intel.Feed, since *time.Time, pageSize int) ([]stix.Object, error) {
	return f(ctx, feed, since, pageSize)
}

// Metrics receives per-object outcomes and run durations. Implemented by the
// obs package; nil disables instrumentation.
type Metrics interface {
	ObjectProcessed(feedID, outcome string)
	RunObserved(feedID string, d time.Duration)
}

// Options tunes a single consumption pass.
type Options struct {
	// Limit caps how many retrieved objects are processed; 0 means all.
	Limit int
	// ForceDays overrides incremental polling: fetch everything added in the
	// last N days instead of since last_sync.
	ForceDays int
	// BatchSize is passed to the source as its page size; 0 lets the source
	// decide.
	BatchSize int

	// Access is the evaluation-chain request template applied to every
	// object. Nil skips evaluation entirely (trusted internal runs).
	Access *eval.Request

	// IsResume restarts a paused run from the cursor persisted in the feed's
	// pause metadata.
	IsResume bool
}

// Stats summarizes one consumption pass. Callers inspect Errors and
// AccessDenied to detect degraded runs; a partial failure still yields stats.
type Stats struct {
	IndicatorsCreated int `json:"indicators_created"`
	IndicatorsUpdated int `json:"indicators_updated"`
	TTPCreated        int `json:"ttp_created"`
	TTPUpdated        int `json:"ttp_updated"`
	Errors            int `json:"errors"`
	AccessDenied      int `json:"access_denied"`
	ObjectsProcessed  int `json:"objects_processed"`
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Feeds      intel.FeedRepository
	Indicators intel.IndicatorRepository
	TTPs       intel.TTPRepository
	Source     Source
	Converter  *stix.Converter
	Chain      eval.Evaluator
	Tracker    *progress.Tracker
	Metrics    Metrics
}

// Orchestrator owns the consumption state machine. One orchestrator serves
// all feeds; the single-active-consumption invariant is enforced per feed by
// the repository's BeginConsumption check-and-set.
type Orchestrator struct {
	feeds      intel.FeedRepository
	indicators intel.IndicatorRepository
	ttps       intel.TTPRepository
	source     Source
	conv       *stix.Converter
	chain      eval.Evaluator
	tracker    *progress.Tracker
	metrics    Metrics
	now        func() time.Time
}

// NewOrchestrator wires an orchestrator. Feeds, Indicators, TTPs, Source and
// Converter are required; Chain, Tracker and Metrics may be nil.
func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		feeds:      d.Feeds,
		indicators: d.Indicators,
		ttps:       d.TTPs,
		source:     d.Source,
		conv:       d.Converter,
		chain:      d.Chain,
		tracker:    d.Tracker,
		metrics:    d.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Consume runs one consumption pass for the feed. It returns
// intel.ErrConsumptionActive when another run holds the feed, and absorbs
// source fetch failures into zero stats plus the feed's last_error. Per-object
// failures are counted, never propagated.
func (o *Orchestrator) Consume(ctx context.Context, feedID string, opts Options) (Stats, error) {
	var stats Stats
	runID := ids.NewRun()

	feed, err := o.feeds.BeginConsumption(ctx, feedID, runID)
	if err != nil {
		return stats, err
	}
	started := o.now()

	offset := 0
	if opts.IsResume {
		offset = resumeOffset(feed.PauseMetadata)
		if o.tracker != nil {
			if err := o.tracker.ClearPause(ctx, feedID); err != nil {
				obs.LogEvent("feed.pause_clear_failed", map[string]any{"feed_id": feedID, "error": err.Error()})
			}
		}
	}

	objects, err := o.source.Objects(ctx, feed, o.since(feed, opts), opts.BatchSize)
	if err != nil || objects == nil {
		msg := "source returned no data"
		if err != nil {
			msg = err.Error()
		}
		if markErr := o.feeds.MarkError(ctx, feedID, msg); markErr != nil {
			obs.LogEvent("feed.mark_error_failed", map[string]any{"feed_id": feedID, "error": markErr.Error()})
		}
		obs.LogEvent("feed.fetch_failed", map[string]any{"feed_id": feedID, "run_id": runID, "error": msg})
		return stats, nil
	}

	if err := o.feeds.MarkRunning(ctx, feedID); err != nil {
		return stats, fmt.Errorf("mark running: %w", err)
	}

	if opts.Limit > 0 && len(objects) > opts.Limit {
		objects = objects[:opts.Limit]
	}
	total := len(objects)

	for i := offset; i < total; i++ {
		if checkpointDue(i, total) {
			if done, err := o.checkSignals(ctx, feedID, runID, i, total, &stats); done || err != nil {
				return stats, err
			}
			o.publish(ctx, feedID, runID, "running", stats.ObjectsProcessed, total, "")
		}

		outcome := o.processObject(ctx, feed, runID, objects[i], opts.Access)
		switch outcome {
		case outcomeCreatedIndicator:
			stats.IndicatorsCreated++
			stats.ObjectsProcessed++
		case outcomeUpdatedIndicator:
			stats.IndicatorsUpdated++
			stats.ObjectsProcessed++
		case outcomeCreatedTTP:
			stats.TTPCreated++
			stats.ObjectsProcessed++
		case outcomeUpdatedTTP:
			stats.TTPUpdated++
			stats.ObjectsProcessed++
		case outcomeDenied:
			stats.AccessDenied++
			stats.ObjectsProcessed++
		case outcomeError:
			stats.Errors++
		case outcomeSkipped:
			// Unsupported STIX types pass through untouched.
		}
		if o.metrics != nil && outcome != outcomeSkipped {
			o.metrics.ObjectProcessed(feedID, string(outcome))
		}
	}

	if err := o.feeds.FinishConsumption(ctx, feedID, o.now()); err != nil {
		return stats, fmt.Errorf("finish consumption: %w", err)
	}
	o.clearSignals(ctx, feedID)
	o.publish(ctx, feedID, runID, "completed", stats.ObjectsProcessed, total, "")
	if o.metrics != nil {
		o.metrics.RunObserved(feedID, o.now().Sub(started))
	}
	obs.LogEvent("feed.consumption_finished", map[string]any{
		"feed_id": feedID, "run_id": runID,
		"processed": stats.ObjectsProcessed, "errors": stats.Errors, "denied": stats.AccessDenied,
	})
	return stats, nil
}

// Resume restarts a paused consumption from its persisted cursor.
func (o *Orchestrator) Resume(ctx context.Context, feedID string, opts Options) (Stats, error) {
	opts.IsResume = true
	return o.Consume(ctx, feedID, opts)
}

// ErrNotPaused is returned by Abandon for feeds without a paused run.
var ErrNotPaused = errors.New("feed: consumption is not paused")

// Abandon discards a paused run instead of resuming it: the feed returns to
// idle, the pause cursor is dropped and pending signals are cleared. With
// progress.CancelJob the records the paused run already wrote are rolled
// back. The sync watermark stays put, so the abandoned window is re-fetched
// on the next incremental poll.
func (o *Orchestrator) Abandon(ctx context.Context, feedID string, mode progress.CancelMode) error {
	feed, err := o.feeds.Find(ctx, feedID)
	if err != nil {
		return err
	}
	if feed.Status != intel.StatusPaused {
		return ErrNotPaused
	}

	runID := resumeRunID(feed.PauseMetadata)
	if mode == progress.CancelJob && runID != "" {
		if _, delErr := o.indicators.DeleteByRun(ctx, runID); delErr != nil {
			obs.LogEvent("feed.rollback_failed", map[string]any{"feed_id": feedID, "run_id": runID, "error": delErr.Error()})
		}
		if _, delErr := o.ttps.DeleteByRun(ctx, runID); delErr != nil {
			obs.LogEvent("feed.rollback_failed", map[string]any{"feed_id": feedID, "run_id": runID, "error": delErr.Error()})
		}
	}

	if err := o.feeds.AbandonConsumption(ctx, feedID); err != nil {
		return fmt.Errorf("abandon consumption: %w", err)
	}
	o.clearSignals(ctx, feedID)
	o.publish(ctx, feedID, runID, "cancelled", 0, 0, string(mode))
	obs.LogEvent("feed.consumption_abandoned", map[string]any{"feed_id": feedID, "run_id": runID, "mode": string(mode)})
	return nil
}

// checkSignals polls the tracker for cancel and pause requests. done=true
// means the run reached a terminal or parked state and the loop must exit;
// stats stay as counted.
func (o *Orchestrator) checkSignals(ctx context.Context, feedID, runID string, position, total int, stats *Stats) (done bool, err error) {
	if o.tracker == nil {
		return false, nil
	}

	mode, found, sigErr := o.tracker.CancelRequested(ctx, feedID)
	if sigErr != nil {
		obs.LogEvent("feed.signal_check_failed", map[string]any{"feed_id": feedID, "error": sigErr.Error()})
	} else if found {
		if mode == progress.CancelJob {
			if n, delErr := o.indicators.DeleteByRun(ctx, runID); delErr == nil {
				stats.IndicatorsCreated -= n
			}
			if n, delErr := o.ttps.DeleteByRun(ctx, runID); delErr == nil {
				stats.TTPCreated -= n
			}
		}
		// The run did not complete, so the sync watermark must not advance:
		// the next incremental poll re-fetches the cancelled window.
		if abErr := o.feeds.AbandonConsumption(ctx, feedID); abErr != nil {
			return true, fmt.Errorf("abandon after cancel: %w", abErr)
		}
		o.clearSignals(ctx, feedID)
		o.publish(ctx, feedID, runID, "cancelled", stats.ObjectsProcessed, total, string(mode))
		obs.LogEvent("feed.consumption_cancelled", map[string]any{"feed_id": feedID, "run_id": runID, "mode": string(mode)})
		return true, nil
	}

	paused, sigErr := o.tracker.PauseRequested(ctx, feedID)
	if sigErr != nil {
		obs.LogEvent("feed.signal_check_failed", map[string]any{"feed_id": feedID, "error": sigErr.Error()})
		return false, nil
	}
	if paused {
		meta := map[string]any{"offset": position, "run_id": runID, "total": total}
		if markErr := o.feeds.MarkPaused(ctx, feedID, o.now(), meta); markErr != nil {
			return true, fmt.Errorf("mark paused: %w", markErr)
		}
		o.publish(ctx, feedID, runID, "paused", stats.ObjectsProcessed, total, "")
		obs.LogEvent("feed.consumption_paused", map[string]any{"feed_id": feedID, "run_id": runID, "offset": position})
		return true, nil
	}
	return false, nil
}

type outcome string

const (
	outcomeCreatedIndicator outcome = "indicator_created"
	outcomeUpdatedIndicator outcome = "indicator_updated"
	outcomeCreatedTTP       outcome = "ttp_created"
	outcomeUpdatedTTP       outcome = "ttp_updated"
	outcomeDenied           outcome = "denied"
	outcomeError            outcome = "error"
	outcomeSkipped          outcome = "skipped"
)

// processObject handles one STIX object end to end. All failures collapse to
// outcomeError so a single bad object never aborts the batch.
func (o *Orchestrator) processObject(ctx context.Context, feed *intel.Feed, runID string, obj stix.Object, access *eval.Request) outcome {
	objType := obj.Type()
	if objType != "indicator" && objType != "attack-pattern" {
		return outcomeSkipped
	}

	level := o.evaluate(ctx, access)
	if level == nil {
		return outcomeDenied
	}

	switch objType {
	case "indicator":
		ind, err := o.conv.IndicatorFromStix(obj)
		if err != nil {
			o.logObjectError(feed.ID, runID, obj.ID(), err)
			return outcomeError
		}
		return o.upsertIndicator(ctx, feed, runID, ind, *level)
	default:
		ttp, err := o.conv.TTPFromStix(obj)
		if err != nil {
			o.logObjectError(feed.ID, runID, obj.ID(), err)
			return outcomeError
		}
		return o.upsertTTP(ctx, feed, runID, ttp, *level)
	}
}

// evaluate runs the chain for one object. nil means denied; with no chain or
// no template the run is trusted and stores raw values.
func (o *Orchestrator) evaluate(ctx context.Context, access *eval.Request) *anonymize.Level {
	none := anonymize.LevelNone
	if o.chain == nil || access == nil {
		return &none
	}
	req := *access
	req.RequestedAt = o.now()
	decision := o.chain.Evaluate(ctx, &req)
	if !decision.Allowed {
		return nil
	}
	return &decision.Anonymization
}

func (o *Orchestrator) upsertIndicator(ctx context.Context, feed *intel.Feed, runID string, ind *intel.Indicator, level anonymize.Level) outcome {
	if level != anonymize.LevelNone {
		raw := ind.Value
		ind.Value = anonymize.Anonymize(raw, anonymize.Detect(raw), level)
		ind.Description = anonymize.AnonymizeText(ind.Description, level)
		ind.IsAnonymized = true
		ind.OriginalData = raw
	}

	existing, err := o.indicators.GetByStixID(ctx, ind.StixID)
	switch {
	case err == nil:
		existing.Value = ind.Value
		existing.Type = ind.Type
		existing.Description = ind.Description
		existing.Confidence = ind.Confidence
		existing.LastSeen = ind.LastSeen
		existing.IsAnonymized = ind.IsAnonymized
		existing.OriginalData = ind.OriginalData
		if err := o.indicators.Update(ctx, existing); err != nil {
			o.logObjectError(feed.ID, runID, ind.StixID, err)
			return outcomeError
		}
		return outcomeUpdatedIndicator
	case errors.Is(err, intel.ErrNotFound):
		ind.FeedID = feed.ID
		ind.Organization = feed.Organization
		ind.RunID = runID
		if err := o.indicators.Create(ctx, ind); err != nil {
			o.logObjectError(feed.ID, runID, ind.StixID, err)
			return outcomeError
		}
		return outcomeCreatedIndicator
	default:
		o.logObjectError(feed.ID, runID, ind.StixID, err)
		return outcomeError
	}
}

func (o *Orchestrator) upsertTTP(ctx context.Context, feed *intel.Feed, runID string, ttp *intel.TTP, level anonymize.Level) outcome {
	if level != anonymize.LevelNone {
		ttp.Description = anonymize.AnonymizeText(ttp.Description, level)
		ttp.IsAnonymized = true
	}

	existing, err := o.ttps.GetByStixID(ctx, ttp.StixID)
	switch {
	case err == nil:
		existing.Name = ttp.Name
		existing.Description = ttp.Description
		existing.MitreTechnique = ttp.MitreTechnique
		existing.MitreTactic = ttp.MitreTactic
		existing.IsAnonymized = ttp.IsAnonymized
		if err := o.ttps.Update(ctx, existing); err != nil {
			o.logObjectError(feed.ID, runID, ttp.StixID, err)
			return outcomeError
		}
		return outcomeUpdatedTTP
	case errors.Is(err, intel.ErrNotFound):
		ttp.FeedID = feed.ID
		ttp.Organization = feed.Organization
		ttp.RunID = runID
		if err := o.ttps.Create(ctx, ttp); err != nil {
			o.logObjectError(feed.ID, runID, ttp.StixID, err)
			return outcomeError
		}
		return outcomeCreatedTTP
	default:
		o.logObjectError(feed.ID, runID, ttp.StixID, err)
		return outcomeError
	}
}

// since computes the added-after watermark for the source: ForceDays wins,
// otherwise last_sync, otherwise nil (full fetch).
func (o *Orchestrator) since(feed *intel.Feed, opts Options) *time.Time {
	if opts.ForceDays > 0 {
		t := o.now().AddDate(0, 0, -opts.ForceDays)
		return &t
	}
	return feed.LastSync
}

// checkpointDue implements the polling cadence: every object for small
// batches, every fifth object otherwise.
func checkpointDue(position, total int) bool {
	if total <= 20 {
		return true
	}
	return position%5 == 0
}

// resumeOffset reads the cursor out of persisted pause metadata. JSON
// round-trips turn ints into float64s.
func resumeOffset(meta map[string]any) int {
	switch v := meta["offset"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// resumeRunID reads the paused run's id out of persisted pause metadata.
func resumeRunID(meta map[string]any) string {
	s, _ := meta["run_id"].(string)
	return s
}

func (o *Orchestrator) publish(ctx context.Context, feedID, runID, status string, processed, total int, message string) {
	if o.tracker == nil {
		return
	}
	err := o.tracker.Update(ctx, progress.Snapshot{
		FeedID:    feedID,
		TaskID:    runID,
		RunID:     runID,
		Status:    status,
		Processed: processed,
		Total:     total,
		Message:   message,
	})
	if err != nil {
		obs.LogEvent("feed.progress_update_failed", map[string]any{"feed_id": feedID, "error": err.Error()})
	}
}

func (o *Orchestrator) clearSignals(ctx context.Context, feedID string) {
	if o.tracker == nil {
		return
	}
	if err := o.tracker.Clear(ctx, feedID); err != nil {
		obs.LogEvent("feed.signal_clear_failed", map[string]any{"feed_id": feedID, "error": err.Error()})
	}
}

func (o *Orchestrator) logObjectError(feedID, runID, objectID string, err error) {
	obs.LogEvent("feed.object_failed", map[string]any{
		"feed_id": feedID, "run_id": runID, "object_id": objectID, "error": err.Error(),
	})
}
