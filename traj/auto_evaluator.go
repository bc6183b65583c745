package traj

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMinEvalInterval is the minimum time between automatic evaluations
// of the same stream.
const DefaultMinEvalInterval = 30 * time.Second

// ErrEvaluationSkipped is returned when a finished event arrives too soon
// after the previous evaluation of the stream.
var ErrEvaluationSkipped = errors.New("evaluation skipped")

// ReferenceFetcher downloads a reference trajectory.
type ReferenceFetcher func(ctx context.Context, url string, layout Layout, conv Convention) (Trajectory, error)

// AutoEvaluator scores a live stream against its reference whenever the
// stream reports it has finished: it debounces repeated events, resolves
// the reference, runs the evaluation, writes the run artifacts, and then
// stores, caches and publishes the report.
type AutoEvaluator struct {
	config    *Config
	cache     *AlignmentCache
	cachePath string
	state     *StateTracker
	store     *RunStore
	publisher *Publisher
	fetch     ReferenceFetcher

	mu            sync.Mutex
	lastEvaluated map[string]time.Time
	references    map[string]Trajectory
}

// NewAutoEvaluator creates an evaluator. store and publisher may be nil.
func NewAutoEvaluator(config *Config, cache *AlignmentCache, cachePath string, st *StateTracker, store *RunStore, pub *Publisher) *AutoEvaluator {
	if cache == nil {
		cache = &AlignmentCache{Streams: make(map[string]StreamAlignment)}
	}
	return &AutoEvaluator{
		config:    config,
		cache:     cache,
		cachePath: cachePath,
		state:     st,
		store:     store,
		publisher: pub,
		fetch: func(ctx context.Context, url string, layout Layout, conv Convention) (Trajectory, error) {
			return FetchTrajectory(ctx, url, layout, conv)
		},
		lastEvaluated: make(map[string]time.Time),
		references:    make(map[string]Trajectory),
	}
}

// SetFetcher replaces the reference downloader.
func (ae *AutoEvaluator) SetFetcher(f ReferenceFetcher) {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	ae.fetch = f
}

// OnStatus is the StatusHandler registered with the MQTT client.
func (ae *AutoEvaluator) OnStatus(streamID, status string) {
	switch status {
	case StatusFinished:
		if _, err := ae.OnFinished(context.Background(), streamID); err != nil {
			if errors.Is(err, ErrEvaluationSkipped) {
				Logger().Infow("evaluation skipped", "stream", streamID, "reason", err)
				return
			}
			Logger().Errorw("evaluation failed", "stream", streamID, "error", err)
		}
	case StatusReset:
		ae.state.Reset(streamID)
		Logger().Infow("stream reset", "stream", streamID)
	default:
		Logger().Debugw("ignoring stream status", "stream", streamID, "status", status)
	}
}

func (ae *AutoEvaluator) minInterval() time.Duration {
	if d := ae.config.Evaluation.MinInterval.Std(); d > 0 {
		return d
	}
	return DefaultMinEvalInterval
}

// OnFinished evaluates the stream's live trajectory. It is safe to call
// from any goroutine; evaluations are serialised.
func (ae *AutoEvaluator) OnFinished(ctx context.Context, streamID string) (*EvaluationReport, error) {
	ae.mu.Lock()
	defer ae.mu.Unlock()

	log := Logger().With("stream", streamID)
	poses := ae.state.PoseCount(streamID)
	minInterval := ae.minInterval()

	if last, ok := ae.lastEvaluated[streamID]; ok && time.Since(last) < minInterval {
		return nil, fmt.Errorf("%w: last evaluated %s ago (min interval %s)",
			ErrEvaluationSkipped, time.Since(last).Round(time.Second), minInterval)
	}
	if !ae.cache.ShouldReevaluate(streamID, poses, minInterval) {
		return nil, fmt.Errorf("%w: cached alignment is recent and the stream has not grown", ErrEvaluationSkipped)
	}

	sc := ae.config.GetStreamByID(streamID)
	if sc == nil {
		return nil, fmt.Errorf("%w: stream %q is not configured", ErrInvalidInput, streamID)
	}
	est, ok := ae.state.Trajectory(streamID)
	if !ok || est.Len() == 0 {
		return nil, fmt.Errorf("%w: stream %s has no poses", ErrInvalidInput, streamID)
	}
	layout, _, err := sc.PoseFormat()
	if err != nil {
		return nil, err
	}

	ref, err := ae.reference(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("reference for %s: %w", streamID, err)
	}
	log.Infow("evaluating", "poses", est.Len(), "referencePoses", ref.Len())

	opts := ae.config.EvalOptions()
	res, pairs, err := Evaluate(ref, est, opts)
	if err != nil {
		return nil, err
	}

	runID := NewRunID()
	report := NewEvaluationReport(runID, streamID, ref, est, res, opts.CorrectScale)
	dir := filepath.Join(ae.config.Evaluation.OutputDir, streamID, runID)
	if err := ExportRun(dir, ae.config, RunInput{
		Report:   report,
		Estimate: est,
		Pairs:    pairs,
		Result:   res,
		Layout:   layout,
		Color:    parseHexColor(ae.state.Color(streamID)),
	}); err != nil {
		return nil, fmt.Errorf("exporting run %s: %w", runID, err)
	}

	if err := ae.store.Insert(report); err != nil {
		log.Errorw("storing run failed", "run", runID, "error", err)
	}
	ae.state.SetReport(report)

	ae.cache.Put(streamID, runID, est.Len(), res)
	if ae.cachePath != "" {
		if err := SaveAlignmentCache(ae.cachePath, ae.cache); err != nil {
			log.Errorw("saving alignment cache failed", "path", ae.cachePath, "error", err)
		}
	}

	if ae.publisher != nil {
		if err := ae.publisher.PublishReport(report); err != nil {
			log.Warnw("publishing report failed", "error", err)
		}
	}

	ae.lastEvaluated[streamID] = time.Now()
	log.Infow("evaluation complete", "run", runID, "pairs", res.Pairs, "rmse", res.Stats.RMSE, "dir", dir)
	return report, nil
}

// reference loads the stream's reference trajectory once and keeps it.
// Local paths win over URLs; a directory or images.txt is read as COLMAP.
func (ae *AutoEvaluator) reference(ctx context.Context, sc *StreamConfig) (Trajectory, error) {
	if ref, ok := ae.references[sc.ID]; ok {
		return ref, nil
	}
	layout, conv, err := sc.ReferenceFormat()
	if err != nil {
		return Trajectory{}, err
	}

	var ref Trajectory
	switch {
	case sc.Reference != "" && (isDir(sc.Reference) || strings.HasSuffix(sc.Reference, ColmapImagesFile)):
		ref, err = LoadColmapTrajectory(sc.Reference, ae.config.Colmap.TranslationScale)
	case sc.Reference != "":
		ref, err = LoadTrajectoryFile(sc.Reference, layout, conv)
	case sc.ReferenceURL != "":
		ref, err = ae.fetch(ctx, sc.ReferenceURL, layout, conv)
	default:
		return Trajectory{}, fmt.Errorf("%w: stream %s has no reference or referenceUrl", ErrInvalidInput, sc.ID)
	}
	if err != nil {
		return Trajectory{}, err
	}
	ae.references[sc.ID] = ref
	return ref, nil
}

// GetCache returns the alignment cache.
func (ae *AutoEvaluator) GetCache() *AlignmentCache {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return ae.cache
}

func (ae *AutoEvaluator) String() string {
	ae.mu.Lock()
	defer ae.mu.Unlock()
	return fmt.Sprintf("AutoEvaluator{cachePath=%s, streams=%d, lastEvaluated=%d}",
		ae.cachePath, len(ae.cache.Streams), len(ae.lastEvaluated))
}
