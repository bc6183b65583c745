package traj

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evalFixture struct {
	ae    *AutoEvaluator
	cfg   *Config
	state *StateTracker
	store *RunStore
	mock  *MockClient
	dir   string
}

// newEvalFixture configures stream "orb" against a TUM reference file and
// feeds it a moved, scaled copy of the reference as unstamped poses.
func newEvalFixture(t *testing.T, n int) *evalFixture {
	t.Helper()
	dir := t.TempDir()
	ref := helixTrajectory(n)
	refPath := filepath.Join(dir, "groundtruth.txt")
	require.NoError(t, ExportTrajectory(refPath, ref, LayoutTUM8))

	cfg := DefaultConfig()
	cfg.Evaluation.CorrectScale = true
	cfg.Evaluation.OutputDir = filepath.Join(dir, "output")
	cfg.Streams = []StreamConfig{{
		ID:              "orb",
		Topic:           "slam/orb/pose",
		Layout:          "quat7",
		Reference:       refPath,
		ReferenceLayout: "tum8",
	}}

	st := NewStateTracker()
	est := transformTrajectory(ref, RotationZ(1), 3, r3.Vector{X: 5})
	for _, tp := range est.Poses {
		require.NoError(t, st.AppendPose("orb", PoseMessage{Pose: tp.Pose}))
	}

	store, err := OpenRunStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mock := connectedMock()
	pub := NewPublisher(mock, "eval")
	ae := NewAutoEvaluator(cfg, nil, filepath.Join(dir, DefaultAlignmentCachePath), st, store, pub)
	return &evalFixture{ae: ae, cfg: cfg, state: st, store: store, mock: mock, dir: dir}
}

func TestAutoEvaluatorOnFinished(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	f := newEvalFixture(t, 30)

	report, err := f.ae.OnFinished(context.Background(), "orb")
	require.NoError(t, err)

	assert.Equal(t, "orb", report.StreamID)
	assert.Equal(t, 30, report.Pairs)
	assert.InDelta(t, 3, report.Scale, 1e-9)
	assert.InDelta(t, 0, report.Stats.RMSE, 1e-9)
	assert.Equal(t, filepath.Join(f.cfg.Evaluation.OutputDir, "orb", report.RunID), report.OutputDir)
	assert.FileExists(t, filepath.Join(report.OutputDir, ArtifactReport))

	stored, err := f.store.Get(report.RunID)
	require.NoError(t, err)
	assert.Equal(t, report.Pairs, stored.Pairs)

	latest, ok := f.state.Report("orb")
	require.True(t, ok)
	assert.Equal(t, report.RunID, latest.RunID)

	cached, err := LoadAlignmentCache(filepath.Join(f.dir, DefaultAlignmentCachePath))
	require.NoError(t, err)
	sa, ok := cached.Get("orb")
	require.True(t, ok)
	assert.Equal(t, 30, sa.Poses)
	assert.Equal(t, report.RunID, sa.RunID)

	assert.Len(t, f.mock.PublishedTo("eval/orb/ate"), 1)
}

func TestAutoEvaluatorDebounce(t *testing.T) {
	f := newEvalFixture(t, 20)

	_, err := f.ae.OnFinished(context.Background(), "orb")
	require.NoError(t, err)

	_, err = f.ae.OnFinished(context.Background(), "orb")
	assert.ErrorIs(t, err, ErrEvaluationSkipped)

	runs, err := f.store.List("orb", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestAutoEvaluatorSkipsUnchangedCachedStream(t *testing.T) {
	f := newEvalFixture(t, 20)
	f.ae.GetCache().Put("orb", "earlier", 20, sampleResult())

	_, err := f.ae.OnFinished(context.Background(), "orb")
	assert.ErrorIs(t, err, ErrEvaluationSkipped)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.state.AppendPose("orb", PoseMessage{Pose: poseAt(float64(i))}))
	}
	_, err = f.ae.OnFinished(context.Background(), "orb")
	assert.NoError(t, err, "stream grew by more than 10%")
}

func TestAutoEvaluatorErrors(t *testing.T) {
	f := newEvalFixture(t, 10)

	_, err := f.ae.OnFinished(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrInvalidInput)

	f.cfg.Streams = append(f.cfg.Streams, StreamConfig{ID: "empty", Layout: "quat7", Reference: "x"})
	_, err = f.ae.OnFinished(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrInvalidInput)

	f.cfg.Streams = append(f.cfg.Streams, StreamConfig{ID: "noref", Layout: "quat7"})
	require.NoError(t, f.state.AppendPose("noref", PoseMessage{Pose: poseAt(0)}))
	_, err = f.ae.OnFinished(context.Background(), "noref")
	assert.ErrorIs(t, err, ErrInvalidInput)

	f.cfg.Streams = append(f.cfg.Streams, StreamConfig{ID: "missing", Layout: "quat7", Reference: filepath.Join(f.dir, "nope.txt")})
	require.NoError(t, f.state.AppendPose("missing", PoseMessage{Pose: poseAt(0)}))
	_, err = f.ae.OnFinished(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrIOFailure)
}

func TestAutoEvaluatorFetchesReferenceOnce(t *testing.T) {
	f := newEvalFixture(t, 15)
	f.cfg.Streams[0].Reference = ""
	f.cfg.Streams[0].ReferenceURL = "http://ground-truth.local/orb.txt"

	calls := 0
	f.ae.SetFetcher(func(ctx context.Context, url string, layout Layout, conv Convention) (Trajectory, error) {
		calls++
		assert.Equal(t, "http://ground-truth.local/orb.txt", url)
		assert.Equal(t, LayoutTUM8, layout)
		return helixTrajectory(15), nil
	})

	_, err := f.ae.OnFinished(context.Background(), "orb")
	require.NoError(t, err)

	// forget the debounce and cache so the stream is evaluated again
	f.ae.lastEvaluated = make(map[string]time.Time)
	f.ae.cache.Streams = nil
	_, err = f.ae.OnFinished(context.Background(), "orb")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestAutoEvaluatorFetchFailure(t *testing.T) {
	f := newEvalFixture(t, 15)
	f.cfg.Streams[0].Reference = ""
	f.cfg.Streams[0].ReferenceURL = "http://ground-truth.local/orb.txt"
	f.ae.SetFetcher(func(context.Context, string, Layout, Convention) (Trajectory, error) {
		return Trajectory{}, errors.Join(ErrIOFailure, errors.New("connection refused"))
	})

	_, err := f.ae.OnFinished(context.Background(), "orb")
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.Contains(t, err.Error(), "reference for orb")
}

func TestAutoEvaluatorColmapReference(t *testing.T) {
	f := newEvalFixture(t, 12)
	colmapDir := filepath.Join(f.dir, "gt")
	require.NoError(t, ExportColmap(colmapDir, helixTrajectory(12), ColmapExportOptions{
		TranslationScale: 10,
		CameraID:         1,
		NamePattern:      "gt_%d.png",
		Cameras:          []ColmapCamera{pinhole()},
	}))
	f.cfg.Colmap.TranslationScale = 10
	f.cfg.Streams[0].Reference = colmapDir

	report, err := f.ae.OnFinished(context.Background(), "orb")
	require.NoError(t, err)
	assert.InDelta(t, 0, report.Stats.RMSE, 1e-6)
}

func TestAutoEvaluatorOnStatus(t *testing.T) {
	f := newEvalFixture(t, 10)

	f.ae.OnStatus("orb", "paused")
	_, ok := f.state.Report("orb")
	assert.False(t, ok)

	f.ae.OnStatus("orb", StatusFinished)
	_, ok = f.state.Report("orb")
	assert.True(t, ok)

	// debounced: logged, not fatal
	f.ae.OnStatus("orb", StatusFinished)

	f.ae.OnStatus("orb", StatusReset)
	assert.Equal(t, 0, f.state.PoseCount("orb"))

	entries, err := os.ReadDir(filepath.Join(f.cfg.Evaluation.OutputDir, "orb"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Contains(t, f.ae.String(), "streams=1")
}
