package traj

import (
	"encoding/json"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportTestRun(t *testing.T, cfg *Config) (string, *EvaluationReport) {
	t.Helper()
	cfg.Evaluation.CorrectScale = true
	ref := helixTrajectory(41)
	est := transformTrajectory(ref, RotationZ(-0.3), 0.5, ref.Poses[0].Pose.Translation)
	res, pairs, err := Evaluate(ref, est, cfg.EvalOptions())
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "orb", "run-1")
	report := NewEvaluationReport("run-1", "orb", ref, est, res, true)
	require.NoError(t, ExportRun(dir, cfg, RunInput{
		Report:   report,
		Estimate: est,
		Pairs:    pairs,
		Result:   res,
		Layout:   LayoutTUM8,
		Color:    color.RGBA{R: 255, A: 255},
	}))
	return dir, report
}

func TestExportRunArtifacts(t *testing.T) {
	dir, report := exportTestRun(t, DefaultConfig())

	assert.Equal(t, dir, report.OutputDir)
	assert.Equal(t, []string{
		ArtifactEstimate, ArtifactAligned, ArtifactFrustums, ArtifactTrajectory,
		ArtifactResiduals, ArtifactSVG, ArtifactGeoJSON, ArtifactReport,
	}, report.Artifacts)
	for _, name := range report.Artifacts {
		fi, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Positive(t, fi.Size(), name)
	}
	assert.NoDirExists(t, filepath.Join(dir, ArtifactColmapDir))

	data, err := os.ReadFile(filepath.Join(dir, ArtifactReport))
	require.NoError(t, err)
	var saved EvaluationReport
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, "run-1", saved.RunID)
	assert.Equal(t, report.Artifacts, saved.Artifacts)
	assert.InDelta(t, 0.5, saved.Scale, 1e-9)
}

func TestExportRunAlignedMatchesReference(t *testing.T) {
	dir, _ := exportTestRun(t, DefaultConfig())

	aligned, err := LoadTrajectoryFile(filepath.Join(dir, ArtifactAligned), LayoutTUM8, CameraToWorld)
	require.NoError(t, err)
	ref := helixTrajectory(41)
	require.Equal(t, ref.Len(), aligned.Len())
	for i := range ref.Poses {
		assert.InDelta(t, 0, aligned.Poses[i].Pose.Position().Sub(ref.Poses[i].Pose.Position()).Norm(), 1e-6)
	}
}

func TestExportRunWithCameras(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Colmap.TranslationScale = 10
	cfg.Colmap.Cameras = []ColmapCamera{pinhole()}

	dir, report := exportTestRun(t, cfg)

	assert.Contains(t, report.Artifacts, ArtifactColmapDir)
	assert.FileExists(t, filepath.Join(dir, ArtifactColmapDir, ColmapImagesFile))
	assert.FileExists(t, filepath.Join(dir, ArtifactColmapDir, ColmapCamerasFile))

	tr, err := LoadColmapTrajectory(filepath.Join(dir, ArtifactColmapDir), 10)
	require.NoError(t, err)
	assert.Equal(t, 41, tr.Len())
}

func TestExportRunBadPlane(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Render.Plane = "diagonal"

	ref := helixTrajectory(5)
	res, pairs, err := Evaluate(ref, ref, cfg.EvalOptions())
	require.NoError(t, err)
	err = ExportRun(t.TempDir(), cfg, RunInput{
		Report:   NewEvaluationReport("r", "s", ref, ref, res, true),
		Estimate: ref,
		Pairs:    pairs,
		Result:   res,
		Layout:   LayoutTUM8,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
