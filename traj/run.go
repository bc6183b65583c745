package traj

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"path/filepath"
)

// Artifact file names inside a run directory.
const (
	ArtifactEstimate   = "estimate.txt"
	ArtifactAligned    = "aligned.txt"
	ArtifactColmapDir  = "colmap"
	ArtifactFrustums   = "frustums.ply"
	ArtifactTrajectory = "trajectory.ply"
	ArtifactResiduals  = "residuals.png"
	ArtifactSVG        = "trajectory.svg"
	ArtifactGeoJSON    = "trajectory.geojson"
	ArtifactReport     = "report.json"
)

// RunInput is everything ExportRun writes for one evaluation.
type RunInput struct {
	Report   *EvaluationReport
	Estimate Trajectory
	Pairs    []PosePair
	Result   ATEResult
	Layout   Layout
	Color    color.RGBA
}

// ExportRun writes the artifacts of an evaluation into dir and records
// their names in in.Report. The estimate is written as flat text in its own
// layout and, aligned into the reference frame, as TUM text; COLMAP output
// is written only when cameras are configured.
func ExportRun(dir string, cfg *Config, in RunInput) error {
	rep := in.Report
	rep.OutputDir = dir
	rep.Artifacts = nil
	add := func(name string) { rep.Artifacts = append(rep.Artifacts, name) }

	if err := ExportTrajectory(filepath.Join(dir, ArtifactEstimate), in.Estimate, in.Layout); err != nil {
		return err
	}
	add(ArtifactEstimate)

	aligned := in.Result.Alignment.Inverse().ApplyTrajectory(in.Estimate)
	if err := ExportTrajectory(filepath.Join(dir, ArtifactAligned), aligned, LayoutTUM8); err != nil {
		return err
	}
	add(ArtifactAligned)

	if len(cfg.Colmap.Cameras) > 0 {
		if err := ExportColmap(filepath.Join(dir, ArtifactColmapDir), in.Estimate, cfg.ColmapOptions()); err != nil {
			return err
		}
		add(ArtifactColmapDir)
	}

	if err := ExportFrustumPLY(filepath.Join(dir, ArtifactFrustums), in.Estimate, cfg.Frustum); err != nil {
		return err
	}
	add(ArtifactFrustums)

	if err := ExportTrajectoryPLY(filepath.Join(dir, ArtifactTrajectory), in.Estimate, PLYASCII); err != nil {
		return err
	}
	add(ArtifactTrajectory)

	title := fmt.Sprintf("%s ATE (rmse %.4g)", rep.StreamID, in.Result.Stats.RMSE)
	if err := SaveResidualPlot(filepath.Join(dir, ArtifactResiduals), title, in.Pairs, in.Result); err != nil {
		return err
	}
	add(ArtifactResiduals)

	plane, err := ParsePlane(cfg.Render.Plane)
	if err != nil {
		return err
	}
	layers, segments := EvaluationLayers(in.Pairs, in.Result, in.Color)

	vr := NewVectorRenderer(layers, plane)
	vr.Segments = segments
	vr.GridSpacing = cfg.Render.GridSpacing
	if err := vr.SaveSVG(filepath.Join(dir, ArtifactSVG)); err != nil {
		return err
	}
	add(ArtifactSVG)

	if err := SaveTrajectoryGeoJSON(filepath.Join(dir, ArtifactGeoJSON), layers, plane, 0); err != nil {
		return err
	}
	add(ArtifactGeoJSON)

	add(ArtifactReport)
	return SaveReport(filepath.Join(dir, ArtifactReport), rep)
}

// SaveReport writes a report as indented JSON.
func SaveReport(path string, r *EvaluationReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := io.Copy(w, bytes.NewReader(data))
		return err
	})
}
