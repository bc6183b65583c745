package traj

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrustumMesh(t *testing.T) {
	poses := make([]Pose, 41)
	for i := range poses {
		poses[i] = Pose{Rotation: IdentityRotation(), Translation: r3.Vector{X: float64(i)}, Convention: CameraToWorld}
	}
	tr := NewIndexedTrajectory(poses)

	d, err := FrustumMesh(tr, DefaultFrustumOptions())
	require.NoError(t, err)

	// poses 0, 20 and 40
	assert.Len(t, d.Vertices, 15)
	assert.Len(t, d.Edges, 24)
	assert.Equal(t, r3.Vector{X: 20}, d.Vertices[5], "apex at the camera centre")
	if !vectorsEqual(d.Vertices[6], r3.Vector{X: 20.02, Y: 0.02, Z: 0.06}) {
		t.Errorf("first base corner = %v", d.Vertices[6])
	}
	assert.Equal(t, [2]int{5, 6}, d.Edges[8])
	assert.NoError(t, d.Validate())
}

func TestFrustumMeshUsesCameraOrientation(t *testing.T) {
	// camera looking along world +X: camera +Z maps to world +X
	look := Rotation{0, 0, 1, 0, 1, 0, -1, 0, 0}
	w2c := Pose{Rotation: look, Translation: r3.Vector{X: 1}, Convention: CameraToWorld}.Inverse()
	tr := NewIndexedTrajectory([]Pose{w2c})

	d, err := FrustumMesh(tr, FrustumOptions{Size: 0.1, Height: 1, Stride: 1})
	require.NoError(t, err)
	if !vectorsEqual(d.Vertices[0], r3.Vector{X: 1}) {
		t.Errorf("apex = %v, want camera centre", d.Vertices[0])
	}
	for i := 1; i < 5; i++ {
		assert.InDelta(t, 2, d.Vertices[i].X, 1e-9, "base corner %d lies one unit ahead", i)
	}
}

func TestFrustumMeshOptionErrors(t *testing.T) {
	tr := NewIndexedTrajectory([]Pose{IdentityPose(CameraToWorld)})
	for _, opts := range []FrustumOptions{
		{Size: 0.02, Height: 0.06, Stride: 0},
		{Size: 0, Height: 0.06, Stride: 1},
		{Size: 0.02, Height: -1, Stride: 1},
	} {
		_, err := FrustumMesh(tr, opts)
		assert.ErrorIs(t, err, ErrInvalidInput, "%+v", opts)
	}
}

func TestTrajectoryPLY(t *testing.T) {
	c2w := Pose{Rotation: RotationZ(math.Pi / 2), Translation: r3.Vector{X: 1, Y: 2, Z: 3}, Convention: CameraToWorld}
	tr := NewIndexedTrajectory([]Pose{c2w.Inverse()})

	d, err := TrajectoryPLY(tr)
	require.NoError(t, err)
	require.Len(t, d.Vertices, 1)
	if !vectorsEqual(d.Vertices[0], c2w.Translation) {
		t.Errorf("vertex = %v, want %v", d.Vertices[0], c2w.Translation)
	}
	h := math.Sqrt2 / 2
	assert.InDelta(t, h, d.VertexValues[0][0], 1e-9)
	assert.InDelta(t, h, d.VertexValues[0][3], 1e-9)
}

func TestExportAndLoadFiles(t *testing.T) {
	dir := t.TempDir()
	tr := helixTrajectory(10)

	path := filepath.Join(dir, "nested", "est.txt")
	require.NoError(t, ExportTrajectory(path, tr, LayoutTUM8))
	got, err := LoadTrajectoryFile(path, LayoutTUM8, CameraToWorld)
	require.NoError(t, err)
	assert.Equal(t, tr.Len(), got.Len())

	plyPath := filepath.Join(dir, "traj.ply")
	require.NoError(t, ExportTrajectoryPLY(plyPath, tr, PLYBinaryLittleEndian))
	d, err := LoadPLYFile(plyPath)
	require.NoError(t, err)
	assert.Len(t, d.Vertices, 10)

	colmapDir := filepath.Join(dir, "sparse")
	opts := ColmapExportOptions{TranslationScale: 2, CameraID: 1, NamePattern: "gt_%d.png", Cameras: []ColmapCamera{pinhole()}}
	require.NoError(t, ExportColmap(colmapDir, tr, opts))
	assert.FileExists(t, filepath.Join(colmapDir, ColmapCamerasFile))

	fromDir, err := LoadColmapTrajectory(colmapDir, 2)
	require.NoError(t, err)
	fromFile, err := LoadColmapTrajectory(filepath.Join(colmapDir, ColmapImagesFile), 2)
	require.NoError(t, err)
	assert.Equal(t, fromDir, fromFile)
	if !vectorsEqual(fromDir.Poses[3].Pose.Position(), tr.Poses[3].Pose.Position()) {
		t.Errorf("colmap position = %v, want %v", fromDir.Poses[3].Pose.Position(), tr.Poses[3].Pose.Position())
	}
}

func TestExportColmapWritesNothingOnFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sparse")
	tr := helixTrajectory(5)
	badCamera := ColmapCamera{ID: 1, Model: "PINHOLE", Width: 10, Height: 10, Params: []float64{1, 2}}
	opts := ColmapExportOptions{TranslationScale: 1, CameraID: 1, NamePattern: "gt_%d.png", Cameras: []ColmapCamera{badCamera}}

	err := ExportColmap(dir, tr, opts)
	require.ErrorIs(t, err, ErrInvalidInput)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no images.txt and no temp files")

	opts.Cameras = []ColmapCamera{pinhole()}
	require.NoError(t, ExportColmap(dir, tr, opts))
	before, err := os.ReadFile(filepath.Join(dir, ColmapImagesFile))
	require.NoError(t, err)

	opts.Cameras = []ColmapCamera{badCamera}
	opts.TranslationScale = 3
	require.ErrorIs(t, ExportColmap(dir, tr, opts), ErrInvalidInput)
	after, err := os.ReadFile(filepath.Join(dir, ColmapImagesFile))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "a failed export keeps the previous model")
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadTrajectoryFile(filepath.Join(t.TempDir(), "missing.txt"), LayoutQuat7, CameraToWorld)
	assert.ErrorIs(t, err, ErrIOFailure)

	_, err = LoadPLYFile(filepath.Join(t.TempDir(), "missing.ply"))
	assert.ErrorIs(t, err, ErrIOFailure)
}

func TestLoadTrajectoryFileReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("1 2 3\n"), 0644))
	_, err := LoadTrajectoryFile(path, LayoutQuat7, CameraToWorld)
	require.ErrorIs(t, err, ErrMalformedFormat)
	assert.Contains(t, err.Error(), path)
}

func TestWriteFileAtomicKeepsOldContentOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	boom := errors.New("boom")
	err := writeFileAtomic(path, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIOFailure)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "old", string(data))

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Len(t, entries, 1, "temporary file must be removed")
}

func TestWriteFileAtomicKeepsErrorKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ply")
	err := ExportPLY(path, &PLYData{Vertices: []r3.Vector{{}}, Faces: [][]int{{0}}}, PLYBinaryLittleEndian)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.NotErrorIs(t, err, ErrIOFailure)
	assert.NoFileExists(t, path)
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	for _, content := range []string{"first", "second"} {
		content := content
		require.NoError(t, writeFileAtomic(path, func(w io.Writer) error {
			_, err := io.WriteString(w, content)
			return err
		}))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	}
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}
