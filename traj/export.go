package traj

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
)

// Default file names inside a COLMAP sparse model directory.
const (
	ColmapImagesFile  = "images.txt"
	ColmapCamerasFile = "cameras.txt"
)

// ColmapExportOptions controls how a trajectory becomes images.txt/cameras.txt.
type ColmapExportOptions struct {
	// TranslationScale multiplies every world-to-camera translation. The SLAM
	// driver exports with 10; 1 keeps the trajectory's own units.
	TranslationScale float64
	// FirstImageID is the IMAGE_ID of the first pose.
	FirstImageID int
	// CameraID is written on every image line.
	CameraID int
	// NamePattern is a fmt pattern receiving the image id, e.g. "gt_%d.png".
	NamePattern string
	// Cameras are written to cameras.txt. At least one is required.
	Cameras []ColmapCamera
}

func (o ColmapExportOptions) validate() error {
	if !(o.TranslationScale > 0) {
		return fmt.Errorf("%w: colmap translation scale must be positive, got %v", ErrInvalidInput, o.TranslationScale)
	}
	if len(o.Cameras) == 0 {
		return fmt.Errorf("%w: colmap export needs at least one camera", ErrInvalidInput)
	}
	if !strings.Contains(o.NamePattern, "%") {
		return fmt.Errorf("%w: image name pattern %q has no verb for the image id", ErrInvalidInput, o.NamePattern)
	}
	return nil
}

// ColmapImages converts a trajectory into COLMAP image entries: every pose is
// turned world-to-camera, its translation multiplied by TranslationScale, and
// its rotation encoded as a (w, x, y, z) quaternion.
func ColmapImages(t Trajectory, opts ColmapExportOptions) ([]ColmapImage, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	out := make([]ColmapImage, len(t.Poses))
	for i, tp := range t.Poses {
		w2c := tp.Pose.In(WorldToCamera)
		q, err := RotationToQuaternion(w2c.Rotation)
		if err != nil {
			return nil, fmt.Errorf("pose %d: %w", i, err)
		}
		id := opts.FirstImageID + i
		out[i] = ColmapImage{
			ID:          id,
			Rotation:    q,
			Translation: w2c.Translation.Mul(opts.TranslationScale),
			CameraID:    opts.CameraID,
			Name:        fmt.Sprintf(opts.NamePattern, id),
		}
	}
	return out, nil
}

// TrajectoryFromColmap rebuilds a world-to-camera trajectory from image
// entries, dividing translations by translationScale. Entries keep file
// order and are stamped by index.
func TrajectoryFromColmap(images []ColmapImage, translationScale float64) (Trajectory, error) {
	if !(translationScale > 0) {
		return Trajectory{}, fmt.Errorf("%w: colmap translation scale must be positive, got %v", ErrInvalidInput, translationScale)
	}
	poses := make([]Pose, len(images))
	for i, im := range images {
		p, err := im.Pose()
		if err != nil {
			return Trajectory{}, fmt.Errorf("image %d: %w", im.ID, err)
		}
		p.Translation = p.Translation.Mul(1 / translationScale)
		poses[i] = p
	}
	return NewIndexedTrajectory(poses), nil
}

// ExportColmap writes images.txt and cameras.txt into dir.
func ExportColmap(dir string, t Trajectory, opts ColmapExportOptions) error {
	images, err := ColmapImages(t, opts)
	if err != nil {
		return err
	}
	imagesPath := filepath.Join(dir, ColmapImagesFile)
	imagesTmp, err := stageFile(imagesPath, func(w io.Writer) error {
		return WriteImages(w, images)
	})
	if err != nil {
		return err
	}
	camerasPath := filepath.Join(dir, ColmapCamerasFile)
	camerasTmp, err := stageFile(camerasPath, func(w io.Writer) error {
		return WriteCameras(w, opts.Cameras)
	})
	if err != nil {
		return multierr.Append(err, discardStaged(imagesTmp))
	}
	return commitFiles(map[string]string{imagesPath: imagesTmp, camerasPath: camerasTmp})
}

// FrustumOptions shapes the camera pyramids of a frustum PLY.
type FrustumOptions struct {
	Size   float64 `yaml:"size" json:"size"`
	Height float64 `yaml:"height" json:"height"`
	Stride int     `yaml:"stride" json:"stride"`
}

// DefaultFrustumOptions returns small pyramids on every 20th pose.
func DefaultFrustumOptions() FrustumOptions {
	return FrustumOptions{Size: 0.02, Height: 0.06, Stride: 20}
}

var frustumEdges = [][2]int{
	{0, 1}, {0, 2}, {0, 3}, {0, 4},
	{1, 2}, {2, 3}, {3, 4}, {4, 1},
}

// FrustumMesh builds one pyramid per Stride-th pose: the apex at the camera
// centre and a square base Height ahead along the camera's +Z axis.
func FrustumMesh(t Trajectory, opts FrustumOptions) (*PLYData, error) {
	if opts.Stride <= 0 {
		return nil, fmt.Errorf("%w: frustum stride must be positive, got %d", ErrInvalidInput, opts.Stride)
	}
	if !(opts.Size > 0) || !(opts.Height > 0) {
		return nil, fmt.Errorf("%w: frustum size and height must be positive", ErrInvalidInput)
	}
	s, h := opts.Size, opts.Height
	pyramid := []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: s, Y: s, Z: h},
		{X: -s, Y: s, Z: h},
		{X: -s, Y: -s, Z: h},
		{X: s, Y: -s, Z: h},
	}

	d := &PLYData{}
	for i := 0; i < len(t.Poses); i += opts.Stride {
		c2w := t.Poses[i].Pose.In(CameraToWorld)
		offset := len(d.Vertices)
		for _, v := range pyramid {
			d.Vertices = append(d.Vertices, c2w.Rotation.Apply(v).Add(c2w.Translation))
		}
		for _, e := range frustumEdges {
			d.Edges = append(d.Edges, [2]int{e[0] + offset, e[1] + offset})
		}
	}
	return d, nil
}

// ExportFrustumPLY writes the frustum mesh of t as an ASCII PLY with edges.
func ExportFrustumPLY(path string, t Trajectory, opts FrustumOptions) error {
	d, err := FrustumMesh(t, opts)
	if err != nil {
		return err
	}
	return ExportPLY(path, d, PLYASCII)
}

// TrajectoryPLY returns one vertex per pose at its camera centre, carrying
// the camera-to-world orientation as qw, qx, qy, qz properties.
func TrajectoryPLY(t Trajectory) (*PLYData, error) {
	d := &PLYData{
		VertexProps:  []string{"qw", "qx", "qy", "qz"},
		Vertices:     make([]r3.Vector, len(t.Poses)),
		VertexValues: make([][]float64, len(t.Poses)),
	}
	for i, tp := range t.Poses {
		c2w := tp.Pose.In(CameraToWorld)
		q, err := RotationToQuaternion(c2w.Rotation)
		if err != nil {
			return nil, fmt.Errorf("pose %d: %w", i, err)
		}
		d.Vertices[i] = c2w.Translation
		d.VertexValues[i] = []float64{q.W, q.X, q.Y, q.Z}
	}
	return d, nil
}

// ExportTrajectoryPLY writes TrajectoryPLY(t) in the given format.
func ExportTrajectoryPLY(path string, t Trajectory, format PLYFormat) error {
	d, err := TrajectoryPLY(t)
	if err != nil {
		return err
	}
	return ExportPLY(path, d, format)
}

// ExportPointCloudPLY writes bare points.
func ExportPointCloudPLY(path string, points []r3.Vector, format PLYFormat) error {
	return ExportPLY(path, &PLYData{Vertices: points}, format)
}

// ExportPLY writes d to path.
func ExportPLY(path string, d *PLYData, format PLYFormat) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		return WritePLY(w, d, format)
	})
}

// ExportTrajectory writes t to path as flat text in the given layout.
func ExportTrajectory(path string, t Trajectory, layout Layout) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		return WriteTrajectory(w, t, layout)
	})
}

// LoadTrajectoryFile reads a flat trajectory file.
func LoadTrajectoryFile(path string, layout Layout, conv Convention) (t Trajectory, err error) {
	f, err := os.Open(path)
	if err != nil {
		return Trajectory{}, ioFailure("open", path, err)
	}
	defer func() { _ = f.Close() }()
	t, err = ParseTrajectory(f, layout, conv)
	if err != nil {
		return Trajectory{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// LoadColmapTrajectory reads images.txt (or a directory containing it) and
// returns its poses as a world-to-camera trajectory.
func LoadColmapTrajectory(path string, translationScale float64) (Trajectory, error) {
	if isDir(path) {
		path = filepath.Join(path, ColmapImagesFile)
	}
	f, err := os.Open(path)
	if err != nil {
		return Trajectory{}, ioFailure("open", path, err)
	}
	defer func() { _ = f.Close() }()
	images, err := ParseImages(f)
	if err != nil {
		return Trajectory{}, fmt.Errorf("%s: %w", path, err)
	}
	return TrajectoryFromColmap(images, translationScale)
}

// LoadPLYFile reads a PLY file.
func LoadPLYFile(path string) (*PLYData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ioFailure("open", path, err)
	}
	defer func() { _ = f.Close() }()
	d, err := ParsePLY(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// writeFileAtomic streams write into a temporary file next to path and
// renames it into place only when everything, including Close, succeeded.
// On failure the temporary file is removed and path is left untouched.
func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := stageFile(path, write)
	if err != nil {
		return err
	}
	return commitFiles(map[string]string{path: tmp})
}

// stageFile writes path's content to a temp file next to it and returns the
// temp name. The temp file is removed on failure.
func stageFile(path string, write func(io.Writer) error) (tmp string, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", ioFailure("mkdir", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", ioFailure("create", path, err)
	}
	tmp = f.Name()
	defer func() {
		if err != nil {
			err = multierr.Append(err, discardStaged(tmp))
		}
	}()

	bw := bufio.NewWriter(f)
	if err = write(bw); err == nil {
		err = bw.Flush()
	}
	if err != nil && !isKindError(err) {
		err = ioFailure("write", path, err)
	}
	if cerr := f.Close(); cerr != nil {
		err = multierr.Append(err, ioFailure("close", path, cerr))
	}
	if err != nil {
		return "", err
	}
	if err = os.Chmod(tmp, 0644); err != nil {
		return "", ioFailure("chmod", tmp, err)
	}
	return tmp, nil
}

// commitFiles renames staged temp files onto their targets. After the first
// failure the remaining temp files are removed.
func commitFiles(staged map[string]string) error {
	paths := make([]string, 0, len(staged))
	for path := range staged {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var err error
	for _, path := range paths {
		tmp := staged[path]
		if err != nil {
			err = multierr.Append(err, discardStaged(tmp))
			continue
		}
		if rerr := os.Rename(tmp, path); rerr != nil {
			err = multierr.Append(ioFailure("rename", path, rerr), discardStaged(tmp))
		}
	}
	return err
}

func discardStaged(tmp string) error {
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioFailure("remove", tmp, err)
	}
	return nil
}

func isKindError(err error) bool {
	for _, kind := range []error{ErrInvalidInput, ErrDegenerateInput, ErrMalformedFormat, ErrNoOverlap, ErrIOFailure} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
