package traj

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// Observation is one tracked 2-D feature of a COLMAP image. Point3DID is -1
// for features without a triangulated point.
type Observation struct {
	X, Y      float64
	Point3DID int64
}

// ColmapImage is one entry of images.txt. Rotation and Translation are the
// world-to-camera transform, quaternion in (w, x, y, z) order.
type ColmapImage struct {
	ID          int
	Rotation    Quaternion
	Translation r3.Vector
	CameraID    int
	Name        string
	Points2D    []Observation
}

// Pose returns the image pose in the world-to-camera convention.
func (im ColmapImage) Pose() (Pose, error) {
	return PoseFromQuaternion(im.Rotation, im.Translation, WorldToCamera)
}

// ColmapCamera is one entry of cameras.txt.
type ColmapCamera struct {
	ID     int       `yaml:"id" json:"id"`
	Model  string    `yaml:"model" json:"model"`
	Width  int       `yaml:"width" json:"width"`
	Height int       `yaml:"height" json:"height"`
	Params []float64 `yaml:"params" json:"params"`
}

// colmapParamCount lists the parameter count of the camera models we check.
var colmapParamCount = map[string]int{
	"SIMPLE_PINHOLE": 3,
	"PINHOLE":        4,
	"SIMPLE_RADIAL":  4,
	"RADIAL":         5,
	"OPENCV":         8,
	"FULL_OPENCV":    12,
}

// Validate checks the camera id, size and, for known models, the parameter count.
func (c ColmapCamera) Validate() error {
	if c.Model == "" || strings.ContainsAny(c.Model, " \t") {
		return fmt.Errorf("%w: camera %d has invalid model %q", ErrInvalidInput, c.ID, c.Model)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: camera %d has size %dx%d", ErrInvalidInput, c.ID, c.Width, c.Height)
	}
	if want, ok := colmapParamCount[c.Model]; ok && len(c.Params) != want {
		return fmt.Errorf("%w: camera %d model %s needs %d params, got %d", ErrInvalidInput, c.ID, c.Model, want, len(c.Params))
	}
	return nil
}

var colmapImagesHeader = []string{
	"# Image list with two lines of data per image:",
	"# IMAGE_ID, QW, QX, QY, QZ, TX, TY, TZ, CAMERA_ID, NAME",
	"# POINTS2D[] as (X, Y, POINT3D_ID)",
}

// WriteImages writes images.txt: a comment header, then per image a
// metadata line and an observation line, which is empty when nothing is tracked.
func WriteImages(w io.Writer, images []ColmapImage) error {
	bw := bufio.NewWriter(w)
	for _, h := range colmapImagesHeader {
		if _, err := bw.WriteString(h + "\n"); err != nil {
			return err
		}
	}
	for _, im := range images {
		if im.Name == "" || strings.ContainsAny(im.Name, "\n\r") {
			return fmt.Errorf("%w: image %d has invalid name %q", ErrInvalidInput, im.ID, im.Name)
		}
		q, t := im.Rotation, im.Translation
		meta := []string{
			strconv.Itoa(im.ID),
			formatFloat(q.W), formatFloat(q.X), formatFloat(q.Y), formatFloat(q.Z),
			formatFloat(t.X), formatFloat(t.Y), formatFloat(t.Z),
			strconv.Itoa(im.CameraID),
			im.Name,
		}
		if _, err := bw.WriteString(strings.Join(meta, " ") + "\n"); err != nil {
			return err
		}
		obs := make([]string, 0, 3*len(im.Points2D))
		for _, o := range im.Points2D {
			obs = append(obs, formatFloat(o.X), formatFloat(o.Y), strconv.FormatInt(o.Point3DID, 10))
		}
		if _, err := bw.WriteString(strings.Join(obs, " ") + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ParseImages reads images.txt. Comment lines are skipped between entries;
// each metadata line is followed by an observation line that may be empty
// or, for the last image, missing.
func ParseImages(r io.Reader) ([]ColmapImage, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var out []ColmapImage
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		im, err := parseImageMeta(text, line)
		if err != nil {
			return nil, err
		}
		if sc.Scan() {
			line++
			obs, err := parseObservations(sc.Text(), line)
			if err != nil {
				return nil, err
			}
			im.Points2D = obs
		}
		out = append(out, im)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading images.txt: %v", ErrIOFailure, err)
	}
	return out, nil
}

func parseImageMeta(text string, line int) (ColmapImage, error) {
	f := strings.Fields(text)
	if len(f) < 10 {
		return ColmapImage{}, parseErrorf(line, "image line has %d fields, want 10", len(f))
	}
	id, err := strconv.Atoi(f[0])
	if err != nil {
		return ColmapImage{}, parseErrorf(line, "bad IMAGE_ID %q", f[0])
	}
	var v [7]float64
	for i := range v {
		if v[i], err = strconv.ParseFloat(f[1+i], 64); err != nil {
			return ColmapImage{}, parseErrorf(line, "value %q is not a number", f[1+i])
		}
	}
	cam, err := strconv.Atoi(f[8])
	if err != nil {
		return ColmapImage{}, parseErrorf(line, "bad CAMERA_ID %q", f[8])
	}
	return ColmapImage{
		ID:          id,
		Rotation:    Quaternion{W: v[0], X: v[1], Y: v[2], Z: v[3]},
		Translation: r3.Vector{X: v[4], Y: v[5], Z: v[6]},
		CameraID:    cam,
		Name:        strings.Join(f[9:], " "),
	}, nil
}

func parseObservations(text string, line int) ([]Observation, error) {
	f := strings.Fields(text)
	if len(f) == 0 {
		return nil, nil
	}
	if len(f)%3 != 0 {
		return nil, parseErrorf(line, "observation line has %d values, not a multiple of 3", len(f))
	}
	out := make([]Observation, 0, len(f)/3)
	for i := 0; i < len(f); i += 3 {
		x, errX := strconv.ParseFloat(f[i], 64)
		y, errY := strconv.ParseFloat(f[i+1], 64)
		id, errID := strconv.ParseInt(f[i+2], 10, 64)
		if errX != nil || errY != nil || errID != nil {
			return nil, parseErrorf(line, "bad observation %q %q %q", f[i], f[i+1], f[i+2])
		}
		out = append(out, Observation{X: x, Y: y, Point3DID: id})
	}
	return out, nil
}

// WriteCameras writes cameras.txt, one camera per line.
func WriteCameras(w io.Writer, cams []ColmapCamera) error {
	bw := bufio.NewWriter(w)
	for _, c := range cams {
		if err := c.Validate(); err != nil {
			return err
		}
		row := []string{strconv.Itoa(c.ID), c.Model, strconv.Itoa(c.Width), strconv.Itoa(c.Height)}
		for _, p := range c.Params {
			row = append(row, formatFloat(p))
		}
		if _, err := bw.WriteString(strings.Join(row, " ") + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ParseCameras reads cameras.txt, skipping blank and comment lines.
func ParseCameras(r io.Reader) ([]ColmapCamera, error) {
	sc := bufio.NewScanner(r)
	var out []ColmapCamera
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		f := strings.Fields(text)
		if len(f) < 4 {
			return nil, parseErrorf(line, "camera line has %d fields, want at least 4", len(f))
		}
		var c ColmapCamera
		var err error
		if c.ID, err = strconv.Atoi(f[0]); err != nil {
			return nil, parseErrorf(line, "bad CAMERA_ID %q", f[0])
		}
		c.Model = f[1]
		if c.Width, err = strconv.Atoi(f[2]); err != nil {
			return nil, parseErrorf(line, "bad WIDTH %q", f[2])
		}
		if c.Height, err = strconv.Atoi(f[3]); err != nil {
			return nil, parseErrorf(line, "bad HEIGHT %q", f[3])
		}
		for _, s := range f[4:] {
			p, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, parseErrorf(line, "param %q is not a number", s)
			}
			c.Params = append(c.Params, p)
		}
		if err := c.Validate(); err != nil {
			return nil, parseErrorf(line, "%v", err)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading cameras.txt: %v", ErrIOFailure, err)
	}
	return out, nil
}
