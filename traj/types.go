package traj

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as "20ms" in YAML and JSON.
type Duration time.Duration

// UnmarshalYAML accepts duration strings and plain integers (nanoseconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EvaluationConfig holds the alignment and association settings.
type EvaluationConfig struct {
	CorrectScale         bool     `yaml:"correctScale" json:"correctScale"`
	AssociationTolerance Duration `yaml:"associationTolerance" json:"associationTolerance"`
	TimeOffset           Duration `yaml:"timeOffset,omitempty" json:"timeOffset,omitempty"`
	ByIndex              bool     `yaml:"byIndex,omitempty" json:"byIndex,omitempty"`
	OutputDir            string   `yaml:"outputDir" json:"outputDir"`            // Root for per-run artifacts
	MinInterval          Duration `yaml:"minInterval,omitempty" json:"minInterval,omitempty"` // Debounce between automatic runs of one stream
}

// ColmapConfig holds the COLMAP export settings, including the camera intrinsics.
type ColmapConfig struct {
	TranslationScale float64        `yaml:"translationScale" json:"translationScale"`
	NamePattern      string         `yaml:"namePattern" json:"namePattern"`
	CameraID         int            `yaml:"cameraId" json:"cameraId"`
	FirstImageID     int            `yaml:"firstImageId,omitempty" json:"firstImageId,omitempty"`
	Cameras          []ColmapCamera `yaml:"cameras" json:"cameras"`
}

// RenderConfig holds settings for the top-down trajectory views.
type RenderConfig struct {
	Plane       string  `yaml:"plane" json:"plane"`             // "xy", "xz" or "yz"
	Resolution  float64 `yaml:"resolution" json:"resolution"`   // Vector PNG DPI
	GridSpacing float64 `yaml:"gridSpacing" json:"gridSpacing"` // Grid spacing in trajectory units; 0 disables
	Width       int     `yaml:"width" json:"width"`             // Raster image width in pixels
}

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// StreamConfig describes one live pose stream and the reference it is scored against.
type StreamConfig struct {
	ID                  string `yaml:"id" json:"id"`
	Topic               string `yaml:"topic" json:"topic"`
	Layout              string `yaml:"layout" json:"layout"`
	Convention          string `yaml:"convention" json:"convention"`
	Reference           string `yaml:"reference,omitempty" json:"reference,omitempty"`
	ReferenceLayout     string `yaml:"referenceLayout,omitempty" json:"referenceLayout,omitempty"`
	ReferenceConvention string `yaml:"referenceConvention,omitempty" json:"referenceConvention,omitempty"`
	ReferenceURL        string `yaml:"referenceUrl,omitempty" json:"referenceUrl,omitempty"`
	Color               string `yaml:"color,omitempty" json:"color,omitempty"`
}

// DatabaseConfig points at the run history database.
type DatabaseConfig struct {
	Path string `yaml:"path" json:"path"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Config represents the full configuration file.
type Config struct {
	Evaluation EvaluationConfig `yaml:"evaluation" json:"evaluation"`
	Colmap     ColmapConfig     `yaml:"colmap" json:"colmap"`
	Frustum    FrustumOptions   `yaml:"frustum" json:"frustum"`
	Render     RenderConfig     `yaml:"render" json:"render"`
	MQTT       MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	Streams    []StreamConfig   `yaml:"streams,omitempty" json:"streams,omitempty"`
	Database   DatabaseConfig   `yaml:"database" json:"database"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// GetStreamByID returns the stream config for the given ID.
func (c *Config) GetStreamByID(id string) *StreamConfig {
	for i := range c.Streams {
		if c.Streams[i].ID == id {
			return &c.Streams[i]
		}
	}
	return nil
}

// EvalOptions converts the evaluation section into EvalOptions.
func (c *Config) EvalOptions() EvalOptions {
	return EvalOptions{
		CorrectScale:         c.Evaluation.CorrectScale,
		AssociationTolerance: c.Evaluation.AssociationTolerance.Std(),
		TimeOffset:           c.Evaluation.TimeOffset.Std(),
		ByIndex:              c.Evaluation.ByIndex,
	}
}

// ColmapOptions converts the colmap section into ColmapExportOptions.
func (c *Config) ColmapOptions() ColmapExportOptions {
	return ColmapExportOptions{
		TranslationScale: c.Colmap.TranslationScale,
		FirstImageID:     c.Colmap.FirstImageID,
		CameraID:         c.Colmap.CameraID,
		NamePattern:      c.Colmap.NamePattern,
		Cameras:          c.Colmap.Cameras,
	}
}

// PoseFormat returns the parsed layout and convention of the live stream.
func (sc *StreamConfig) PoseFormat() (Layout, Convention, error) {
	l, err := ParseLayout(sc.Layout)
	if err != nil {
		return 0, 0, err
	}
	c, err := ParseConvention(sc.Convention)
	if err != nil {
		return 0, 0, err
	}
	return l, c, nil
}

// ReferenceFormat returns the layout and convention of the reference
// trajectory, falling back to the stream's own.
func (sc *StreamConfig) ReferenceFormat() (Layout, Convention, error) {
	ls, cs := sc.ReferenceLayout, sc.ReferenceConvention
	if ls == "" {
		ls = sc.Layout
	}
	if cs == "" {
		cs = sc.Convention
	}
	l, err := ParseLayout(ls)
	if err != nil {
		return 0, 0, err
	}
	c, err := ParseConvention(cs)
	if err != nil {
		return 0, 0, err
	}
	return l, c, nil
}

// EvaluationReport is the outcome of one evaluation run, as stored,
// published and served.
type EvaluationReport struct {
	RunID          string     `json:"runId"`
	StreamID       string     `json:"streamId"`
	Timestamp      time.Time  `json:"timestamp"`
	Poses          int        `json:"poses"`
	ReferencePoses int        `json:"referencePoses"`
	Pairs          int        `json:"pairs"`
	CorrectScale   bool       `json:"correctScale"`
	Scale          float64    `json:"scale"`
	Reflected      bool       `json:"reflected"`
	Stats          Statistics `json:"stats"`
	OutputDir      string     `json:"outputDir,omitempty"`
	Artifacts      []string   `json:"artifacts,omitempty"`
}

// NewEvaluationReport fills a report from an ATE result.
func NewEvaluationReport(runID, streamID string, ref, est Trajectory, res ATEResult, correctScale bool) *EvaluationReport {
	return &EvaluationReport{
		RunID:          runID,
		StreamID:       streamID,
		Timestamp:      time.Now().UTC(),
		Poses:          est.Len(),
		ReferencePoses: ref.Len(),
		Pairs:          res.Pairs,
		CorrectScale:   correctScale,
		Scale:          res.Alignment.Scale,
		Reflected:      res.Alignment.Reflected,
		Stats:          res.Stats,
	}
}
