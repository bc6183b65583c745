package traj

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfig returns the settings used when a config file leaves a
// section out. Camera intrinsics have no default; COLMAP export needs them
// from the config file or the command line.
func DefaultConfig() *Config {
	return &Config{
		Evaluation: EvaluationConfig{
			AssociationTolerance: Duration(DefaultAssociationTolerance),
			OutputDir:            "output",
			MinInterval:          Duration(DefaultMinEvalInterval),
		},
		Colmap: ColmapConfig{
			TranslationScale: 1,
			NamePattern:      "gt_%d.png",
			CameraID:         1,
		},
		Frustum: DefaultFrustumOptions(),
		Render: RenderConfig{
			Plane:       "xy",
			Resolution:  150,
			GridSpacing: 1,
			Width:       800,
		},
		MQTT: MQTTConfig{
			PublishPrefix: "trajeval",
			ClientID:      "trajeval",
		},
		Database: DatabaseConfig{Path: "trajeval.db"},
		Log:      LogConfig{Level: "info"},
	}
}

// LoadConfig loads the configuration from a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every section that has a fixed shape.
func (c *Config) Validate() error {
	if c.Evaluation.AssociationTolerance < 0 {
		return fmt.Errorf("%w: evaluation.associationTolerance must not be negative", ErrInvalidInput)
	}
	if c.Evaluation.MinInterval < 0 {
		return fmt.Errorf("%w: evaluation.minInterval must not be negative", ErrInvalidInput)
	}
	if !(c.Colmap.TranslationScale > 0) {
		return fmt.Errorf("%w: colmap.translationScale must be positive", ErrInvalidInput)
	}
	if !strings.Contains(c.Colmap.NamePattern, "%") {
		return fmt.Errorf("%w: colmap.namePattern %q needs a verb for the image id", ErrInvalidInput, c.Colmap.NamePattern)
	}
	for i, cam := range c.Colmap.Cameras {
		if err := cam.Validate(); err != nil {
			return fmt.Errorf("colmap.cameras[%d]: %w", i, err)
		}
	}
	if c.Frustum.Stride <= 0 || !(c.Frustum.Size > 0) || !(c.Frustum.Height > 0) {
		return fmt.Errorf("%w: frustum size, height and stride must be positive", ErrInvalidInput)
	}
	if _, err := ParsePlane(c.Render.Plane); err != nil {
		return fmt.Errorf("render.plane: %w", err)
	}
	if c.Render.Width < 0 || c.Render.Resolution < 0 || c.Render.GridSpacing < 0 {
		return fmt.Errorf("%w: render sizes must not be negative", ErrInvalidInput)
	}

	seen := make(map[string]bool, len(c.Streams))
	for i, sc := range c.Streams {
		if sc.ID == "" {
			return fmt.Errorf("stream[%d].id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("stream[%d].id %q is duplicated", i, sc.ID)
		}
		seen[sc.ID] = true
		if sc.Topic == "" {
			return fmt.Errorf("stream[%d].topic is required for %s", i, sc.ID)
		}
		if _, _, err := sc.PoseFormat(); err != nil {
			return fmt.Errorf("stream %s: %w", sc.ID, err)
		}
		if _, _, err := sc.ReferenceFormat(); err != nil {
			return fmt.Errorf("stream %s reference: %w", sc.ID, err)
		}
	}
	if len(c.Streams) > 0 && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when streams are configured")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	return writeFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// ParseCameraSpec parses a cameras.txt style line such as
// "1 PINHOLE 1599 895 1554.6 1546.7 799.5 447.5".
func ParseCameraSpec(spec string) (ColmapCamera, error) {
	cams, err := ParseCameras(strings.NewReader(spec))
	if err != nil {
		return ColmapCamera{}, err
	}
	if len(cams) != 1 {
		return ColmapCamera{}, fmt.Errorf("%w: camera spec must hold exactly one camera, got %d", ErrInvalidInput, len(cams))
	}
	return cams[0], nil
}
