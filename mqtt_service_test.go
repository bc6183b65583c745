package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"

	"github.com/kwv/trajeval/traj"
)

func TestServiceConfigLoading(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		wantErr     bool
		wantStreams int
	}{
		{
			name: "streams with broker",
			yaml: `mqtt:
  broker: "tcp://localhost:1883"
  publishPrefix: "eval"
streams:
  - id: orb
    topic: "slam/orb/pose"
    layout: quat7
    reference: "gt.txt"
    referenceLayout: tum8
    color: "#00FF00"
  - id: droid
    topic: "slam/droid/pose"
    layout: matrix16
    convention: w2c
    referenceUrl: "http://dataset.local/gt.txt"
`,
			wantStreams: 2,
		},
		{
			name: "streams without broker",
			yaml: `streams:
  - id: orb
    topic: "slam/orb/pose"
`,
			wantErr: true,
		},
		{
			name: "duplicate stream",
			yaml: `mqtt:
  broker: "tcp://localhost:1883"
streams:
  - {id: orb, topic: a}
  - {id: orb, topic: b}
`,
			wantErr: true,
		},
		{
			name: "unknown pose layout",
			yaml: `mqtt:
  broker: "tcp://localhost:1883"
streams:
  - {id: orb, topic: a, layout: csv}
`,
			wantErr: true,
		},
		{
			name: "bad camera",
			yaml: `colmap:
  cameras:
    - {id: 1, model: PINHOLE, width: 1599, height: 895, params: [1, 2]}
`,
			wantErr: true,
		},
		{
			name:        "http only",
			yaml:        "render:\n  plane: xz\n",
			wantStreams: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0644); err != nil {
				t.Fatal(err)
			}
			cfg, err := traj.LoadConfig(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadConfig failed: %v", err)
			}
			if len(cfg.Streams) != tt.wantStreams {
				t.Errorf("got %d streams, want %d", len(cfg.Streams), tt.wantStreams)
			}
		})
	}
}

// serviceDir writes a config for one stream "orb" evaluated against a TUM
// reference, with all service state inside a temp dir.
func serviceDir(t *testing.T) (dir, configPath string) {
	t.Helper()
	dir = t.TempDir()
	refPath := filepath.Join(dir, "groundtruth.txt")
	if err := traj.ExportTrajectory(refPath, helix(30), traj.LayoutTUM8); err != nil {
		t.Fatal(err)
	}
	config := fmt.Sprintf(`mqtt:
  broker: "tcp://127.0.0.1:1883"
  publishPrefix: "eval"
evaluation:
  correctScale: true
  outputDir: %q
streams:
  - id: orb
    topic: "slam/orb/pose"
    layout: tum8
    reference: %q
    referenceLayout: tum8
    color: "#00FF00"
database:
  path: %q
`, filepath.Join(dir, "output"), refPath, filepath.Join(dir, "runs.db"))
	configPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	return dir, configPath
}

func TestSetupService_RequiresMode(t *testing.T) {
	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{})
	if err := app.setupService(); err == nil || !strings.Contains(err.Error(), "nothing to serve") {
		t.Errorf("expected mode error, got %v", err)
	}
}

func TestSetupService_MissingConfig(t *testing.T) {
	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{HttpMode: true, ConfigFile: filepath.Join(t.TempDir(), "none.yaml")})
	err := app.setupService()
	if err == nil || !strings.Contains(err.Error(), "looked at") {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestSetupService_MQTTWithoutBroker(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	cfg := traj.DefaultConfig()
	cfg.Database.Path = ""
	if err := traj.SaveConfig(configPath, cfg); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{MqttMode: true, ConfigFile: configPath})
	err := app.setupService()
	if err == nil || !strings.Contains(err.Error(), "broker not configured") {
		t.Errorf("expected broker error, got %v", err)
	}
}

func TestSetupService_HTTPOnly(t *testing.T) {
	dir, configPath := serviceDir(t)

	cache := &traj.AlignmentCache{Streams: map[string]traj.StreamAlignment{}}
	cache.Put("orb", "r0", 30, traj.ATEResult{Alignment: traj.AlignmentResult{Rotation: traj.IdentityRotation(), Scale: 2}, Pairs: 30})
	if err := traj.SaveAlignmentCache(filepath.Join(dir, traj.DefaultAlignmentCachePath), cache); err != nil {
		t.Fatal(err)
	}
	reports := map[string]*traj.EvaluationReport{"orb": {RunID: "r0", StreamID: "orb", Pairs: 30}}
	if err := traj.SaveReports(filepath.Join(dir, reportsCacheFile), reports); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{HttpMode: true, ConfigFile: configPath})
	if err := app.setupService(); err != nil {
		t.Fatalf("setupService failed: %v", err)
	}

	if app.MQTTClient != nil || app.Publisher != nil {
		t.Error("MQTT should stay off without --mqtt")
	}
	if app.Store == nil {
		t.Error("run store should be open")
	}
	if app.Evaluator == nil {
		t.Fatal("evaluator should be wired")
	}
	if got := app.StateTracker.Color("orb"); got != "#00FF00" {
		t.Errorf("stream color = %s, want #00FF00", got)
	}
	if sa, ok := app.Cache.Get("orb"); !ok || sa.Alignment.Scale != 2 {
		t.Errorf("alignment cache not restored: %+v", sa)
	}
	if r, ok := app.StateTracker.Report("orb"); !ok || r.RunID != "r0" {
		t.Error("reports cache not restored")
	}

	if err := app.shutdown(nil); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func TestSetupService_CorruptAlignmentCache(t *testing.T) {
	dir, configPath := serviceDir(t)
	if err := os.WriteFile(filepath.Join(dir, traj.DefaultAlignmentCachePath), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{HttpMode: true, ConfigFile: configPath})
	if err := app.setupService(); err != nil {
		t.Fatalf("a corrupt cache should not stop the service: %v", err)
	}
	defer func() { _ = app.shutdown(nil) }()
	if app.Evaluator.GetCache() == nil {
		t.Error("evaluator should start with an empty cache")
	}
}

func TestOnPose(t *testing.T) {
	app := NewApp()
	stamped := func(ts float64) traj.PoseMessage {
		return traj.PoseMessage{Timestamp: ts, HasTimestamp: true, Pose: traj.IdentityPose(traj.CameraToWorld)}
	}

	app.onPose("orb", stamped(0), nil)
	app.onPose("orb", stamped(0.1), nil)
	app.onPose("orb", traj.PoseMessage{}, fmt.Errorf("%w: garbage", traj.ErrMalformedFormat))
	app.onPose("orb", traj.PoseMessage{Pose: traj.IdentityPose(traj.CameraToWorld)}, nil)
	app.onPose("orb", stamped(0.05), nil)

	if n := app.StateTracker.PoseCount("orb"); n != 2 {
		t.Errorf("PoseCount = %d, want 2", n)
	}
	if n := app.StateTracker.PoseCount("droid"); n != 0 {
		t.Errorf("untouched stream has %d poses", n)
	}
}

// TestServiceEvaluatesStream feeds live poses through onPose, evaluates the
// stream and reads the result back over HTTP.
func TestServiceEvaluatesStream(t *testing.T) {
	dir, configPath := serviceDir(t)
	var out bytes.Buffer
	app := newTestApp(&out, AppOptions{HttpMode: true, ConfigFile: configPath})
	if err := app.setupService(); err != nil {
		t.Fatalf("setupService failed: %v", err)
	}
	defer func() { _ = app.shutdown(nil) }()

	est := moved(helix(30), traj.RotationZ(-1.1), 0.25, r3.Vector{X: -4, Z: 1})
	for _, tp := range est.Poses {
		app.onPose("orb", traj.PoseMessage{Timestamp: tp.Timestamp, HasTimestamp: true, Pose: tp.Pose}, nil)
	}

	report, err := app.Evaluator.OnFinished(context.Background(), "orb")
	if err != nil {
		t.Fatalf("OnFinished failed: %v", err)
	}
	if report.Pairs != 30 {
		t.Errorf("pairs = %d, want 30", report.Pairs)
	}
	if report.Stats.RMSE > 1e-6 {
		t.Errorf("rmse = %v, want ~0", report.Stats.RMSE)
	}
	if _, err := os.Stat(filepath.Join(dir, traj.DefaultAlignmentCachePath)); err != nil {
		t.Errorf("alignment cache not written: %v", err)
	}

	h := newHTTPServer(app.StateTracker, app.Store, app.Config)
	if rec := get(t, h, "/reports/orb"); rec.Code != 200 || !strings.Contains(rec.Body.String(), report.RunID) {
		t.Errorf("GET /reports/orb = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/runs?stream=orb"); !strings.Contains(rec.Body.String(), report.RunID) {
		t.Errorf("run not listed: %s", rec.Body.String())
	}
	if rec := get(t, h, "/residuals/orb.png"); rec.Code != 200 {
		t.Errorf("GET /residuals/orb.png = %d", rec.Code)
	}
	if rec := get(t, h, "/trajectory/orb.svg"); rec.Code != 200 {
		t.Errorf("GET /trajectory/orb.svg = %d", rec.Code)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := traj.LoadConfig("config.example.yaml")
	if err != nil {
		t.Fatalf("config.example.yaml does not load: %v", err)
	}
	if len(cfg.Streams) != 2 {
		t.Errorf("got %d streams, want 2", len(cfg.Streams))
	}
	if cfg.Colmap.TranslationScale != 10 || len(cfg.Colmap.Cameras) != 1 {
		t.Errorf("unexpected colmap section: %+v", cfg.Colmap)
	}
}
