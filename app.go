package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/multierr"

	"github.com/kwv/trajeval/traj"
)

// Service cache files, stored next to the config file.
const (
	reportsCacheFile = ".reports-cache.json"
	defaultConfig    = "config.yaml"
)

// App encapsulates the application state and dependencies
type App struct {
	AppOptions

	Config       *traj.Config
	Cache        *traj.AlignmentCache
	StateTracker *traj.StateTracker
	Store        *traj.RunStore
	MQTTClient   *traj.MQTTClient
	Publisher    *traj.Publisher
	Evaluator    *traj.AutoEvaluator
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		AppOptions:   AppOptions{Out: os.Stdout},
		StateTracker: traj.NewStateTracker(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	a.AppOptions = opts
}

// loadConfig returns the --config file, or the defaults when none was given.
func (a *App) loadConfig() (*traj.Config, error) {
	if a.Config != nil {
		return a.Config, nil
	}
	if a.ConfigFile == "" {
		a.Config = traj.DefaultConfig()
		return a.Config, nil
	}
	cfg, err := traj.LoadConfig(a.ConfigFile)
	if err != nil {
		return nil, err
	}
	a.Config = cfg
	return cfg, nil
}

func loadTrajectory(path, layout, convention string) (traj.Trajectory, error) {
	l, err := traj.ParseLayout(layout)
	if err != nil {
		return traj.Trajectory{}, err
	}
	c, err := traj.ParseConvention(convention)
	if err != nil {
		return traj.Trajectory{}, err
	}
	return traj.LoadTrajectoryFile(path, l, c)
}

// loadReference also accepts COLMAP images.txt (or its directory) when
// layout is "colmap".
func loadReference(path, layout, convention string, cfg *traj.Config) (traj.Trajectory, error) {
	if strings.EqualFold(layout, "colmap") {
		return traj.LoadColmapTrajectory(path, cfg.Colmap.TranslationScale)
	}
	return loadTrajectory(path, layout, convention)
}

// streamName derives a report stream ID from an estimate file name.
func streamName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// RunEval aligns --est to --ref, prints the report and writes the requested
// outputs. Every output is attempted; their errors are combined.
func (a *App) RunEval() (err error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	ref, err := loadReference(a.RefPath, a.RefLayout, a.RefConvention, cfg)
	if err != nil {
		return fmt.Errorf("reference: %w", err)
	}
	est, err := loadTrajectory(a.EstPath, a.EstLayout, a.EstConvention)
	if err != nil {
		return fmt.Errorf("estimate: %w", err)
	}

	opts := traj.EvalOptions{
		CorrectScale:         a.CorrectScale,
		AssociationTolerance: a.Tolerance,
		ByIndex:              a.ByIndex,
	}
	res, pairs, err := traj.Evaluate(ref, est, opts)
	if err != nil {
		return err
	}
	report := traj.NewEvaluationReport(traj.NewRunID(), streamName(a.EstPath), ref, est, res, opts.CorrectScale)
	printReport(a.Out, report)

	if a.PLYPath != "" {
		format := traj.PLYASCII
		if a.PLYBinary {
			format = traj.PLYBinaryLittleEndian
		}
		err = multierr.Append(err, a.output(report, a.PLYPath, traj.ExportTrajectoryPLY(a.PLYPath, est, format)))
	}
	if a.FrustumsPath != "" {
		err = multierr.Append(err, a.output(report, a.FrustumsPath, traj.ExportFrustumPLY(a.FrustumsPath, est, cfg.Frustum)))
	}
	if a.PlotPath != "" {
		title := fmt.Sprintf("%s ATE (rmse %.4g)", report.StreamID, res.Stats.RMSE)
		err = multierr.Append(err, a.output(report, a.PlotPath, traj.SaveResidualPlot(a.PlotPath, title, pairs, res)))
	}
	if a.SVGPath != "" || a.PNGPath != "" || a.GeoJSONPath != "" {
		plane, perr := traj.ParsePlane(cfg.Render.Plane)
		if perr != nil {
			return multierr.Append(err, perr)
		}
		layers, segments := traj.EvaluationLayers(pairs, res, traj.DefaultColors()[1])
		if a.SVGPath != "" {
			vr := traj.NewVectorRenderer(layers, plane)
			vr.Segments = segments
			vr.GridSpacing = cfg.Render.GridSpacing
			err = multierr.Append(err, a.output(report, a.SVGPath, vr.SaveSVG(a.SVGPath)))
		}
		if a.PNGPath != "" {
			rr := traj.NewRasterRenderer(layers, plane)
			if cfg.Render.Width > 0 {
				rr.Width = cfg.Render.Width
			}
			err = multierr.Append(err, a.output(report, a.PNGPath, rr.SavePNG(a.PNGPath)))
		}
		if a.GeoJSONPath != "" {
			err = multierr.Append(err, a.output(report, a.GeoJSONPath, traj.SaveTrajectoryGeoJSON(a.GeoJSONPath, layers, plane, 0)))
		}
	}
	if a.AlignmentOut != "" {
		err = multierr.Append(err, a.output(report, a.AlignmentOut, traj.SaveAlignment(a.AlignmentOut, res.Alignment)))
	}
	if a.JSONPath != "" {
		// listed before writing so the file names itself
		report.Artifacts = append(report.Artifacts, a.JSONPath)
		if jerr := traj.SaveReport(a.JSONPath, report); jerr != nil {
			err = multierr.Append(err, jerr)
		} else {
			fmt.Fprintf(a.Out, "Wrote %s\n", a.JSONPath)
		}
	}
	if a.DBPath != "" {
		err = multierr.Append(err, a.recordRun(report))
	}
	return err
}

// output records a written artifact, or passes its error through.
func (a *App) output(report *traj.EvaluationReport, path string, err error) error {
	if err != nil {
		return err
	}
	report.Artifacts = append(report.Artifacts, path)
	fmt.Fprintf(a.Out, "Wrote %s\n", path)
	return nil
}

func (a *App) recordRun(report *traj.EvaluationReport) (err error) {
	store, err := traj.OpenRunStore(a.DBPath)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(store))
	if err := store.Insert(report); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Recorded run %s in %s\n", report.RunID, a.DBPath)
	return nil
}

func printReport(w io.Writer, r *traj.EvaluationReport) {
	fmt.Fprintf(w, "=== %s ===\n", r.StreamID)
	fmt.Fprintf(w, "Poses: %d estimated, %d reference, %d pairs\n", r.Poses, r.ReferencePoses, r.Pairs)
	if r.CorrectScale {
		fmt.Fprintf(w, "Scale: %.6f\n", r.Scale)
	}
	if r.Reflected {
		fmt.Fprintln(w, "Warning: best fit needed a reflection; rotation was corrected to a proper one")
	}
	fmt.Fprintf(w, "ATE rmse:   %.6f\n", r.Stats.RMSE)
	fmt.Fprintf(w, "ATE mean:   %.6f\n", r.Stats.Mean)
	fmt.Fprintf(w, "ATE median: %.6f\n", r.Stats.Median)
	fmt.Fprintf(w, "ATE std:    %.6f\n", r.Stats.Std)
	fmt.Fprintf(w, "ATE min:    %.6f\n", r.Stats.Min)
	fmt.Fprintf(w, "ATE max:    %.6f\n", r.Stats.Max)
}

// RunColmap writes images.txt and cameras.txt for --traj into --out. Camera
// intrinsics come from the config.
func (a *App) RunColmap() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Colmap.Cameras) == 0 {
		return fmt.Errorf("%w: no colmap.cameras configured (pass --config)", traj.ErrInvalidInput)
	}
	t, err := loadTrajectory(a.TrajPath, a.Layout, a.Convention)
	if err != nil {
		return err
	}
	if err := traj.ExportColmap(a.OutPath, t, cfg.ColmapOptions()); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Wrote %d images and %d cameras to %s\n", t.Len(), len(cfg.Colmap.Cameras), a.OutPath)
	return nil
}

// RunConvert rewrites --in in the --to layout.
func (a *App) RunConvert() error {
	t, err := loadTrajectory(a.TrajPath, a.Layout, a.Convention)
	if err != nil {
		return err
	}
	to, err := traj.ParseLayout(a.ToLayout)
	if err != nil {
		return err
	}
	if err := traj.ExportTrajectory(a.OutPath, t, to); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Converted %d poses from %s to %s: %s\n", t.Len(), a.Layout, to, a.OutPath)
	return nil
}

// RunFrustums writes the frustum PLY of --traj.
func (a *App) RunFrustums() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	t, err := loadTrajectory(a.TrajPath, a.Layout, a.Convention)
	if err != nil {
		return err
	}
	opts := cfg.Frustum
	if a.Stride > 0 {
		opts.Stride = a.Stride
	}
	if err := traj.ExportFrustumPLY(a.OutPath, t, opts); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Wrote %d frustums to %s\n", (t.Len()+opts.Stride-1)/opts.Stride, a.OutPath)
	return nil
}

// RunPLY writes the trajectory PLY of --traj.
func (a *App) RunPLY() error {
	t, err := loadTrajectory(a.TrajPath, a.Layout, a.Convention)
	if err != nil {
		return err
	}
	format := traj.PLYASCII
	if a.Binary {
		format = traj.PLYBinaryLittleEndian
	}
	if err := traj.ExportTrajectoryPLY(a.OutPath, t, format); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Wrote %d vertices to %s\n", t.Len(), a.OutPath)
	return nil
}

// RunTransform maps --traj into the reference frame of a saved alignment.
// The output is camera-to-world.
func (a *App) RunTransform() error {
	al, err := traj.LoadAlignment(a.AlignmentPath)
	if err != nil {
		return err
	}
	t, err := loadTrajectory(a.TrajPath, a.Layout, a.Convention)
	if err != nil {
		return err
	}
	l, err := traj.ParseLayout(a.Layout)
	if err != nil {
		return err
	}
	aligned := al.Inverse().ApplyTrajectory(t)
	if err := traj.ExportTrajectory(a.OutPath, aligned, l); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Transformed %d poses (scale %.6f) into %s\n", t.Len(), al.Scale, a.OutPath)
	return nil
}

// RunRuns lists recorded runs, newest first.
func (a *App) RunRuns() (err error) {
	path := a.DBPath
	if path == "" {
		cfg, err := a.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Database.Path
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return fmt.Errorf("%w: run database %s: %v", traj.ErrIOFailure, path, statErr)
	}
	store, err := traj.OpenRunStore(path)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(store))

	runs, err := store.List(a.Stream, a.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.Out, "No runs recorded")
		return nil
	}
	tw := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTREAM\tTIME\tPAIRS\tRMSE\tSCALE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.6f\t%.4f\n",
			r.RunID, r.StreamID, r.Timestamp.Local().Format(time.DateTime), r.Pairs, r.Stats.RMSE, r.Scale)
	}
	return tw.Flush()
}

// RunWatch re-evaluates every estimate written into --dir until interrupted.
func (a *App) RunWatch() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	ref, err := loadReference(a.RefPath, a.RefLayout, a.RefConvention, cfg)
	if err != nil {
		return fmt.Errorf("reference: %w", err)
	}

	fw, err := traj.NewFileWatcher([]string{a.WatchDir}, traj.DefaultWatchQuiet, func(path string) {
		if err := a.evaluateFile(ref, path); err != nil {
			traj.Logger().Warnw("[WATCH] evaluation failed", "file", path, "error", err)
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(a.Out, "Watching %s (reference %s, %d poses). Press Ctrl+C to stop\n", a.WatchDir, a.RefPath, ref.Len())
	return fw.Run(ctx)
}

// evaluateFile scores one watched estimate against ref and prints the report.
func (a *App) evaluateFile(ref traj.Trajectory, path string) error {
	est, err := loadTrajectory(path, a.EstLayout, a.EstConvention)
	if err != nil {
		return err
	}
	res, _, err := traj.Evaluate(ref, est, traj.EvalOptions{
		CorrectScale:         a.CorrectScale,
		AssociationTolerance: a.Tolerance,
	})
	if err != nil {
		return err
	}
	printReport(a.Out, traj.NewEvaluationReport(traj.NewRunID(), streamName(path), ref, est, res, a.CorrectScale))
	return nil
}

// onPose is the MQTT pose handler: decoded poses extend the stream's live
// trajectory.
func (a *App) onPose(streamID string, msg traj.PoseMessage, err error) {
	if err != nil {
		traj.Logger().Warnw("[MQTT] dropping pose", "stream", streamID, "error", err)
		return
	}
	if err := a.StateTracker.AppendPose(streamID, msg); err != nil {
		traj.Logger().Warnw("[MQTT] rejecting pose", "stream", streamID, "error", err)
		return
	}
	traj.Logger().Debugw("[MQTT] pose", "stream", streamID, "count", a.StateTracker.PoseCount(streamID))
}

// setupService loads the config and caches and wires the evaluator. MQTT is
// connected only with --mqtt.
func (a *App) setupService() error {
	if !a.MqttMode && !a.HttpMode {
		return fmt.Errorf("%w: nothing to serve, pass --mqtt and/or --http", traj.ErrInvalidInput)
	}
	if a.ConfigFile == "" {
		a.ConfigFile = defaultConfig
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config (looked at %s): %w", a.ConfigFile, err)
	}
	if !a.Verbose && cfg.Log.Level != "" {
		if l, err := traj.NewLogger(cfg.Log.Level, false); err == nil {
			traj.SetLogger(l)
		}
	}
	log := traj.Logger()
	log.Infow("loaded config", "path", a.ConfigFile, "streams", len(cfg.Streams))

	dir := filepath.Dir(a.ConfigFile)
	cachePath := filepath.Join(dir, traj.DefaultAlignmentCachePath)
	cache, err := traj.LoadAlignmentCache(cachePath)
	if err != nil {
		log.Warnw("ignoring alignment cache", "path", cachePath, "error", err)
	}
	a.Cache = cache
	a.StateTracker = traj.NewStateTrackerWithCache(filepath.Join(dir, reportsCacheFile))
	for _, sc := range cfg.Streams {
		if sc.Color != "" {
			a.StateTracker.SetColor(sc.ID, sc.Color)
		}
	}

	if cfg.Database.Path != "" {
		store, err := traj.OpenRunStore(cfg.Database.Path)
		if err != nil {
			log.Warnw("run history disabled", "path", cfg.Database.Path, "error", err)
		} else {
			a.Store = store
		}
	}

	if a.MqttMode {
		client, err := traj.InitMQTT(cfg, a.onPose)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured in config file")
		}
		a.MQTTClient = client
		a.Publisher = traj.NewPublisher(client.GetClient(), cfg.MQTT.PublishPrefix)
	}

	a.Evaluator = traj.NewAutoEvaluator(cfg, a.Cache, cachePath, a.StateTracker, a.Store, a.Publisher)
	if a.MQTTClient != nil {
		a.MQTTClient.SetStatusHandler(a.Evaluator.OnStatus)
	}
	return nil
}

// RunService runs MQTT ingestion and/or the HTTP server until interrupted.
func (a *App) RunService() error {
	if err := a.setupService(); err != nil {
		return err
	}
	cfg := a.Config

	var srv *http.Server
	if a.HttpMode {
		srv = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.StateTracker, a.Store, cfg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			traj.Logger().Infow("[HTTP] starting server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				traj.Logger().Errorw("[HTTP] server error", "error", err)
			}
		}()
	}

	a.printServiceInfo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Fprintln(a.Out, "\nShutting down service...")
	err := a.shutdown(srv)
	fmt.Fprintln(a.Out, "Service stopped")
	return err
}

func (a *App) printServiceInfo() {
	w := a.Out
	fmt.Fprintln(w, "\nService Running")
	fmt.Fprintln(w, "===============")
	if a.MqttMode {
		fmt.Fprintln(w, "\nMQTT:")
		fmt.Fprintln(w, "  Subscribed topics:")
		for _, sc := range a.Config.Streams {
			fmt.Fprintf(w, "    - %s, %s (%s)\n", sc.Topic, traj.StatusTopic(sc.Topic), sc.ID)
		}
		prefix := a.Config.MQTT.PublishPrefix
		if prefix == "" {
			prefix = "trajeval"
		}
		fmt.Fprintf(w, "  Publishing to: %s/{streamID}/ate\n", prefix)
		fmt.Fprintf(w, "  Combined reports: %s/reports\n", prefix)
	}
	if a.HttpMode {
		fmt.Fprintf(w, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(w, "  GET /health                      - Health check")
		fmt.Fprintln(w, "  GET /reports[/{stream}]          - Latest evaluation reports")
		fmt.Fprintln(w, "  GET /runs?stream=&limit=         - Run history")
		fmt.Fprintln(w, "  GET /trajectory/{stream}.svg|png|geojson - Live trajectory")
		fmt.Fprintln(w, "  GET /residuals/{stream}.png      - Residuals of the latest run")
	}
	fmt.Fprintln(w, "\nPress Ctrl+C to stop")
}

// shutdown stops the HTTP server and releases MQTT and the run store.
func (a *App) shutdown(srv *http.Server) error {
	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, srv.Shutdown(ctx))
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	err = multierr.Append(err, a.Store.Close())
	return err
}
