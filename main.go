package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kwv/trajeval/traj"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries every CLI flag. Each command reads the fields it needs.
type AppOptions struct {
	Out        io.Writer
	ConfigFile string
	Verbose    bool

	// eval
	RefPath       string
	EstPath       string
	RefLayout     string
	EstLayout     string
	RefConvention string
	EstConvention string
	CorrectScale  bool
	Tolerance     time.Duration
	ByIndex       bool
	PLYPath       string
	PLYBinary     bool
	FrustumsPath  string
	JSONPath      string
	PlotPath      string
	SVGPath       string
	PNGPath       string
	GeoJSONPath   string
	AlignmentOut  string
	DBPath        string

	// single-trajectory commands
	TrajPath      string
	Layout        string
	Convention    string
	ToLayout      string
	OutPath       string
	Stride        int
	Binary        bool
	AlignmentPath string

	// runs
	Limit  int
	Stream string

	// watch
	WatchDir string

	// serve
	MqttMode bool
	HttpMode bool
	HttpPort int
}

// Runner executes the commands. *App is the real implementation.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunEval() error
	RunColmap() error
	RunConvert() error
	RunFrustums() error
	RunPLY() error
	RunTransform() error
	RunRuns() error
	RunWatch() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run builds the command tree, parses args and dispatches to app.
func run(args []string, out io.Writer, app Runner) error {
	opts := AppOptions{Out: out}

	dispatch := func(f func() error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			app.ApplyOptions(opts)
			return f()
		}
	}

	root := &cobra.Command{
		Use:           "trajeval",
		Short:         "Evaluate and convert SLAM trajectories",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(out, "trajeval version: %s\n", Version)
			return setupLogging(opts.Verbose)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(out, "Use a subcommand:")
			for _, c := range cmd.Commands() {
				if c.IsAvailableCommand() {
					fmt.Fprintf(out, "  %-10s %s\n", c.Name(), c.Short)
				}
			}
			return nil
		},
	}
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "Path to configuration file")
	root.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Debug logging")

	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Align an estimate to a reference and report the ATE",
		RunE:  dispatch(app.RunEval),
	}
	f := evalCmd.Flags()
	f.StringVar(&opts.RefPath, "ref", "", "Reference trajectory (flat text, or a COLMAP images.txt/dir with --ref-layout colmap)")
	f.StringVar(&opts.EstPath, "est", "", "Estimated trajectory")
	f.StringVar(&opts.RefLayout, "ref-layout", "tum8", "Reference layout: matrix16, quat7, tum8 or colmap")
	f.StringVar(&opts.EstLayout, "est-layout", "tum8", "Estimate layout: matrix16, quat7 or tum8")
	f.StringVar(&opts.RefConvention, "ref-convention", "c2w", "Reference pose convention: c2w or w2c")
	f.StringVar(&opts.EstConvention, "est-convention", "c2w", "Estimate pose convention: c2w or w2c")
	f.BoolVar(&opts.CorrectScale, "scale", false, "Estimate a similarity scale (monocular)")
	f.DurationVar(&opts.Tolerance, "tolerance", traj.DefaultAssociationTolerance, "Maximum timestamp difference of a pair")
	f.BoolVar(&opts.ByIndex, "by-index", false, "Pair poses by index, ignoring timestamps")
	f.StringVar(&opts.PLYPath, "ply", "", "Write the estimate as a trajectory PLY")
	f.BoolVar(&opts.PLYBinary, "ply-binary", false, "Write --ply as binary little-endian")
	f.StringVar(&opts.FrustumsPath, "frustums", "", "Write camera frustums of the estimate as PLY")
	f.StringVar(&opts.JSONPath, "json", "", "Write the report as JSON")
	f.StringVar(&opts.PlotPath, "plot", "", "Write the residual plot (.png, .svg or .pdf)")
	f.StringVar(&opts.SVGPath, "svg", "", "Write a top-down SVG of reference and aligned estimate")
	f.StringVar(&opts.PNGPath, "png", "", "Write a top-down PNG of reference and aligned estimate")
	f.StringVar(&opts.GeoJSONPath, "geojson", "", "Write reference and aligned estimate as GeoJSON")
	f.StringVar(&opts.AlignmentOut, "save-alignment", "", "Write the fitted alignment as JSON")
	f.StringVar(&opts.DBPath, "db", "", "Record the run in this SQLite database")
	_ = evalCmd.MarkFlagRequired("ref")
	_ = evalCmd.MarkFlagRequired("est")

	colmapCmd := &cobra.Command{
		Use:   "colmap",
		Short: "Export a trajectory as COLMAP images.txt and cameras.txt",
		RunE:  dispatch(app.RunColmap),
	}
	f = colmapCmd.Flags()
	f.StringVar(&opts.TrajPath, "traj", "", "Trajectory file")
	f.StringVar(&opts.Layout, "layout", "matrix16", "Trajectory layout")
	f.StringVar(&opts.Convention, "convention", "c2w", "Pose convention: c2w or w2c")
	f.StringVar(&opts.OutPath, "out", "", "Output directory")
	_ = colmapCmd.MarkFlagRequired("traj")
	_ = colmapCmd.MarkFlagRequired("out")

	convertCmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a trajectory between flat layouts",
		RunE:  dispatch(app.RunConvert),
	}
	f = convertCmd.Flags()
	f.StringVar(&opts.TrajPath, "in", "", "Input trajectory")
	f.StringVar(&opts.Layout, "from", "matrix16", "Input layout")
	f.StringVar(&opts.Convention, "convention", "c2w", "Input pose convention")
	f.StringVar(&opts.OutPath, "out", "", "Output trajectory")
	f.StringVar(&opts.ToLayout, "to", "tum8", "Output layout")
	_ = convertCmd.MarkFlagRequired("in")
	_ = convertCmd.MarkFlagRequired("out")

	frustumsCmd := &cobra.Command{
		Use:   "frustums",
		Short: "Write camera frustum pyramids as a PLY mesh",
		RunE:  dispatch(app.RunFrustums),
	}
	f = frustumsCmd.Flags()
	f.StringVar(&opts.TrajPath, "traj", "", "Trajectory file")
	f.StringVar(&opts.Layout, "layout", "matrix16", "Trajectory layout")
	f.StringVar(&opts.Convention, "convention", "c2w", "Pose convention")
	f.StringVar(&opts.OutPath, "out", "", "Output PLY")
	f.IntVar(&opts.Stride, "stride", 0, "Draw every Nth pose (default from config)")
	_ = frustumsCmd.MarkFlagRequired("traj")
	_ = frustumsCmd.MarkFlagRequired("out")

	plyCmd := &cobra.Command{
		Use:   "ply",
		Short: "Write camera positions and orientations as a PLY point cloud",
		RunE:  dispatch(app.RunPLY),
	}
	f = plyCmd.Flags()
	f.StringVar(&opts.TrajPath, "traj", "", "Trajectory file")
	f.StringVar(&opts.Layout, "layout", "matrix16", "Trajectory layout")
	f.StringVar(&opts.Convention, "convention", "c2w", "Pose convention")
	f.StringVar(&opts.OutPath, "out", "", "Output PLY")
	f.BoolVar(&opts.Binary, "binary", false, "Binary little-endian instead of ASCII")
	_ = plyCmd.MarkFlagRequired("traj")
	_ = plyCmd.MarkFlagRequired("out")

	transformCmd := &cobra.Command{
		Use:   "transform",
		Short: "Map an estimate into the reference frame with a saved alignment",
		RunE:  dispatch(app.RunTransform),
	}
	f = transformCmd.Flags()
	f.StringVar(&opts.TrajPath, "traj", "", "Trajectory file")
	f.StringVar(&opts.Layout, "layout", "tum8", "Trajectory layout")
	f.StringVar(&opts.Convention, "convention", "c2w", "Pose convention")
	f.StringVar(&opts.AlignmentPath, "alignment", "", "Alignment JSON from eval --save-alignment")
	f.StringVar(&opts.OutPath, "out", "", "Output trajectory")
	_ = transformCmd.MarkFlagRequired("traj")
	_ = transformCmd.MarkFlagRequired("alignment")
	_ = transformCmd.MarkFlagRequired("out")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded evaluation runs",
		RunE:  dispatch(app.RunRuns),
	}
	f = runsCmd.Flags()
	f.StringVar(&opts.DBPath, "db", "", "SQLite database (default from config)")
	f.StringVar(&opts.Stream, "stream", "", "Only runs of this stream")
	f.IntVar(&opts.Limit, "limit", 20, "Maximum number of runs; 0 lists all")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-evaluate estimate files in a directory whenever they change",
		RunE:  dispatch(app.RunWatch),
	}
	f = watchCmd.Flags()
	f.StringVar(&opts.RefPath, "ref", "", "Reference trajectory")
	f.StringVar(&opts.RefLayout, "ref-layout", "tum8", "Reference layout")
	f.StringVar(&opts.EstLayout, "est-layout", "tum8", "Layout of the watched estimates")
	f.StringVar(&opts.RefConvention, "ref-convention", "c2w", "Reference pose convention: c2w or w2c")
	f.StringVar(&opts.EstConvention, "est-convention", "c2w", "Convention of the watched estimates: c2w or w2c")
	f.StringVar(&opts.WatchDir, "dir", "", "Directory of estimate files")
	f.BoolVar(&opts.CorrectScale, "scale", false, "Estimate a similarity scale")
	f.DurationVar(&opts.Tolerance, "tolerance", traj.DefaultAssociationTolerance, "Maximum timestamp difference of a pair")
	_ = watchCmd.MarkFlagRequired("ref")
	_ = watchCmd.MarkFlagRequired("dir")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Evaluate live MQTT pose streams and serve reports over HTTP",
		RunE:  dispatch(app.RunService),
	}
	f = serveCmd.Flags()
	f.BoolVar(&opts.MqttMode, "mqtt", false, "Subscribe to the configured pose streams")
	f.BoolVar(&opts.HttpMode, "http", false, "Enable the HTTP server")
	f.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")

	root.AddCommand(evalCmd, colmapCmd, convertCmd, frustumsCmd, plyCmd, transformCmd, runsCmd, watchCmd, serveCmd)
	return root.Execute()
}

// setupLogging installs the zap logger used by the traj package.
func setupLogging(verbose bool) error {
	level := "info"
	if lvl := os.Getenv("TRAJEVAL_LOG_LEVEL"); lvl != "" {
		level = lvl
	}
	l, err := traj.NewLogger(level, verbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	traj.SetLogger(l)
	return nil
}
