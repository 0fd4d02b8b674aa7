package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile  string
	SourcePath  string
	TargetPath  string
	Evaluate    bool
	ICP         bool
	MultiScale  bool
	Method      string
	MaxDistance *float64 // nil when -max-distance was not given
	InitFile    string
	RenderPath  string
	GeoJSONPath string
	Projection  string
	HttpMode    bool
	HttpPort    int
	MqttMode    bool
}

// Runner is the set of modes main can dispatch to.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunEvaluate() error
	RunICP() error
	RunMultiScale() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("meshreg: %v", err)
	}
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("meshreg", flag.ContinueOnError)
	fs.SetOutput(out)

	var (
		opts        AppOptions
		maxDistance float64
	)
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.SourcePath, "source", "", "Source point cloud (.xyz, .xyzn, .ply, .json)")
	fs.StringVar(&opts.TargetPath, "target", "", "Target point cloud (.xyz, .xyzn, .ply, .json)")
	fs.BoolVar(&opts.Evaluate, "evaluate", false, "Score the initial transform and exit")
	fs.BoolVar(&opts.ICP, "icp", false, "Run ICP and exit")
	fs.BoolVar(&opts.MultiScale, "multiscale", false, "Run coarse-to-fine ICP and exit")
	fs.StringVar(&opts.Method, "method", "", "Estimation method: point_to_point or point_to_plane (default: from config)")
	fs.Float64Var(&maxDistance, "max-distance", 0, "Max correspondence distance (default: from config)")
	fs.StringVar(&opts.InitFile, "init", "", "JSON file holding the initial 4x4 transform")
	fs.StringVar(&opts.RenderPath, "render", "", "Write an overlay of the result (.svg or .png)")
	fs.StringVar(&opts.GeoJSONPath, "geojson", "", "Write a GeoJSON export of the result")
	fs.StringVar(&opts.Projection, "projection", "xy", "Projection plane for exports: xy, xz or yz")
	fs.BoolVar(&opts.HttpMode, "http", false, "Run the HTTP registration service")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default: from config, 4040)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Publish results over MQTT")

	if err := fs.Parse(args); err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "max-distance" {
			opts.MaxDistance = &maxDistance
		}
	})

	fmt.Fprintf(out, "meshreg version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.Evaluate:
		return app.RunEvaluate()
	case opts.ICP:
		return app.RunICP()
	case opts.MultiScale:
		return app.RunMultiScale()
	case opts.HttpMode || opts.MqttMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "Use --evaluate --source A --target B to score an alignment")
	fmt.Fprintln(out, "Use --icp --source A --target B to register two clouds")
	fmt.Fprintln(out, "Use --multiscale --source A --target B for coarse-to-fine ICP")
	fmt.Fprintln(out, "Use --render out.svg or --geojson out.geojson to export the result")
	fmt.Fprintln(out, "Use --http to run the HTTP service, --mqtt to publish results")
	return nil
}
