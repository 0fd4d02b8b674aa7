package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/meshreg/registration"
)

const defaultConfigFile = "config.yaml"

// App encapsulates the application state and dependencies
type App struct {
	Config     *registration.Config
	Store      *registration.ResultStore
	MQTTClient *registration.MQTTClient
	Publisher  *registration.Publisher
	Logger     *log.Logger
	Out        io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile  string
	SourcePath  string
	TargetPath  string
	Method      string
	MaxDistance *float64
	InitFile    string
	RenderPath  string
	GeoJSONPath string
	Projection  string
	HttpPort    int
	MqttMode    bool
	HttpMode    bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Config: registration.DefaultConfig(),
		Store:  registration.NewResultStore(registration.DefaultConfig().HTTP.MaxResults),
		Logger: log.Default(),
		Out:    os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.SourcePath = opts.SourcePath
	a.TargetPath = opts.TargetPath
	a.Method = opts.Method
	a.MaxDistance = opts.MaxDistance
	a.InitFile = opts.InitFile
	a.RenderPath = opts.RenderPath
	a.GeoJSONPath = opts.GeoJSONPath
	a.Projection = opts.Projection
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the config file and layers CLI overrides on top. A
// missing default config.yaml falls back to built-in defaults; a missing
// explicitly named file is an error.
func (a *App) loadConfig() error {
	cfg := registration.DefaultConfig()
	if a.ConfigFile != "" {
		loaded, err := registration.LoadConfig(a.ConfigFile)
		switch {
		case err == nil:
			cfg = loaded
			log.Printf("Loaded config from %s", a.ConfigFile)
		case a.ConfigFile == defaultConfigFile && errors.Is(err, os.ErrNotExist):
			log.Printf("No %s found, using defaults", defaultConfigFile)
		default:
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	if a.Method != "" {
		cfg.Registration.Method = a.Method
	}
	if a.MaxDistance != nil {
		cfg.Registration.MaxCorrespondenceDistance = *a.MaxDistance
	}
	if a.HttpPort > 0 {
		cfg.HTTP.Port = a.HttpPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.Config = cfg
	a.Store = registration.NewResultStore(cfg.HTTP.MaxResults)
	return nil
}

// registrationOptions returns the library options derived from the config.
func (a *App) registrationOptions() []registration.Option {
	opts := []registration.Option{registration.WithLogger(a.Logger)}
	if n := a.Config.Registration.SearchWorkers; n > 0 {
		opts = append(opts, registration.WithSearchWorkers(n))
	}
	return opts
}

// runRequest describes one registration job independently of where the
// clouds came from.
type runRequest struct {
	Mode        string
	Method      string
	MaxDistance *float64
	Init        *registration.Transformation
	Criteria    *registration.ICPConvergenceCriteria
	Stages      []registration.ICPStage
}

// execute runs req against source and target, records the run and publishes
// it when a publisher is attached. Empty or nil fields of req fall back to
// the config.
func (a *App) execute(source, target *registration.PointCloud, req runRequest) (*registration.RunRecord, error) {
	rc := a.Config.Registration
	method := req.Method
	if method == "" {
		method = rc.Method
	}
	maxDistance := rc.MaxCorrespondenceDistance
	if req.MaxDistance != nil {
		maxDistance = *req.MaxDistance
	}
	init := registration.Identity(source.Dtype())
	if req.Init != nil {
		init = req.Init.AsDtype(source.Dtype())
	}

	start := time.Now()
	var (
		result registration.RegistrationResult
		err    error
	)
	switch req.Mode {
	case registration.ModeEvaluate:
		method = ""
		result, err = registration.EvaluateRegistration(source, target, maxDistance, init, a.registrationOptions()...)

	case registration.ModeICP:
		estimation, estErr := registration.NewTransformationEstimation(method)
		if estErr != nil {
			return nil, estErr
		}
		if method == registration.MethodPointToPlane && !target.HasNormals() {
			if target, err = a.withNormals(target); err != nil {
				return nil, err
			}
		}
		criteria := rc.Criteria
		if req.Criteria != nil {
			criteria = *req.Criteria
		}
		result, err = registration.RegistrationICP(source, target, maxDistance, init, estimation, criteria, a.registrationOptions()...)

	case registration.ModeMultiScale:
		estimation, estErr := registration.NewTransformationEstimation(method)
		if estErr != nil {
			return nil, estErr
		}
		stages := req.Stages
		if len(stages) == 0 {
			stages = rc.EffectiveStages(maxDistance)
		}
		result, err = registration.MultiScaleICP(source, target, stages, init, estimation, a.registrationOptions()...)

	default:
		return nil, fmt.Errorf("unknown run mode %q", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	run := registration.NewRunRecord(req.Mode, method, source, target, result, time.Since(start))
	a.Store.Add(run)
	log.Printf("Run %s (%s): fitness=%.4f rmse=%.6f correspondences=%d iterations=%d converged=%v",
		run.ID, run.Mode, result.Fitness, result.InlierRMSE, result.CorrespondenceSet.Len(),
		result.Iterations, result.Converged)

	if a.Publisher != nil {
		if err := a.Publisher.PublishRun(run); err != nil {
			log.Printf("Error publishing run %s: %v", run.ID, err)
		}
	}
	return run, nil
}

// withNormals returns a copy of target with estimated normals so that
// point-to-plane ICP can run on clouds loaded without them.
func (a *App) withNormals(target *registration.PointCloud) (*registration.PointCloud, error) {
	k := a.Config.Registration.NormalNeighbors
	log.Printf("Target has no normals, estimating from %d neighbors", k)
	withNormals := target.Clone()
	if err := withNormals.EstimateNormals(k); err != nil {
		return nil, fmt.Errorf("estimating target normals: %w", err)
	}
	return withNormals, nil
}

// loadClouds reads the source and target files named on the command line
// in parallel.
func (a *App) loadClouds() (source, target *registration.PointCloud, err error) {
	if a.SourcePath == "" || a.TargetPath == "" {
		return nil, nil, errors.New("both --source and --target are required")
	}
	rc := a.Config.Registration
	var g errgroup.Group
	g.Go(func() error {
		pc, err := registration.ReadPointCloud(a.SourcePath, rc.ParsedDtype(), rc.ParsedDevice())
		if err != nil {
			return fmt.Errorf("loading source %s: %w", a.SourcePath, err)
		}
		source = pc
		return nil
	})
	g.Go(func() error {
		pc, err := registration.ReadPointCloud(a.TargetPath, rc.ParsedDtype(), rc.ParsedDevice())
		if err != nil {
			return fmt.Errorf("loading target %s: %w", a.TargetPath, err)
		}
		target = pc
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(a.Out, "Source: %s (%d points, %s)\n", a.SourcePath, source.Len(), source.Dtype())
	fmt.Fprintf(a.Out, "Target: %s (%d points, %s)\n", a.TargetPath, target.Len(), target.Dtype())
	return source, target, nil
}

// loadInit reads the --init transform, if any.
func (a *App) loadInit() (*registration.Transformation, error) {
	if a.InitFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(a.InitFile)
	if err != nil {
		return nil, fmt.Errorf("reading init transform: %w", err)
	}
	var t registration.Transformation
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing init transform %s: %w", a.InitFile, err)
	}
	return &t, nil
}

// RunEvaluate scores the initial transform once.
func (a *App) RunEvaluate() error {
	return a.runOnce(registration.ModeEvaluate)
}

// RunICP refines the initial transform with ICP.
func (a *App) RunICP() error {
	return a.runOnce(registration.ModeICP)
}

// RunMultiScale refines the initial transform with the configured stages.
func (a *App) RunMultiScale() error {
	return a.runOnce(registration.ModeMultiScale)
}

func (a *App) runOnce(mode string) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	source, target, err := a.loadClouds()
	if err != nil {
		return err
	}
	init, err := a.loadInit()
	if err != nil {
		return err
	}

	if a.MqttMode {
		if err := a.startMQTT(); err != nil {
			return err
		}
		defer a.MQTTClient.Disconnect()
		if !a.waitForMQTT(5 * time.Second) {
			log.Printf("Warning: MQTT not connected, result will not be published")
		}
	}

	run, err := a.execute(source, target, runRequest{Mode: mode, Init: init})
	if err != nil {
		return err
	}
	a.printRun(run)
	return a.exportRun(run)
}

func (a *App) printRun(run *registration.RunRecord) {
	r := run.Result
	fmt.Fprintf(a.Out, "\n=== %s ===\n", run.Mode)
	fmt.Fprintf(a.Out, "Run ID: %s\n", run.ID)
	if run.Method != "" {
		fmt.Fprintf(a.Out, "Method: %s\n", run.Method)
	}
	fmt.Fprintf(a.Out, "Fitness: %.6f\n", r.Fitness)
	fmt.Fprintf(a.Out, "Inlier RMSE: %.6g\n", r.InlierRMSE)
	fmt.Fprintf(a.Out, "Correspondences: %d\n", r.CorrespondenceSet.Len())
	if run.Mode != registration.ModeEvaluate {
		fmt.Fprintf(a.Out, "Iterations: %d (converged: %v)\n", r.Iterations, r.Converged)
	}
	fmt.Fprintf(a.Out, "Elapsed: %v\n", run.Duration)
	fmt.Fprintln(a.Out, "Transformation:")
	for _, row := range r.Transformation.Rows() {
		fmt.Fprintf(a.Out, "  % .6f % .6f % .6f % .6f\n", row[0], row[1], row[2], row[3])
	}
}

// exportRun writes the --render and --geojson outputs.
func (a *App) exportRun(run *registration.RunRecord) error {
	if a.RenderPath == "" && a.GeoJSONPath == "" {
		return nil
	}
	proj, err := registration.ParseProjection(a.Projection)
	if err != nil {
		return err
	}
	if a.RenderPath != "" {
		if err := registration.SaveOverlay(a.RenderPath, run, proj); err != nil {
			return fmt.Errorf("rendering overlay: %w", err)
		}
		fmt.Fprintf(a.Out, "Saved overlay to %s\n", a.RenderPath)
	}
	if a.GeoJSONPath != "" {
		fc, err := registration.RunToFeatureCollection(run, registration.GeoJSONOptions{Projection: proj})
		if err != nil {
			return fmt.Errorf("building GeoJSON: %w", err)
		}
		data, err := json.MarshalIndent(fc, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding GeoJSON: %w", err)
		}
		if err := os.WriteFile(a.GeoJSONPath, data, 0644); err != nil {
			return fmt.Errorf("writing GeoJSON: %w", err)
		}
		fmt.Fprintf(a.Out, "Saved GeoJSON to %s\n", a.GeoJSONPath)
	}
	return nil
}

// startMQTT connects to the configured broker and attaches a publisher.
func (a *App) startMQTT() error {
	client := registration.ConnectMQTT(a.Config.MQTT)
	if client == nil {
		return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
	}
	a.MQTTClient = client
	a.Publisher = registration.NewPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix)
	fmt.Fprintf(a.Out, "MQTT publisher initialized (prefix %s)\n", a.Publisher.Prefix())
	return nil
}

func (a *App) waitForMQTT(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.MQTTClient.IsConnected() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return a.MQTTClient.IsConnected()
}

// RunService serves registrations over HTTP until interrupted, publishing
// every run over MQTT when enabled.
func (a *App) RunService() error {
	fmt.Fprintln(a.Out, "Starting meshreg service...")
	if err := a.loadConfig(); err != nil {
		return err
	}
	if !a.HttpMode {
		return errors.New("--mqtt without --http has nothing to publish; add --http or a one-shot mode")
	}

	if a.MqttMode {
		if err := a.startMQTT(); err != nil {
			return err
		}
		defer a.MQTTClient.Disconnect()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.HTTP.Port),
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(a.Out, "HTTP server starting on %s\n", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.Config.HTTP.Port)
	fmt.Fprintln(a.Out, "  GET  /health                     - Health check")
	fmt.Fprintln(a.Out, "  POST /evaluate                   - Score a transform")
	fmt.Fprintln(a.Out, "  POST /register                   - Run ICP or multi-scale ICP")
	fmt.Fprintln(a.Out, "  GET  /results                    - Recent runs")
	fmt.Fprintln(a.Out, "  GET  /results/{id}               - Full run result")
	fmt.Fprintln(a.Out, "  GET  /results/{id}/overlay.svg   - Vector overlay")
	fmt.Fprintln(a.Out, "  GET  /results/{id}/preview.png   - Raster preview")
	fmt.Fprintln(a.Out, "  GET  /results/{id}/geojson       - Top-down GeoJSON")
	if a.Publisher != nil {
		fmt.Fprintf(a.Out, "\nMQTT: publishing to %s/results/{id} and %s/latest\n", a.Publisher.Prefix(), a.Publisher.Prefix())
	}
	fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	case <-ctx.Done():
	}

	fmt.Fprintln(a.Out, "\nShutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	fmt.Fprintln(a.Out, "Service stopped")
	return nil
}
