package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/sightline/internal/api"
	"github.com/banshee-data/sightline/internal/config"
	"github.com/banshee-data/sightline/internal/db"
	"github.com/banshee-data/sightline/internal/monitoring"
	"github.com/banshee-data/sightline/internal/timeutil"
	"github.com/banshee-data/sightline/internal/version"
	"github.com/banshee-data/sightline/internal/vision"
	"github.com/banshee-data/sightline/internal/vision/backend"
	"github.com/banshee-data/sightline/internal/vision/fake"
	"github.com/banshee-data/sightline/internal/vision/onnx"
	"github.com/banshee-data/sightline/internal/vision/pipeline"
	"github.com/banshee-data/sightline/internal/vision/source"
	"github.com/banshee-data/sightline/internal/vision/stream"
)

var (
	devMode     = flag.Bool("dev", false, "Run with the synthetic demo detector instead of a model")
	listen      = flag.String("listen", ":8080", "Listen address")
	grpcListen  = flag.String("grpc-listen", "localhost:50051", "gRPC detection stream address (empty disables)")
	configPath  = flag.String("config", "", "Pipeline options JSON file")
	modelPath   = flag.String("model", "", "ONNX model file (overrides model_path in -config)")
	modelDir    = flag.String("model-dir", "", "Directory PATCH /api/options may pick models from (empty disables)")
	ortLib      = flag.String("ort-lib", "", "Path to the onnxruntime shared library")
	framesDir   = flag.String("frames", "", "Directory of images to play as the video source")
	fps         = flag.Float64("fps", 30, "Source playback rate")
	loop        = flag.Bool("loop", true, "Loop the source at the end")
	dbPath      = flag.String("db", "sightline.db", "Journal database file (empty disables the journal)")
	logDiag     = flag.Bool("log-diag", false, "Enable diagnostic pipeline logging")
	logTrace    = flag.Bool("log-trace", false, "Enable per-frame pipeline logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *fps <= 0 {
		log.Fatal("-fps must be positive")
	}

	monitoring.LogTo(os.Stderr, "[sightline] ")
	vision.SetLogWriters(vision.LogWriters{
		Ops:   os.Stderr,
		Diag:  writerIf(*logDiag),
		Trace: writerIf(*logTrace),
	})
	monitoring.Logf("%s", version.Info())

	opts := config.DefaultPipelineOptions()
	if *configPath != "" {
		loaded, err := config.LoadPipelineOptions(*configPath)
		if err != nil {
			log.Fatalf("failed to load options: %v", err)
		}
		opts = opts.Merge(loaded)
	}
	if *modelPath != "" {
		opts.ModelPath = config.String(*modelPath)
	}
	if !*devMode && opts.GetModelPath() == "" {
		log.Fatal("A model is required: pass -model, set model_path in -config, or use -dev")
	}

	src, err := newSource()
	if err != nil {
		log.Fatalf("failed to open frame source: %v", err)
	}

	metrics := monitoring.NewMetrics()
	var ctrl *pipeline.Controller
	var factory backend.Factory
	if *devMode {
		factory = fake.NewFactory().OnAll(fake.Demo())
	} else {
		// The model path is read at each Create so a PATCHed model_path
		// takes effect on the next delegate switch.
		factory = backend.FactoryFunc(func(ctx context.Context, d vision.Delegate) (backend.Detector, error) {
			return onnx.Factory{
				ModelPath:         ctrl.Options().GetModelPath(),
				SharedLibraryPath: *ortLib,
			}.Create(ctx, d)
		})
	}
	ctrl = pipeline.New(opts, factory, pipeline.WithMetrics(metrics))
	ctrl.OnError(func(err error) { monitoring.Logf("pipeline error: %v", err) })
	ctrl.OnStateChange(func(s pipeline.State) { monitoring.Logf("pipeline state: %s", s) })

	var journal *db.DB
	if *dbPath != "" {
		journal, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer journal.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize pipeline: %v", err)
	}
	if err := ctrl.Warmup(ctx); err != nil {
		log.Fatalf("failed to warm up pipeline: %v", err)
	}

	var rec *journalRecorder
	if journal != nil {
		rec, err = startJournal(ctrl, journal, opts)
		if err != nil {
			log.Fatalf("failed to start journal session: %v", err)
		}
		monitoring.Logf("journal session %s", rec.session.ID)
	}

	if *grpcListen != "" {
		cfg := stream.DefaultConfig()
		cfg.ListenAddr = *grpcListen
		pub := stream.NewPublisher(cfg)
		if err := pub.Start(); err != nil {
			monitoring.Logf("detection stream disabled: %v", err)
		} else {
			ctrl.OnResult(func([]vision.Detection, vision.InferenceStats) { pub.Publish(ctrl.Latest()) })
			defer pub.Stop()
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := time.Duration(float64(time.Second) / *fps)
		if err := runFrames(ctx, timeutil.RealClock{}, src, ctrl, interval); err != nil {
			monitoring.Logf("frame loop stopped: %v", err)
		}
		monitoring.Logf("frame loop terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		var j api.Journal
		if journal != nil {
			j = journal
		}
		mux := api.NewServer(ctrl, j, metrics, *modelDir).ServeMux()
		if journal != nil {
			if err := journal.AttachAdminRoutes(mux); err != nil {
				monitoring.Logf("admin routes disabled: %v", err)
			}
		}
		serveHTTP(ctx, &http.Server{Addr: *listen, Handler: api.LoggingMiddleware(mux)})
	}()

	wg.Wait()

	ctrl.WaitSwitches()
	ctrl.Destroy()
	if rec != nil {
		rec.close()
	}
	monitoring.Logf("Graceful shutdown complete")
}

func writerIf(on bool) io.Writer {
	if on {
		return os.Stderr
	}
	return nil
}

func newSource() (source.Source, error) {
	if *framesDir != "" {
		return source.NewDirSource(*framesDir, *fps, *loop)
	}
	if !*devMode {
		return nil, errors.New("-frames is required without -dev")
	}
	return &source.Blank{
		Width:    1280,
		Height:   720,
		Interval: time.Duration(float64(time.Second) / *fps),
		Period:   30 * time.Second,
	}, nil
}

func serveHTTP(ctx context.Context, server *http.Server) {
	go func() {
		monitoring.Logf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("HTTP server routine stopped")
}
