package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kwv/tudolapse/stabilize"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *stabilize.Config
	Store      *stabilize.Store
	Tracker    *stabilize.StateTracker
	Processor  *stabilize.Processor
	Publisher  *stabilize.Publisher
	MQTTClient *stabilize.MQTTClient
	Hub        *stabilize.Hub

	// CLI flags
	DataDir    string
	ConfigFile string
	HTTPPort   int

	queue   chan *stabilize.FrameJob
	workers sync.WaitGroup

	newMQTTClient func(stabilize.MQTTConfig, stabilize.JobHandler) *stabilize.MQTTClient
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Tracker:       stabilize.NewStateTracker(),
		DataDir:       ".",
		ConfigFile:    "config.yaml",
		newMQTTClient: stabilize.NewMQTTClient,
	}
}

// resolve makes p relative to the data dir unless it is absolute
func (a *App) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || a.DataDir == "." || a.DataDir == "" {
		return p
	}
	return filepath.Join(a.DataDir, p)
}

// LoadConfig reads the config file. A missing file falls back to defaults
// so one-off runs need no setup.
func (a *App) LoadConfig() error {
	path := a.resolve(a.ConfigFile)
	config, err := stabilize.LoadConfig(path)
	if err != nil {
		if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
			return fmt.Errorf("failed to load config %s: %w", path, err)
		}
		log.Printf("No config at %s, using defaults", path)
		config = stabilize.DefaultConfig()
		config.ApplyEnv()
		if err := config.Validate(); err != nil {
			return err
		}
	} else {
		log.Printf("Loaded config from %s", path)
	}
	a.Config = config
	return nil
}

// Setup opens the store and builds the processor. LoadConfig must run first.
func (a *App) Setup(sink stabilize.ProgressSink) error {
	store, err := stabilize.OpenStore(a.resolve(a.Config.Storage.Path))
	if err != nil {
		return err
	}
	a.Store = store

	var detector stabilize.Detector
	if a.Config.Jobs.PigoCascade != "" {
		d, err := stabilize.LoadPigoDetector(a.resolve(a.Config.Jobs.PigoCascade), a.resolve(a.Config.Jobs.PuplocCascade))
		if err != nil {
			return err
		}
		detector = d
	}

	a.Processor = stabilize.NewProcessor(a.Config, detector, a.Store, a.Publisher, a.Tracker, sink)
	a.Processor.OutputDir = a.resolve(a.Config.Output.Dir)
	return nil
}

// Close releases the store and the MQTT connection
func (a *App) Close() {
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if err := a.Store.Close(); err != nil {
		log.Printf("[STORE] Error closing: %v", err)
	}
}

// CollectJobs expands files and directories into parsed jobs
func CollectJobs(paths []string) ([]*stabilize.FrameJob, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := stabilize.ExistingJobs(p)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	jobs := make([]*stabilize.FrameJob, 0, len(files))
	for _, f := range files {
		job, err := stabilize.LoadFrameJob(f)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RunStabilize processes job files once and prints a summary
func (a *App) RunStabilize(ctx context.Context, paths []string, mode stabilize.Mode) error {
	jobs, err := CollectJobs(paths)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no job manifests found in %v", paths)
	}
	if mode != "" {
		for _, job := range jobs {
			job.Mode = mode
		}
	}

	items := a.Processor.ProcessBatch(ctx, jobs)

	fmt.Println("\nResults")
	fmt.Println("=======")
	failed := 0
	for _, it := range items {
		switch {
		case it.Result == nil:
			fmt.Printf("  %-24s ERROR %v\n", it.Job.FrameID, it.Err)
		default:
			r := it.Result
			status := "ok"
			if r.Failed {
				status = "FAILED"
			}
			fmt.Printf("  %-24s %-9s %7.2f -> %7.2f  passes=%-2d %-15s %s\n",
				r.FrameID, r.ContentType, r.InitialScore.Value, r.FinalScore.Value, r.Passes, r.StopReason, status)
		}
		if stabilize.IsJobError(it.Err) {
			failed++
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs returned errors", failed, len(items))
	}
	return nil
}

// Enqueue hands a job to the service workers
func (a *App) Enqueue(job *stabilize.FrameJob) error {
	if a.queue == nil {
		return errors.New("service not running")
	}
	select {
	case a.queue <- job:
		log.Printf("[JOB] Queued frame %s", job.FrameID)
		return nil
	default:
		return fmt.Errorf("job queue full, dropping frame %s", job.FrameID)
	}
}

func (a *App) startWorkers(ctx context.Context) {
	a.queue = make(chan *stabilize.FrameJob, 64)
	for i := 0; i < a.Config.Jobs.Workers; i++ {
		a.workers.Add(1)
		go func() {
			defer a.workers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-a.queue:
					// errors are recorded by the tracker
					_, _ = a.Processor.Process(ctx, job)
				}
			}
		}()
	}
}

// ServiceOptions selects the intake surfaces of RunService
type ServiceOptions struct {
	HTTP  bool
	MQTT  bool
	Watch bool
}

// RunService runs the intake surfaces until ctx is done
func (a *App) RunService(ctx context.Context, opts ServiceOptions) error {
	fmt.Println("Starting tudolapse service...")

	a.Hub = stabilize.NewHub()
	go a.Hub.Run(ctx)

	if opts.MQTT {
		a.MQTTClient = a.newMQTTClient(a.Config.MQTT, func(job *stabilize.FrameJob, err error) {
			if err != nil {
				return
			}
			if qerr := a.Enqueue(job); qerr != nil {
				log.Printf("[MQTT] %v", qerr)
			}
		})
		if a.MQTTClient != nil {
			a.Publisher = stabilize.NewPublisher(a.MQTTClient.Client(), a.Config.MQTT)
		}
	}

	if err := a.Setup(a.Hub); err != nil {
		return err
	}
	// the queue must exist before any intake can deliver a job
	a.startWorkers(ctx)
	if a.MQTTClient != nil {
		a.MQTTClient.Start(ctx)
	}

	if opts.Watch {
		dir := a.resolve(a.Config.Jobs.Dir)
		watcher, err := stabilize.NewJobWatcher(dir, func(path string) {
			job, err := stabilize.LoadFrameJob(path)
			if err != nil {
				log.Printf("[WATCH] Skipping %s: %v", path, err)
				return
			}
			if err := a.Enqueue(job); err != nil {
				log.Printf("[WATCH] %v", err)
			}
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	var server *http.Server
	if opts.HTTP {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HTTPPort),
			Handler:           newHTTPServer(a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
			}
		}()
	}

	a.printServiceInfo(opts)
	<-ctx.Done()

	fmt.Println("\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
	a.workers.Wait()
	fmt.Println("Service stopped")
	return nil
}

func (a *App) printServiceInfo(opts ServiceOptions) {
	fmt.Println("\nService Running")
	fmt.Println("===============")
	if a.MQTTClient != nil {
		prefix := a.Config.MQTT.PublishPrefix
		fmt.Println("\nMQTT:")
		fmt.Printf("  Job topic: %s\n", a.Config.MQTT.JobTopic)
		fmt.Printf("  Progress: %s/progress/{frameId}\n", prefix)
		fmt.Printf("  Results: %s/results/{frameId} (%s)\n", prefix, a.Config.MQTT.Encoding)
	}
	if opts.Watch {
		fmt.Printf("\nWatching: %s\n", a.resolve(a.Config.Jobs.Dir))
	}
	if opts.HTTP {
		fmt.Printf("\nHTTP endpoints (port %d):\n", a.HTTPPort)
		fmt.Println("  GET  /health                       - Health check")
		fmt.Println("  GET  /results                      - Stored result summaries")
		fmt.Println("  GET  /results/{frameId}            - Full result")
		fmt.Println("  GET  /results/{frameId}/overlay.svg - Diagnostic overlay (svg or png)")
		fmt.Println("  GET  /frames                       - Live frame states")
		fmt.Println("  GET  /progress                     - Progress websocket")
		fmt.Println("  POST /jobs                         - Submit a frame job")
	}
	fmt.Println("\nPress Ctrl+C to stop")
}

// RunRender writes the overlay of a stored result
func (a *App) RunRender(frameID, format, output string) (string, error) {
	result, err := a.Store.GetResult(frameID)
	if err != nil {
		return "", err
	}
	renderer := stabilize.NewOverlayRenderer(result)
	if output == "" {
		return stabilize.WriteOverlay(a.resolve(a.Config.Output.Dir), renderer, format)
	}

	f, err := os.Create(output)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if format == "png" {
		err = renderer.RenderToPNG(f)
	} else {
		err = renderer.RenderToSVG(f)
	}
	return output, err
}

// RunList prints stored results, newest first
func (a *App) RunList(limit int) error {
	results, err := a.Store.ListResults(limit)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%-24s %-9s %-4s %7.2f passes=%-2d %-15s failed=%v\n",
			r.FrameID, r.ContentType, r.Mode, r.FinalScore, r.Passes, r.StopReason, r.Failed)
	}

	counts, err := a.Store.FailureCounts()
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		fmt.Println("\nPass failures:")
		for _, k := range kinds {
			fmt.Printf("  %-22s %d\n", k, counts[k])
		}
	}
	return nil
}
