package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/facescan/internal/assets"
	"github.com/andresmejia3/facescan/internal/engine"
	"github.com/andresmejia3/facescan/internal/scan"
	"github.com/andresmejia3/facescan/internal/scheduler"
	"github.com/andresmejia3/facescan/internal/store"
	"github.com/andresmejia3/facescan/internal/thumbnail"
	"github.com/andresmejia3/facescan/internal/types"
	"github.com/andresmejia3/facescan/internal/utils"
	"github.com/andresmejia3/facescan/internal/worker"
)

const remoteFetchTimeout = 30 * time.Second

// Options holds the scan command's inputs that are not part of the config file.
type Options struct {
	InputPath    string
	ManifestPath string
	Size         int
}

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Detect faces in every image of a collection",
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("size") {
			Cfg.Scan.TargetWidth = scanOpts.Size
			Cfg.Scan.TargetHeight = scanOpts.Size
		}
		runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	flags := scanCmd.Flags()
	flags.StringVarP(&scanOpts.InputPath, "input", "i", "", "Directory of images to scan")
	flags.StringVarP(&scanOpts.ManifestPath, "manifest", "m", "", "File listing extra image paths or http(s) URLs, one per line")
	flags.IntVarP(&scanOpts.Size, "size", "s", 500, "Decode images to fit inside SIZE x SIZE before detection (0 keeps the original)")
	flags.StringP("engine", "e", "cascade", "Detection backend: cascade, landmark or remote")
	flags.IntP("workers", "w", scheduler.DefaultMaxConcurrent, "Number of images processed concurrently")
	flags.Bool("allow-network", false, "Allow fetching remote images listed in the manifest")
	flags.StringP("thumbnails", "t", "", "Save a JPEG crop of every detected face under this directory")
	flags.Bool("persist", false, "Store the session and its results in PostgreSQL")

	v.BindPFlag("scan.engine", flags.Lookup("engine"))
	v.BindPFlag("scan.workers", flags.Lookup("workers"))
	v.BindPFlag("scan.allow_network", flags.Lookup("allow-network"))
	v.BindPFlag("scan.thumbnails", flags.Lookup("thumbnails"))
	v.BindPFlag("scan.persist", flags.Lookup("persist"))

	rootCmd.AddCommand(scanCmd)
}

// runScan wires the asset library, engines, scheduler and coordinator, then
// streams results into the progress bar, the store and the thumbnail writer.
func runScan(ctx context.Context, opts Options) {
	if opts.InputPath == "" && opts.ManifestPath == "" {
		utils.Die("Nothing to scan", fmt.Errorf("pass --input and/or --manifest"), nil)
	}
	if opts.InputPath != "" {
		if info, err := os.Stat(opts.InputPath); err != nil || !info.IsDir() {
			utils.Die("Input must be a directory", err, nil)
		}
	}

	kind := Cfg.EngineKind()
	target := types.Size{Width: Cfg.Scan.TargetWidth, Height: Cfg.Scan.TargetHeight}

	library := assets.NewLibrary(opts.InputPath, opts.ManifestPath, &http.Client{Timeout: remoteFetchTimeout}, Logger)
	engines := engine.NewService(engine.Options{
		Cascade:  detectorFactory(engine.KindCascade, Cfg.Engines.Cascade.Command),
		Landmark: detectorFactory(engine.KindLandmark, Cfg.Engines.Landmark.Command),
		Remote:   Cfg.RemoteOptions(),
		Logger:   Logger,
	})
	defer engines.Close()

	coord := scan.NewCoordinator(scan.Deps{
		Enumerator: library,
		Images:     library,
		Engines:    engines,
		Scheduler:  scheduler.New(Cfg.Scan.Workers, Logger),
		Logger:     Logger,
		Tracer:     otel.Tracer("github.com/andresmejia3/facescan/scan"),
	})
	defer coord.Close()

	if Cfg.Scan.Persist {
		if err := connectDB(ctx); err != nil {
			utils.Die("Database unavailable", err, nil)
		}
	}

	var thumbs *thumbnail.Writer
	if Cfg.Scan.Thumbnails != "" {
		thumbs = thumbnail.NewWriter(Cfg.Scan.Thumbnails, library, Cfg.Scan.AllowNetwork, Logger)
	}

	fmt.Fprintf(os.Stderr, "🔍 Engine: %s | Workers: %d | Target: %dx%d\n", kind, Cfg.Scan.Workers, target.Width, target.Height)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🔍 facescan"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
	)

	results := make(chan types.Result, Cfg.Scan.Workers*2)
	started := time.Now()
	session := coord.StartScan(scan.Options{
		Engine:       kind,
		TargetSize:   target,
		AllowNetwork: Cfg.Scan.AllowNetwork,
	}, func(r types.Result) {
		results <- r
	})

	agg := &aggregator{
		sessionID: session.ID(),
		source:    opts.source(),
		engine:    kind.String(),
		started:   started,
		library:   library,
		db:        DB,
		thumbs:    thumbs,
		bar:       bar,
		out:       os.Stdout,
	}

	var g errgroup.Group
	g.Go(func() error {
		return agg.run(results)
	})
	g.Go(func() error {
		<-session.Enqueued()
		if total := session.Total(); total > 0 {
			bar.ChangeMax(total)
		}
		return nil
	})
	g.Go(func() error {
		defer close(results)
		stop := context.AfterFunc(ctx, func() {
			fmt.Fprintf(os.Stderr, "\n🛑 Interrupt received, cancelling scan...\n")
			coord.CancelScan()
		})
		defer stop()
		return session.Wait(context.Background())
	})

	persistErr := g.Wait()
	bar.Finish()

	if err := session.Err(); err != nil {
		utils.Die("Scan failed", err, nil)
	}

	agg.summary.Cancelled = session.Cancelled()
	if DB != nil {
		if err := DB.FinishSession(context.Background(), session.ID(), agg.summary.record()); err != nil {
			Logger.Warn("failed to finish session", "session_id", session.ID(), "err", err)
		}
	}
	agg.summary.Report(os.Stderr, time.Since(started))

	if persistErr != nil {
		utils.Die("Some results could not be saved", persistErr, nil)
	}
}

func (o Options) source() string {
	switch {
	case o.InputPath != "" && o.ManifestPath != "":
		return o.InputPath + " + " + o.ManifestPath
	case o.InputPath != "":
		return o.InputPath
	default:
		return o.ManifestPath
	}
}

// detectorFactory starts the native detector process for kind on first use.
func detectorFactory(kind engine.Kind, command []string) engine.DetectorFactory {
	return func() (engine.Detector, error) {
		d, err := worker.NewDetector(kind.String(), command)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// aggregator consumes delivered results on a single goroutine. It owns the
// store connection for the duration of the scan.
type aggregator struct {
	sessionID string
	source    string
	engine    string
	started   time.Time

	library *assets.Library
	db      *store.Store
	thumbs  *thumbnail.Writer
	bar     *progressbar.ProgressBar
	out     io.Writer

	summary scanSummary
}

// run drains results until the channel closes. Persistence failures are
// counted and the first one returned; they never stop the drain, because
// the delivery lane blocks until every result is consumed.
func (a *aggregator) run(results <-chan types.Result) error {
	ctx := context.Background()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.db != nil {
		if err := a.db.CreateSession(ctx, a.sessionID, a.engine, a.source, a.started); err != nil {
			keep(fmt.Errorf("failed to create session: %w", err))
			a.db = nil
		}
	}

	for r := range results {
		a.bar.Add(1)
		a.summary.Add(r)

		location := r.Identifier()
		if asset, ok := a.library.Lookup(r.Identifier()); ok {
			location = asset.Location
		}
		a.bar.Clear()
		fmt.Fprintln(a.out, formatResult(location, r))

		if a.db != nil {
			if err := a.db.InsertResult(ctx, a.sessionID, location, r); err != nil {
				Logger.Warn("failed to persist result", "asset_id", r.Identifier(), "err", err)
				keep(err)
			}
		}
		if a.thumbs != nil {
			if _, err := a.thumbs.Write(ctx, r); err != nil {
				Logger.Warn("failed to write thumbnails", "asset_id", r.Identifier(), "err", err)
			}
		}
	}
	return firstErr
}

func formatResult(location string, r types.Result) string {
	elapsed := r.Elapsed().Round(time.Millisecond)
	if _, ok := r.Faces(); !ok {
		return fmt.Sprintf("❌ %s: %v (%s)", location, r.Err(), elapsed)
	}
	return fmt.Sprintf("✅ %s: %d face(s) (%s)", location, r.FaceCount(), elapsed)
}

// scanSummary accumulates the end-of-scan report.
type scanSummary struct {
	mu        sync.Mutex
	Photos    int
	Faces     int
	Errors    int
	Cancelled bool
}

// Add counts one delivered result.
func (s *scanSummary) Add(r types.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Photos++
	s.Faces += r.FaceCount()
	if r.Err() != nil {
		s.Errors++
	}
}

func (s *scanSummary) record() store.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Summary{Total: s.Photos, Faces: s.Faces, Errors: s.Errors, Cancelled: s.Cancelled}
}

// Report writes the summary table.
func (s *scanSummary) Report(w io.Writer, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secs := elapsed.Seconds()
	rate := func(n int) float64 {
		if secs <= 0 {
			return 0
		}
		return float64(n) / secs
	}

	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 SCAN SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	if s.Cancelled {
		fmt.Fprintf(w, "🛑 Scan cancelled before completion\n")
	}
	fmt.Fprintf(w, "Photos:   %d\n", s.Photos)
	fmt.Fprintf(w, "Faces:    %d\n", s.Faces)
	fmt.Fprintf(w, "Errors:   %d\n", s.Errors)
	fmt.Fprintf(w, "Elapsed:  %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Photos/s: %.2f\n", rate(s.Photos))
	fmt.Fprintf(w, "Faces/s:  %.2f\n", rate(s.Faces))
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}
