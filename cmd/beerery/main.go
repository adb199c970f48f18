package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/src-d/go-billy.v4/osfs"

	"beerery/internal/config"
	"beerery/internal/controller"
	"beerery/internal/gpio"
	"beerery/internal/metrics"
	"beerery/internal/program"
	"beerery/internal/telemetry"
	"beerery/internal/web"
)

type options struct {
	configDir string
	stateDir  string
	gpio      string
	listen    string
	accessLog bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("beerery", flag.ContinueOnError)
	fs.StringVar(&opts.configDir, "config", "./config", "Directory holding controller.yaml, inputs.yaml, outputs.yaml and the optional logs.yaml and programs.yaml")
	fs.StringVar(&opts.stateDir, "state", "", "State directory (overrides controller.state_dir)")
	fs.StringVar(&opts.gpio, "gpio", "", "GPIO backend: gpiocdev, rpio or sim (overrides controller.gpio_backend)")
	fs.StringVar(&opts.listen, "listen", "", "Web listen address (overrides controller.web.listen and enables the web UI)")
	fs.BoolVar(&opts.accessLog, "access-log", false, "Log every HTTP request")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("%v", err)
	}

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logs); err != nil {
		log.Fatalf("beerery: %v", err)
	}
	log.Printf("beerery stopped")
}

func run(ctx context.Context, opts options, logs *web.LogBuffer) error {
	store := config.OpenDir(opts.configDir)
	cfg, err := store.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	backend := cfg.Controller.GPIOBackend
	if opts.gpio != "" {
		backend = opts.gpio
	}
	pins, err := gpio.Open(backend)
	if err != nil {
		return fmt.Errorf("gpio init failed: %w", err)
	}
	defer pins.Close()

	stateDir := opts.stateDir
	if stateDir == "" {
		stateDir = cfg.Controller.StateDir
		if !filepath.IsAbs(stateDir) {
			stateDir = filepath.Join(opts.configDir, stateDir)
		}
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}

	m := metrics.New()
	programs := program.NewRunner(store)
	programs.OnStep = m.ProgramStep

	sources := controller.NewHardwareSources()
	defer sources.Close()

	stream := web.NewBroadcaster()
	runID := uuid.NewString()
	o, err := controller.New(controller.Options{
		Store:       store,
		Pins:        pins,
		Sources:     sources,
		State:       telemetry.NewStateFiles(osfs.New(stateDir)),
		RunID:       runID,
		Metrics:     m,
		Programs:    programs,
		OnIteration: stream.Publish,
	})
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(store.Filesystem(), time.Second)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx, o.Invalidate); err != nil {
		return err
	}
	defer watcher.Close()

	log.Printf("beerery starting run=%s config=%s state=%s gpio=%s", runID, opts.configDir, stateDir, backend)

	g, gctx := errgroup.WithContext(ctx)
	listen := cfg.Controller.Web.Listen
	if opts.listen != "" {
		listen = opts.listen
	}
	if cfg.Controller.Web.Enable || opts.listen != "" {
		var accessLog io.Writer
		if opts.accessLog {
			accessLog = log.Writer()
		}
		h := web.Handler(web.Deps{
			Controller: o,
			Outputs:    store,
			Watcher:    watcher,
			Logs:       logs,
			Stream:     stream,
			Metrics:    m,
		})
		g.Go(func() error {
			log.Printf("web listening on %s", listen)
			if err := web.Serve(gctx, listen, h, accessLog); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("web: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return o.Run(gctx)
	})
	return g.Wait()
}
