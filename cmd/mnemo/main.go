// Command mnemo runs the packet memory pipeline behind its HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goclaw/mnemo/config"
	"github.com/goclaw/mnemo/pkg/logger"
	"github.com/goclaw/mnemo/pkg/metrics"
	"github.com/goclaw/mnemo/pkg/telemetry/tracing"
	"github.com/goclaw/mnemo/pkg/version"
)

// options are the command line settings. Overrides win over the config
// file and environment.
type options struct {
	configPath string
	watch      bool
	version    bool
	debug      bool

	port     int
	logLevel string
	storage  string
	provider string
}

const usageExamples = `
Examples:
  mnemo                                   run with built-in defaults
  mnemo -config mnemo.yaml -watch         load a file and follow edits to it
  mnemo -storage badger -log-level debug  override single settings
`

func parseFlags(name string, args []string, out io.Writer) (*options, error) {
	var o options
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&o.configPath, "config", "", "configuration file (yaml or json)")
	fs.BoolVar(&o.watch, "watch", false, "apply log level, skip policy and world model threshold edits without a restart")
	fs.BoolVar(&o.version, "version", false, "print version and exit")
	fs.BoolVar(&o.debug, "debug", false, "debug logging and app.debug")
	fs.IntVar(&o.port, "port", 0, "HTTP port")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&o.storage, "storage", "", "storage backend (memory, badger)")
	fs.StringVar(&o.provider, "embedding-provider", "", "embedding provider (hash, ollama, openai)")
	fs.Usage = func() {
		fmt.Fprintf(out, "%s - packet memory pipeline\n\nUsage: %s [options]\n\nOptions:\n", name, name)
		fs.PrintDefaults()
		fmt.Fprint(out, usageExamples)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return &o, nil
}

// overrides maps the set flags to config keys.
func (o *options) overrides() map[string]interface{} {
	m := make(map[string]interface{})
	set := func(key string, v interface{}, ok bool) {
		if ok {
			m[key] = v
		}
	}
	set("server.port", o.port, o.port != 0)
	set("log.level", o.logLevel, o.logLevel != "")
	set("storage.type", o.storage, o.storage != "")
	set("embedding.provider", o.provider, o.provider != "")
	set("app.debug", true, o.debug)
	return m
}

func main() {
	opts, err := parseFlags("mnemo", os.Args[1:], os.Stderr)
	switch {
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	case err != nil:
		os.Exit(2)
	}
	if opts.version {
		fmt.Println(version.String())
		return
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(opts.configPath, opts.overrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "mnemo: %v\n", err)
		os.Exit(1)
	}

	level := logger.ParseLevel(cfg.Log.Level)
	if cfg.App.Debug {
		level = logger.DebugLevel
	}
	log := logger.New(&logger.Config{Level: level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	logger.SetGlobal(log)

	err = run(cfg, loader, opts.watch, log)
	if err != nil {
		log.Error("mnemo exited with error", "error", err)
	}
	_ = log.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, loader *config.Loader, watch bool, log logger.Logger) error {
	log.Info("starting mnemo",
		"version", version.Version,
		"commit", version.GitCommit,
		"built", version.BuildTime,
		"environment", cfg.App.Environment,
	)
	log.Debug("effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flushTraces, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        version.Name,
		Version:     version.Version,
		Environment: cfg.App.Environment,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := flushTraces(fctx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	mm := metrics.NewManager(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
	})
	if mm.Enabled() {
		go func() {
			log.Info("metrics endpoint listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := mm.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	a, err := build(cfg, log, mm)
	if err != nil {
		return err
	}
	serverErr, err := a.start(ctx)
	if err != nil {
		_ = a.close()
		return err
	}

	if watch {
		if stopWatch := watchConfig(ctx, a, cfg, loader, log); stopWatch != nil {
			defer stopWatch()
		}
	}

	log.Info("mnemo is running",
		"http_addr", a.server.Addr(),
		"storage", cfg.Storage.Type,
		"embedding_provider", cfg.Embedding.Provider,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-serverErr:
		log.Error("HTTP server failed", "error", runErr)
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer cancel()
	if err := a.shutdown(sctx); err != nil {
		log.Error("shutdown incomplete", "error", err)
		runErr = errors.Join(runErr, err)
	}
	log.Info("mnemo stopped")
	return runErr
}

// watchConfig follows the loaded config file and applies the hot-reloadable
// settings to a. It returns nil when there is nothing to watch.
func watchConfig(ctx context.Context, a *app, cfg *config.Config, loader *config.Loader, log logger.Logger) func() {
	path := loader.Path()
	if path == "" {
		log.Warn("-watch ignored: no config file loaded")
		return nil
	}
	w, err := config.NewWatcher(path, loader, config.WithLogger(log))
	if err != nil {
		log.Warn("config watcher disabled", "error", err)
		return nil
	}

	var mu sync.Mutex
	current := config.ExtractHotReloadable(cfg)
	w.OnChange(func(next *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		hot := config.ExtractHotReloadable(next)
		a.applyHotReload(current, hot)
		current = hot
	})
	go func() {
		if err := w.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("config watcher stopped", "error", err)
		}
	}()
	return func() {
		if err := w.Stop(); err != nil {
			log.Warn("config watcher stop failed", "error", err)
		}
	}
}
