package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kv-proxy/pkg/config"
	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/routing"
	"github.com/kv-proxy/pkg/server"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"
)

const appHelp = `Key/value command proxy serving TCP and UDP clients on one port.

Legacy form is also accepted:
  kv-proxy -port <port> -server <address> <port> [-server <address> <port> ...]`

// cliFlags holds parsed flags and which of them the user actually set.
type cliFlags struct {
	configFile    *string
	envFile       *string
	port          *int
	servers       *[]string
	listenAddress *string
	telemetryPath *string
	logLevel      *string

	set map[string]bool
}

func newApp() (*kingpin.Application, *cliFlags) {
	app := kingpin.New("kv-proxy", appHelp)
	f := &cliFlags{set: make(map[string]bool)}
	mark := func(name string) kingpin.Action {
		return func(*kingpin.ParseContext) error {
			f.set[name] = true
			return nil
		}
	}

	f.configFile = app.Flag("config.file", "Path to configuration file.").String()
	f.envFile = app.Flag("env.file", "Dotenv file loaded before environment overrides.").Default(".env").String()
	f.port = app.Flag("port", "Port to serve on, TCP and UDP.").Action(mark("port")).Int()
	f.servers = app.Flag("server", "Backend as host:port, or a comma-separated list. Repeatable; later servers win key collisions.").Action(mark("server")).Strings()
	f.listenAddress = app.Flag("web.listen-address", "Address to listen on for web interface and telemetry, e.g. :9100. Disabled when empty (default).").Action(mark("web.listen-address")).String()
	f.telemetryPath = app.Flag("web.telemetry-path", "Path under which to expose metrics.").Action(mark("web.telemetry-path")).String()
	f.logLevel = app.Flag("log.level", "Log level: debug, info, warn, error.").Action(mark("log.level")).String()
	return app, f
}

// apply overrides cfg with flags given on the command line.
func (f *cliFlags) apply(cfg *config.Config) {
	if f.set["port"] {
		cfg.Proxy.Port = *f.port
	}
	if f.set["server"] {
		cfg.Proxy.Servers = append([]string(nil), (*f.servers)...)
	}
	if f.set["web.listen-address"] {
		cfg.Metrics.ListenAddress = *f.listenAddress
	}
	if f.set["web.telemetry-path"] {
		cfg.Metrics.TelemetryPath = *f.telemetryPath
	}
	if f.set["log.level"] {
		cfg.Log.Level = strings.ToLower(*f.logLevel)
	}
}

// parseConfig builds the effective configuration: defaults < file < env < flags.
func parseConfig(app *kingpin.Application, f *cliFlags, args []string) (*config.Config, error) {
	args, err := config.NormalizeArgs(args)
	if err != nil {
		return nil, err
	}
	if _, err := app.Parse(args); err != nil {
		return nil, err
	}

	if err := godotenv.Load(*f.envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.Logf("[config] no %s file found, using environment variables", *f.envFile)
		} else {
			logging.Warnf("[config] failed to load %s: %v", *f.envFile, err)
		}
	}

	var cfg *config.Config
	if *f.configFile != "" {
		cfg, err = config.LoadConfig(*f.configFile)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	app, flags := newApp()
	cfg, err := parseConfig(app, flags, os.Args[1:])
	if err != nil {
		logging.Flush()
		fmt.Fprintf(os.Stderr, "%s: error: %v\n\n", app.Name, err)
		app.Usage(nil)
		os.Exit(1)
	}

	logging.SetLevel(logging.ParseLevel(cfg.Log.Level))
	logging.Logf("Proxy initialized with ID: %s", logging.GetInstanceID())
	cfg.LogConfiguration()

	backendConfigs, err := cfg.BackendConfigs()
	if err != nil {
		logging.Fatalf("Invalid servers: %v", err)
	}
	backends, err := routing.BuildBackends(backendConfigs)
	if err != nil {
		logging.Fatalf("Invalid servers: %v", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel)
	})

	proxyServer := server.NewProxyServer(cfg, backends, func() {
		logging.Log("QUIT grace period elapsed, shutting down")
		cancel()
	})

	proxyServer.Discover(ctx)
	if err := proxyServer.Listen(); err != nil {
		logging.Fatalf("Proxy listener error: %v", err)
	}

	g.Go(func() error {
		return proxyServer.Serve(ctx)
	})

	if err := g.Wait(); err != nil {
		logging.Errorf("Proxy terminated with error: %v", err)
		logging.Flush()
		os.Exit(1)
	}
	logging.Log("Proxy stopped")
	logging.Flush()
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logging.Logf("Received %s, shutting down gracefully...", sig)
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
