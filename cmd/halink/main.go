// Halink bridges Home Assistant sensor telemetry to an IoT cloud
// platform over MQTT.
//
// It discovers HA entities for the configured sub-devices, pushes
// their converted values upstream on a fixed cadence, executes
// downlink switch commands against HA, and serves a local status API.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	halink serve             Start the gateway
//	halink init [dir]        Initialize a working directory with defaults
//	halink discover          Run entity discovery once and print the bindings
//	halink version           Print version and build information
//	halink -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nugget/halink/internal/buildinfo"
	"github.com/nugget/halink/internal/cloud"
	"github.com/nugget/halink/internal/collector"
	"github.com/nugget/halink/internal/config"
	"github.com/nugget/halink/internal/connwatch"
	"github.com/nugget/halink/internal/discovery"
	"github.com/nugget/halink/internal/events"
	"github.com/nugget/halink/internal/gateway"
	"github.com/nugget/halink/internal/homeassistant"
	"github.com/nugget/halink/internal/journal"
	"github.com/nugget/halink/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the halink command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the
//     program name. We parse these manually rather than using the flag
//     package to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) is responsible for printing the error and
// exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// A .env next to the binary supplies HA_TOKEN and the broker
	// credentials during development; missing files are fine.
	_ = godotenv.Load()

	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "discover":
		return runDiscover(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Halink - Home Assistant to IoT platform gateway")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: halink [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the gateway")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  discover     Run entity discovery once and print the bindings")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/halink/config.yaml, /etc/halink/config.yaml")
	return nil
}

// runDiscover handles the "halink discover" subcommand: it runs entity
// discovery once against the live HA instance and prints each device's
// property bindings. Useful for validating a config before enabling
// the push loop.
func runDiscover(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	if err := ha.Ping(ctx); err != nil {
		return fmt.Errorf("home assistant not reachable: %w", err)
	}

	matcher := discovery.NewMatcher(ha, cfg.EnabledDevices(), logger)
	matched, err := matcher.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	ids := make([]string, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		md := matched[id]
		fmt.Fprintf(stdout, "%s (%s)\n", id, md.Config.Type)
		if len(md.Sensors) == 0 {
			fmt.Fprintln(stdout, "  no entities matched")
			continue
		}
		props := make([]string, 0, len(md.Sensors))
		for prop := range md.Sensors {
			props = append(props, prop)
		}
		sort.Strings(props)
		for _, prop := range props {
			fmt.Fprintf(stdout, "  %-8s %s\n", prop, md.Sensors[prop])
		}
	}
	return nil
}

// runServe handles the "halink serve" subcommand: the full gateway.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting halink",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. LOG_LEVEL from the environment wins over the config file;
	// the resolved token is re-exported for child tooling.
	levelToken := config.EffectiveLevelToken(cfg.LogLevel)
	if err := config.ExportLevel(levelToken); err != nil {
		logger.Warn("failed to export log level", "error", err)
	}
	level, _ := config.ParseLogLevel(config.NormalizeLevelToken(levelToken))
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"devices", len(cfg.EnabledDevices()),
		"push_interval", cfg.Gateway.PushInterval(),
		"broker", cfg.Cloud.BrokerURL(),
	)

	// --- Data directory ---
	// The journal (last pushes, command audit trail) lives here.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "halink.db")
	jnl, err := journal.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", dbPath, err)
	}
	defer jnl.Close()
	logger.Info("journal opened", "path", dbPath)

	// --- Event bus ---
	// Operational events flow from the gateway, discovery, and the
	// cloud session to the status server's recent-events ring.
	bus := events.New()

	// --- Home Assistant clients ---
	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	haWS := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

	// --- Signal handling ---
	// NotifyContext wraps the parent context so SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Cloud session ---
	// The command handler is bound after the gateway exists; the
	// session only needs it once a connection is up.
	var gw *gateway.Gateway
	session := cloud.NewSession(cfg.Cloud, func(cmdCtx context.Context, pk, dn string, cmd cloud.SetCommand) {
		if gw != nil {
			gw.HandleCommand(cmdCtx, pk, dn, cmd)
		}
	}, logger)

	// --- Gateway ---
	matcher := discovery.NewMatcher(ha, cfg.EnabledDevices(), logger)
	coll := collector.New(ha, logger)
	gw = gateway.New(cfg, ha, session, matcher, coll, jnl, bus, logger)

	// --- Connection resilience ---
	// Background health monitoring with exponential backoff for both
	// external dependencies. HA recovery also re-establishes the
	// WebSocket and its state_changed subscription.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	subscribed := false
	haWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "homeassistant",
		Probe:   func(pCtx context.Context) error { return ha.Ping(pCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			wsCtx, wsCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer wsCancel()
			if err := haWS.Reconnect(wsCtx); err != nil {
				logger.Error("websocket reconnect failed", "error", err)
				return
			}
			if !subscribed {
				if err := haWS.Subscribe(wsCtx, "state_changed"); err != nil {
					logger.Error("subscribe to state_changed failed", "error", err)
					return
				}
				subscribed = true
			}
		},
		OnDown: func(err error) {
			logger.Warn("home assistant became unreachable", "error", err)
		},
	})
	ha.SetWatcher(haWatcher)

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("cloud session: %w", err)
	}

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "cloud",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return session.AwaitConnection(awaitCtx)
		},
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	// --- State watcher ---
	// Event-driven switch state reports. Only entities belonging to
	// controllable devices are watched, rate limited per entity so a
	// flapping relay cannot flood the broker.
	var controlGlobs []string
	for _, dev := range cfg.EnabledDevices() {
		if dev.Type == config.DeviceTypeSwitch || dev.Type == config.DeviceTypeSocket {
			controlGlobs = append(controlGlobs, "switch.*"+dev.EntityPrefix+"*")
		}
	}
	if len(controlGlobs) > 0 {
		filter := homeassistant.NewEntityFilter(controlGlobs, logger)
		limiter := homeassistant.NewEntityRateLimiter(30)
		watcher := homeassistant.NewStateWatcher(haWS.Events(), filter, limiter,
			func(entityID, oldState string, newState *homeassistant.State) {
				if oldState == newState.State {
					return
				}
				gw.ReportSwitchState(ctx, entityID, newState.State)
			}, logger)
		go watcher.Run(ctx)

		// Periodic limiter cleanup so stale entity counters don't
		// accumulate.
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					limiter.Cleanup()
				}
			}
		}()
	}

	// --- Status server ---
	statusSrv := web.NewServer(
		fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		gw, jnl, connMgr, logger,
	)
	go statusSrv.CollectEvents(ctx, bus)
	go func() {
		if err := statusSrv.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("status server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish offline status before disconnecting from the broker.
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := session.Stop(offlineCtx); err != nil {
			logger.Error("cloud session shutdown failed", "error", err)
		}

		_ = statusSrv.Shutdown(context.Background())
		_ = haWS.Close()
	}()

	// Run the forwarding loop. This blocks until ctx is cancelled.
	if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Log(ctx, config.LevelCritical, "gateway failed", "error", err)
		return fmt.Errorf("gateway: %w", err)
	}

	logger.Info("halink stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses, and validates the YAML configuration
// file. If explicit is non-empty, that exact path is used (and must
// exist). Otherwise [config.FindConfig] searches the default
// locations. Returns the parsed config, the path that was loaded, and
// any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("validate config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
