package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/SimplyPrint/se-broker/internal/api"
	"github.com/SimplyPrint/se-broker/internal/config"
	"github.com/SimplyPrint/se-broker/internal/logging"
	"github.com/SimplyPrint/se-broker/internal/pcsc"
	"github.com/SimplyPrint/se-broker/internal/policy"
	"github.com/SimplyPrint/se-broker/internal/service"
	"github.com/SimplyPrint/se-broker/internal/settings"
	"github.com/SimplyPrint/se-broker/internal/terminal"
	"github.com/SimplyPrint/se-broker/internal/tray"
	"github.com/SimplyPrint/se-broker/internal/welcome"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	flags := pflag.NewFlagSet("se-broker", pflag.ExitOnError)
	versionFlag := flags.Bool("version", false, "Print version information and exit")
	noTrayFlag := flags.Bool("no-tray", false, "Run without system tray (headless mode)")
	cfg.BindFlags(flags)

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "SE Broker - Local secure element access broker\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  se-broker [flags]\n")
		fmt.Fprintf(os.Stderr, "  se-broker <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  install     Install auto-start service\n")
		fmt.Fprintf(os.Stderr, "  uninstall   Remove auto-start service\n")
		fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flags.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables (also read from .env):\n")
		fmt.Fprintf(os.Stderr, "  SE_BROKER_HOST           Host to bind to (default: 127.0.0.1)\n")
		fmt.Fprintf(os.Stderr, "  SE_BROKER_PORT           Port to listen on (default: 32146)\n")
		fmt.Fprintf(os.Stderr, "  SE_BROKER_READERS        Comma separated reader names to broker\n")
		fmt.Fprintf(os.Stderr, "  SE_BROKER_POLICY_FILE    Access rule file\n")
		fmt.Fprintf(os.Stderr, "  SE_BROKER_ALLOWED_ORIGINS Comma separated browser origins allowed besides localhost\n")
		fmt.Fprintf(os.Stderr, "  SE_BROKER_LOG_LEVEL      Minimum log level (default: info)\n")
		fmt.Fprintf(os.Stderr, "  SE_BROKER_ENV            development for console logs\n")
	}

	_ = flags.Parse(os.Args[1:])

	if *versionFlag {
		printVersion()
		return
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Handle commands (non-flag arguments)
	if args := flags.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		case "install":
			if err := service.New().Install(); err != nil {
				log.Fatalf("Failed to install service: %v", err)
			}
			fmt.Println("Auto-start service installed successfully")
			return
		case "uninstall":
			if err := service.New().Uninstall(); err != nil {
				log.Fatalf("Failed to uninstall service: %v", err)
			}
			fmt.Println("Auto-start service removed successfully")
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			flags.Usage()
			os.Exit(1)
		}
	}

	if err := run(cfg, *noTrayFlag); err != nil {
		log.Fatalf("se-broker: %v", err)
	}
}

func printVersion() {
	fmt.Printf("se-broker %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

func run(cfg *config.Config, headless bool) error {
	logging.Init(cfg.LogBuffer, logging.ParseLevel(cfg.LogLevel))
	logging.Info(logging.CatSystem, "SE Broker starting", map[string]any{
		"version": api.Version,
	})

	if _, err := settings.Load(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}
	logging.InitSentry(api.Version, settings.IsCrashReportingEnabled())
	defer logging.FlushSentry(2 * time.Second)

	policyPath, err := resolvePolicyPath(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pool := terminal.NewPool()
	server := api.NewServer(api.Options{
		Pool:           pool,
		Gatherer:       reg,
		Shutdown:       stop,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	useTray := !headless && tray.IsSupported()
	var trayApp *tray.TrayApp
	if useTray {
		trayApp = tray.New(cfg.Address(), pool, policyPath, stop)
	}

	startTerminals(cfg, pool, terminal.Options{
		NewEvaluator: policy.Factory(policyPath),
		Metrics:      terminal.NewMetrics(reg),
		OnPresenceChanged: func(t *terminal.Terminal, present bool) {
			server.PresenceChanged(t, present)
			if trayApp != nil {
				trayApp.PresenceChanged(t, present)
			}
		},
	})

	go server.Run(ctx)

	addr := cfg.Address()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.NewMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	startServer := func() {
		log.Printf("se-broker %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
		})

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(logging.CatSystem, "Server error", map[string]any{
				"error": err.Error(),
			})
			stop()
		}
	}

	if useTray {
		log.Println("Starting with system tray...")

		if settings.IsFirstRun() {
			go firstRun(addr)
		}

		go func() {
			<-ctx.Done()
			trayApp.Quit()
		}()

		// Run tray with server - this blocks on the main thread until quit
		// (required for macOS Cocoa compatibility)
		trayApp.RunWithServer(startServer)
	} else {
		if headless {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}

		go startServer()
		<-ctx.Done()
	}

	log.Println("Shutting down...")
	return shutdown(httpServer, pool)
}

// resolvePolicyPath picks the access rule file and creates the default one
// when it does not exist yet.
func resolvePolicyPath(cfg *config.Config) (string, error) {
	path := cfg.PolicyFile
	if path == "" {
		p, err := settings.PolicyPath()
		if err != nil {
			return "", fmt.Errorf("failed to locate access rules: %w", err)
		}
		path = p
	}

	created, err := policy.EnsureFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to prepare access rules: %w", err)
	}
	if created {
		logging.Warn(logging.CatAccess, "Created default access rules allowing every caller", map[string]any{
			"path": path,
		})
	}
	logging.Info(logging.CatAccess, "Using access rules", map[string]any{
		"path": path,
	})
	return path, nil
}

// startTerminals creates one terminal per wanted PC/SC reader. Readers that
// fail to start are logged and skipped.
func startTerminals(cfg *config.Config, pool *terminal.Pool, opts terminal.Options) {
	readers, err := pcsc.ListReaders(nil)
	if err != nil {
		logging.Error(logging.CatTerminal, "Failed to list readers", map[string]any{
			"error": err.Error(),
		})
		return
	}

	for _, name := range readers {
		if !cfg.WantsReader(name) {
			logging.Debug(logging.CatTerminal, "Reader skipped by configuration", map[string]any{
				"reader": name,
			})
			continue
		}

		if err := startTerminal(name, cfg, pool, opts); err != nil {
			logging.Error(logging.CatTerminal, "Failed to start terminal", map[string]any{
				"reader": name,
				"error":  err.Error(),
			})
		}
	}

	if pool.Len() == 0 {
		logging.Warn(logging.CatTerminal, "No readers found, restart after connecting one", nil)
		return
	}
	logging.Info(logging.CatTerminal, "Terminals started", map[string]any{
		"terminals": pool.Names(),
	})
}

func startTerminal(name string, cfg *config.Config, pool *terminal.Pool, opts terminal.Options) error {
	t, err := terminal.New(name, opts)
	if err != nil {
		return err
	}
	if err := t.Start(pcsc.NewReader(name, nil, cfg.PresencePoll)); err != nil {
		return err
	}
	if err := pool.Add(t); err != nil {
		_ = t.Shutdown(context.Background())
		return err
	}
	return nil
}

// firstRun shows the welcome dialog and the opt-in prompts once.
func firstRun(addr string) {
	defer logging.RecoverAndLog("first run", false)

	welcome.ShowWelcome(addr)

	svc := service.New()
	if !svc.IsInstalled() && welcome.PromptAutostart() {
		if err := svc.Install(); err != nil {
			logging.Error(logging.CatSystem, "Failed to enable auto-start", map[string]any{
				"error": err.Error(),
			})
		}
	}

	if !settings.IsCrashReportingEnabled() && welcome.PromptCrashReporting() {
		if err := settings.SetCrashReporting(true); err != nil {
			logging.Warn(logging.CatSystem, "Failed to save crash reporting preference", map[string]any{
				"error": err.Error(),
			})
		}
		logging.InitSentry(api.Version, true)
	}

	_ = settings.MarkWelcomeShown() // non-critical
}

func shutdown(httpServer *http.Server, pool *terminal.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("terminals: %w", err))
	}

	logging.Info(logging.CatSystem, "SE Broker stopped", nil)
	return errors.Join(errs...)
}
