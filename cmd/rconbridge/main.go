package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dalnet/rconbridge/internal/config"
	"github.com/dalnet/rconbridge/internal/irc"
	"github.com/dalnet/rconbridge/internal/metrics"
	"github.com/dalnet/rconbridge/internal/relay"
	"github.com/dalnet/rconbridge/internal/storage"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

func main() {
	// Command line flags
	foreground := flag.Bool("x", false, "Run in foreground (don't daemonize)")
	configPath := flag.String("c", "./config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Log every datagram")
	showVersion := flag.Bool("v", false, "Show version information and exit")
	showVersionLong := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	// Show version and exit
	if *showVersion || *showVersionLong {
		fmt.Printf("rconbridge version %s\n", version)
		fmt.Printf("Built: %s\n", buildDate)
		fmt.Printf("Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	// Set version info in irc package
	irc.Version = version
	irc.BuildDate = buildDate
	irc.GitCommit = gitCommit

	// Daemonize unless -x flag is set
	if !*foreground {
		daemonize()
		return
	}

	if err := writePIDFile(); err != nil {
		log.WithError(err).Warn("Could not write PID file")
	}

	run(*configPath, *debug)
}

// daemonize performs double-fork to become a daemon
func daemonize() {
	// Check if we're already a daemon child
	if os.Getenv("RCONBRIDGE_DAEMON") == "1" {
		fmt.Printf("Now becoming a daemon\nMy pid is %d\n", os.Getpid())

		// Re-exec ourselves in the foreground (we're already daemonized)
		args := append(os.Args, "-x")

		cmd := exec.Command(args[0], args[1:]...)
		cmd.Env = os.Environ()

		if err := cmd.Start(); err != nil {
			log.WithError(err).Fatal("Failed to start daemon")
		}
		os.Exit(0)
	}

	// First fork
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), "RCONBRIDGE_DAEMON=1")

	if err := cmd.Start(); err != nil {
		log.WithError(err).Fatal("Failed to fork")
	}

	// Parent exits
	os.Exit(0)
}

func writePIDFile() error {
	pid := os.Getpid()
	return os.WriteFile("pid.txt", []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

func run(configPath string, debug bool) {
	// Secrets may live in a .env next to the config
	if err := godotenv.Load(filepath.Join(filepath.Dir(configPath), ".env")); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Could not load .env")
	}

	// Make config path absolute
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	journal, err := storage.OpenJournal(cfg.DataDir)
	if err != nil {
		log.WithError(err).Fatal("Failed to open data directory")
	}

	manager, err := relay.NewManager(cfg.Servers, journal,
		relay.WithCheckInterval(cfg.CheckInterval.Std()),
		relay.WithBots(cfg.RelayBots),
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up game servers")
	}

	client, err := irc.NewClient(cfg, manager)
	if err != nil {
		log.WithError(err).Fatal("Failed to create IRC client")
	}
	manager.AddSink(client)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	manager.Start(ctx)

	// Connect and run
	log.Infof("Connecting to %s:%d...", cfg.Server, cfg.Port)
	if err := client.Connect(); err != nil {
		manager.Stop()
		log.WithError(err).Fatal("Failed to connect")
	}

	log.Info("Connected, entering main loop...")
	go client.Loop()

	<-ctx.Done()
	log.Info("Received signal, shutting down...")
	client.Quit()
	manager.Stop()
}
