package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/unifiscan/unifi-scanner/internal/analysis"
	"github.com/unifiscan/unifi-scanner/internal/collector"
	"github.com/unifiscan/unifi-scanner/internal/config"
	"github.com/unifiscan/unifi-scanner/internal/delivery"
	"github.com/unifiscan/unifi-scanner/internal/health"
	"github.com/unifiscan/unifi-scanner/internal/integrations"
	"github.com/unifiscan/unifi-scanner/internal/ips"
	"github.com/unifiscan/unifi-scanner/internal/logging"
	"github.com/unifiscan/unifi-scanner/internal/report"
	"github.com/unifiscan/unifi-scanner/internal/scheduler"
	"github.com/unifiscan/unifi-scanner/internal/state"
	"github.com/unifiscan/unifi-scanner/internal/telemetry"
	"github.com/unifiscan/unifi-scanner/internal/unifi"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes.
const (
	exitOK     = 0
	exitConfig = 1
	exitConn   = 2
	exitAuth   = 3
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "unifi-scanner",
	Short:   "UniFi network event scanner and report daemon",
	Long:    `unifi-scanner periodically collects events, intrusion-detection alerts and device health from a UniFi-family controller, classifies them and delivers a report by email or file.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runDaemon())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("unifi-scanner %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
}

func runDaemon() int {
	logging.Init(logging.Config{Level: "info", Format: "auto"})

	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched, client := buildScheduler(cfg)

	go telemetry.Serve(ctx, cfg.MetricsListen)

	if err := sched.Startup(ctx); err != nil {
		if hint := unifi.Hint(err); hint != "" {
			fmt.Fprintf(os.Stderr, "Startup failed: %v\nHint: %s\n", err, hint)
		} else {
			fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		}
		if unifi.IsAuthError(err) {
			return exitAuth
		}
		return exitConn
	}
	printBanner(cfg, client)

	// Config watcher drives the same reload path as SIGHUP.
	reload := func() { reloadConfig(path, cfg, sched) }
	if path != "" {
		if watcher, werr := config.NewWatcher(path, reload); werr != nil {
			log.Warn().Err(werr).Msg("Config watcher unavailable; use SIGHUP to reload")
		} else if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Config watcher failed to start; use SIGHUP to reload")
		} else {
			defer watcher.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration")
			reload()
		case <-sigChan:
			log.Info().Msg("Shutting down, letting the current run finish")
			cancel()
			<-done
			log.Info().Msg("Scanner stopped")
			return exitOK
		}
	}
}

func buildScheduler(cfg *config.Config) (*scheduler.Scheduler, *unifi.Client) {
	client := unifi.NewClient(unifi.Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Username:       cfg.Username,
		Password:       cfg.Password,
		VerifySSL:      *cfg.VerifySSL,
		ConnectTimeout: cfg.ConnectTimeout.Std(),
		RequestTimeout: cfg.RequestTimeout.Std(),
		MaxRetries:     cfg.MaxRetries,
	})

	var fallback *collector.SSHFallback
	if cfg.SSHFallback.Enabled {
		fallback = collector.NewSSHFallback(collector.SSHConfig{
			Host:     cfg.SSHFallback.Host,
			Port:     cfg.SSHFallback.Port,
			Username: cfg.SSHFallback.Username,
			Password: cfg.SSHFallback.Password,
			KeyFile:  cfg.SSHFallback.KeyFile,
		})
	}

	renderer, err := report.NewRenderer(cfg.Location())
	if err != nil {
		// Templates are embedded; a parse failure is a build defect.
		log.Fatal().Err(err).Msg("Failed to parse report templates")
	}

	var channels []delivery.Channel
	channels = append(channels, delivery.NewFileChannel(cfg.ReportsDir))
	if cfg.SMTP.Enabled() {
		channels = append(channels, delivery.NewEmailChannel(delivery.EmailConfig{
			SMTPHost: cfg.SMTP.Host,
			SMTPPort: cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			To:       cfg.SMTP.To,
		}, cfg.MaxRetries))
	}

	threatFeed := integrations.NewThreatFeed(cfg.Integrations.ThreatFeed.URL, cfg.Integrations.ThreatFeed.Token)
	runner := integrations.NewRunner([]integrations.Integration{threatFeed}, integrations.DefaultTimeout)

	sched := scheduler.New(cfg, scheduler.Deps{
		Client:     client,
		Collector:  collector.New(client, cfg.Site, cfg.InitialLookbackHours, fallback),
		Store:      state.NewStore(cfg.StatePath()),
		Registry:   analysis.NewRegistry(analysis.DefaultRules()),
		IPS:        ips.NewAnalyzer(cfg.IPSMinEventsPerIP),
		Thresholds: health.DefaultThresholds(),
		Renderer:   renderer,
		Delivery:   delivery.NewManager(channels...),
		Runner:     runner,
		ThreatFeed: threatFeed,
		Health:     scheduler.NewHealthFile(cfg.HealthFile),
	})
	return sched, client
}

func printBanner(cfg *config.Config, client *unifi.Client) {
	deviceType := string(client.DeviceType())
	if deviceType == "" {
		deviceType = "unknown"
	}
	fmt.Printf("unifi-scanner %s\n", Version)
	fmt.Printf("  controller: %s (%s)\n", cfg.Host, deviceType)
	fmt.Printf("  site:       %s\n", cfg.Site)
	fmt.Printf("  interval:   %s\n", cfg.PollInterval.Std())
	fmt.Printf("  reports:    %s\n", cfg.ReportsDir)
}

// reloadConfig re-reads the file and applies the safely hot-swappable
// settings: log level, log format and poll interval.
func reloadConfig(path string, current *config.Config, sched *scheduler.Scheduler) {
	next, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
		return
	}
	if next.LogLevel != current.LogLevel || next.LogFormat != current.LogFormat {
		logging.Init(logging.Config{Level: next.LogLevel, Format: next.LogFormat})
		current.LogLevel = next.LogLevel
		current.LogFormat = next.LogFormat
	}
	sched.SetInterval(next.PollInterval.Std())
	current.PollInterval = next.PollInterval
	log.Info().Msg("Configuration reload complete")
}
