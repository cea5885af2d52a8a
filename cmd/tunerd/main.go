// Package main is the entry point for the tunerd daemon.
// tunerd is a headless instrument-tuning engine: it pulls PCM from a
// capture source, runs the analysis pipeline at two rates, and publishes
// StudyFrames to a latest-wins mailbox for a UI to poll.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/austinkregel/tunerd/internal/ipc"
	"github.com/austinkregel/tunerd/internal/orchestrator"
	"github.com/austinkregel/tunerd/internal/param"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config holds daemon configuration.
type Config struct {
	ConfigDir string
	TestMode  bool
	Verbose   bool
}

func main() {
	cfg := parseFlags()

	if cfg.Verbose {
		log.Printf("tunerd version %s starting...", Version)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ConfigDir, "config", "", "Configuration directory (default: ~/.config/tunerd)")
	flag.BoolVar(&cfg.TestMode, "test-mode", false, "Run against a synthetic sine source instead of a capture device")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	if cfg.ConfigDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get home directory: %v", err)
		}
		cfg.ConfigDir = homeDir + "/.config/tunerd"
	}

	return cfg
}

func run(ctx context.Context, cfg *Config) error {
	if err := os.MkdirAll(cfg.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	params := param.NewStore(cfg.ConfigDir)
	if err := params.Load(); err != nil {
		return fmt.Errorf("failed to load parameters: %w", err)
	}

	snap := params.Get()

	var source orchestrator.PcmFrameSource
	if cfg.TestMode {
		log.Printf("[CAPTURE] test-mode: synthesizing a 440Hz sine source")
		source = orchestrator.NewSineFrameSource(snap.AudioSampleRate, 440, 0.5, 512)
	} else {
		// No real capture backend is wired in this build; run the same
		// synthetic source so the daemon still publishes frames rather
		// than failing to start (spec §7: "only start() may fail").
		log.Printf("[CAPTURE] Warning: no capture device backend configured")
		log.Printf("[CAPTURE] Falling back to a synthetic sine source")
		source = orchestrator.NewSineFrameSource(snap.AudioSampleRate, 440, 0.5, 512)
	}

	orchCfg := orchestrator.DefaultConfig()
	mailbox := ipc.NewMailbox[orchestrator.StudyFrame]()

	orch, err := orchestrator.NewStudyOrchestrator(orchCfg, source, params, mailbox)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	log.Printf("Starting analysis loop at %.0fHz (config: %s)", orchCfg.UpdateRateHz, params.Path())

	period := time.Duration(float64(time.Second) / orchCfg.UpdateRateHz)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := params.Save(); err != nil {
				log.Printf("[PARAM] Warning: failed to save parameters on shutdown: %v", err)
			} else {
				log.Printf("[PARAM] Parameters saved on shutdown")
			}
			return nil
		case now := <-ticker.C:
			start := time.Now()
			frame := orch.Tick(now)
			if cfg.Verbose && frame.PrimaryPeakOK {
				log.Printf("[TICK] frame=%d peak=%.2fHz", frame.FrameNumber, frame.PrimaryPeakHz)
			}
			elapsed := time.Since(start)
			if elapsed > period {
				log.Printf("[TICK] frame=%d overran tick period: %v", frame.FrameNumber, elapsed)
			}
		}
	}
}
