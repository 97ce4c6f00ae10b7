// Package main provides the entry point for the go-gridsim server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gridfold/go-gridsim/internal/adapter"
	"github.com/gridfold/go-gridsim/internal/api"
	"github.com/gridfold/go-gridsim/internal/config"
	"github.com/gridfold/go-gridsim/internal/kernel"
	"github.com/gridfold/go-gridsim/internal/pubsub"
	"github.com/gridfold/go-gridsim/internal/rules"
	"github.com/gridfold/go-gridsim/internal/sim"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run() // run() returns an int
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("go-gridsim server %s\n", Version)
		return 0
	}

	// Initialize context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-gridsim server")
	logServiceConfiguration(cfg)

	// Initialize MQTT publisher
	var publisher pubsub.ResultPublisher
	if cfg.MQTT.Enabled {
		mqttPublisher := pubsub.NewMQTTPublisher(cfg)
		if err := mqttPublisher.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
			publisher = pubsub.NewNoopPublisher()
		} else {
			publisher = mqttPublisher
			log.Info().Msg("MQTT publisher connected successfully")
		}
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		publisher = pubsub.NewNoopPublisher()
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing publisher")
		}
	}()

	// Assemble the simulation core
	orchestrator := sim.New(
		adapter.New(log.Logger),
		kernel.NewFactory(log.Logger),
		log.Logger,
	)

	// Start the HTTP API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, orchestrator, rules.NewService(log.Logger))
		if err := apiServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start HTTP API server")
			return 1
		}
	} else {
		log.Info().Msg("HTTP API disabled")
	}

	// Drive periodic calculation and publish each result
	go runTickLoop(ctx, cfg, orchestrator, publisher)

	log.Info().
		Str("kernel", cfg.Simulation.KernelType).
		Float64("tick_interval_sec", cfg.Simulation.TickIntervalSec).
		Msg("Simulation server started successfully")

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	cancel()

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	orchestrator.Stop()
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping HTTP API server")
			return 1
		}
	}

	log.Info().Msg("Server stopped")
	return 0
}

// runTickLoop fires the calculation cycle at the configured interval. Ticks
// while the orchestrator is not running are skipped, so start/stop via the
// API controls the cadence without restarting the loop.
func runTickLoop(ctx context.Context, cfg *config.Config, orchestrator *sim.Orchestrator, publisher pubsub.ResultPublisher) {
	ticker := time.NewTicker(cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := orchestrator.GetCalculationStatus()
			if status.State == "stopped" && status.TopologySet && cfg.Simulation.AutoStart {
				if err := orchestrator.Start(cfg.TickInterval()); err != nil {
					log.Warn().Err(err).Msg("Auto-start failed")
					continue
				}
				status = orchestrator.GetCalculationStatus()
			}
			if status.State != "running" {
				continue
			}

			result := orchestrator.PerformCalculation()
			if err := publisher.Publish(ctx, cfg.MQTT.Topic, result); err != nil {
				log.Warn().Err(err).Msg("Failed to publish calculation result")
			}
			if result.AutoPaused {
				log.Warn().
					Int("errors", len(result.Errors)).
					Bool("converged", result.Converged).
					Msg("Calculation failed, simulation auto-paused")
			}
		}
	}
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// logServiceConfiguration logs the current service configuration for debugging.
func logServiceConfiguration(cfg *config.Config) {
	log.Debug().
		Str("log_level", cfg.LogLevel).
		Str("timezone", cfg.TimeZone).
		Msg("General settings")

	log.Debug().
		Str("kernel_type", cfg.Simulation.KernelType).
		Float64("tick_interval_sec", cfg.Simulation.TickIntervalSec).
		Bool("auto_start", cfg.Simulation.AutoStart).
		Msg("Simulation configuration")

	log.Debug().
		Bool("enabled", cfg.API.Enabled).
		Str("host", cfg.API.Host).
		Int("port", cfg.API.Port).
		Msg("HTTP API configuration")

	if cfg.MQTT.Enabled {
		log.Debug().
			Str("host", cfg.MQTT.Host).
			Int("port", cfg.MQTT.Port).
			Str("username", cfg.MQTT.Username).
			Str("topic", cfg.MQTT.Topic).
			Bool("retain", cfg.MQTT.Retain).
			Msg("MQTT configuration")
	} else {
		log.Debug().Bool("enabled", false).Msg("MQTT disabled")
	}
}
