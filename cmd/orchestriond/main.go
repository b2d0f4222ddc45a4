// Package main provides the orchestrion daemon entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apiconnect "github.com/osa030/orchestrion/internal/api/connect"
	"github.com/osa030/orchestrion/internal/app/gain"
	"github.com/osa030/orchestrion/internal/app/notification"
	"github.com/osa030/orchestrion/internal/app/orchestrion"
	"github.com/osa030/orchestrion/internal/app/peer"
	"github.com/osa030/orchestrion/internal/app/playback"
	"github.com/osa030/orchestrion/internal/app/watchdog"
	"github.com/osa030/orchestrion/internal/infra/config"
	"github.com/osa030/orchestrion/internal/infra/journal"
	"github.com/osa030/orchestrion/internal/infra/logger"
	"github.com/osa030/orchestrion/internal/infra/media"
	"github.com/osa030/orchestrion/internal/infra/output"
)

// journalBuffer is the capacity of the journal's notification stream.
const journalBuffer = 256

var (
	app        = kingpin.New("orchestriond", "orchestrion audio engine daemon")
	configPath = app.Flag("config", "Path to config file (defaults apply when empty)").Default("config/orchestrion.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// list-knobs command
	listKnobsCmd = app.Command("list-knobs", "List gain knobs and their ranges and exit")
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the daemon (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listKnobsCmd.FullCommand() {
		printKnobs()
		return
	}

	loggerConfig := logger.Config{
		Output: "stdout",
		Level:  "info",
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = "file"
		loggerConfig.File = *logfile
	}
	logCloser, err := logger.Init(loggerConfig)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logCloser.Close()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Daemon error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file, falling back to defaults when it does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		zlog.Warn().Msgf("Config file %s not found, using defaults", path)
		return config.Default()
	}
	zlog.Info().Msgf("Loading config from %s", path)
	return config.Load(path)
}

// run executes the main daemon logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open output device
	device, err := output.Open(output.Config{
		Driver:     cfg.Output.Driver,
		SampleRate: cfg.Output.SampleRate,
		Buffer:     cfg.Output.Buffer(),
	})
	if err != nil {
		return fmt.Errorf("failed to open output device: %w", err)
	}
	defer func() {
		if err := device.Close(); err != nil {
			zlog.Warn().Err(err).Msg("Failed to close output device")
		}
	}()

	// Create engine
	factory := media.NewFactory(media.Config{
		BufferDuration:   cfg.Playback.Buffer(),
		ProgressInterval: cfg.Playback.ProgressInterval(),
		ResampleQuality:  cfg.Playback.ResampleQuality,
		UserAgent:        cfg.Playback.UserAgent,
		MaxSpoolBytes:    cfg.Playback.MaxSpoolBytes,
	}, device.SampleRate(), &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.Playback.LoadTimeout(),
		},
	})

	engine, err := orchestrion.New(orchestrion.Config{
		Playback: playback.Config{
			Watchdog: watchdog.Config{
				StallTimeout:  cfg.Playback.StallTimeout(),
				Nudge:         cfg.Playback.Nudge(),
				MaxRecoveries: cfg.Playback.MaxRecoveries,
			},
			LoadTimeout: cfg.Playback.LoadTimeout(),
		},
		EventBuffer: cfg.Playback.EventBuffer,
		Gains: map[gain.Knob]float64{
			gain.KnobLow:    cfg.Equalizer.Low,
			gain.KnobMid:    cfg.Equalizer.Mid,
			gain.KnobHigh:   cfg.Equalizer.High,
			gain.KnobVolume: cfg.Equalizer.InitialVolume(),
		},
	}, orchestrion.Deps{
		Factory:    factory,
		Scheduler:  watchdog.WallClock{},
		SampleRate: device.SampleRate(),
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	engine.SetRepeat(cfg.Playback.Repeat)
	device.Play(engine.Streamer())

	// Fan out engine events
	notifications := notification.NewManager()
	go notifications.Run(ctx, engine.Events())

	done := make(chan struct{})
	opts := []apiconnect.ControlServiceOption{apiconnect.WithDone(done)}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()

		stream := notification.NewChannelStream(journalBuffer)
		notifications.Subscribe(stream)
		go j.Run(ctx, stream.Events())
		opts = append(opts, apiconnect.WithHistory(j))
		zlog.Info().Msgf("Journal enabled: path=%s", cfg.Journal.Path)
	}

	var worker *peer.Worker
	if cfg.Worker.Command != "" {
		worker, err = peer.StartWorker(ctx, peer.WorkerConfig{
			Command:     cfg.Worker.Command,
			Args:        cfg.Worker.Args,
			Env:         cfg.Worker.Env,
			StopTimeout: cfg.Worker.StopTimeout(),
		}, engine)
		if err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		opts = append(opts, apiconnect.WithWorker(worker))
	}

	// Create RPC service
	controlService := apiconnect.NewControlService(engine, notifications, opts...)
	controlPath, controlHandler := apiconnect.NewControlServiceHandler(
		controlService,
		connect.WithInterceptors(apiconnect.NewControlAuthInterceptor(cfg.Server.Token)),
	)
	if cfg.Server.Token == "" {
		zlog.Warn().Msg("Control token not set, control API is unauthenticated")
	}

	mux := http.NewServeMux()
	mux.Handle(controlPath, controlHandler)

	// Create server with h2c (HTTP/2 cleartext) support
	serverAddr := cfg.Server.Addr
	server := &http.Server{
		Addr:    serverAddr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	serverErrCh := make(chan error, 1)
	serverStartedCh := make(chan struct{})

	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", serverAddr)
		close(serverStartedCh)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	<-serverStartedCh
	// Give the server a moment to fully initialize
	time.Sleep(100 * time.Millisecond)

	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	// Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		runErr = fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// End status streams first so Shutdown does not wait on them
	close(done)
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	if worker != nil {
		if err := worker.Stop(); err != nil {
			zlog.Error().Msgf("Failed to stop worker: %v", err)
		}
	}
	engine.Close()
	notifications.Close()
	cancel()

	zlog.Info().Msg("Daemon stopped")

	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")

	return runErr
}

// printKnobs prints the gain knobs and their raw ranges.
func printKnobs() {
	fmt.Println("Available Knobs:")
	for _, k := range gain.Knobs {
		lo, hi := 0.0, 1.0
		if k.IsBand() {
			lo = -1
		}
		cut, _ := gain.Transfer(k, lo)
		boost, _ := gain.Transfer(k, hi)
		unit := "dB"
		if !k.IsBand() {
			unit = "linear"
		}
		fmt.Printf("  %-8s raw [%+.0f, %+.0f] -> [%g, %g] %s\n", k, lo, hi, cut, boost, unit)
	}
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
