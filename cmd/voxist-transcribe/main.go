// Command voxist-transcribe streams raw s16le PCM audio (from a file or
// stdin) to the Voxist ASR service and prints interim and final
// transcriptions as they arrive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxist/voxist-go/internal/config"
	"github.com/voxist/voxist-go/internal/health"
	"github.com/voxist/voxist-go/internal/observe"
	"github.com/voxist/voxist-go/pkg/audio"
	"github.com/voxist/voxist-go/pkg/stt"
	"github.com/voxist/voxist-go/pkg/stt/voxist"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	inputPath := flag.String("input", "", "s16le PCM file to stream, or - for stdin")
	language := flag.String("lang", "", "language tag override (e.g. fr, fr-medical)")
	inputRate := flag.Int("rate", 0, "input sample rate override, Hz")
	inputChannels := flag.Int("channels", 0, "input channel count override (1 or 2)")
	flag.Parse()

	// ── Environment & configuration ───────────────────────────────────────────
	_ = godotenv.Load() // Load .env file if it exists

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voxist-transcribe: %v\n", err)
			return 1
		}
		cfg = *loaded
	}
	if *inputPath != "" {
		cfg.Input.Path = *inputPath
	}
	if *language != "" {
		cfg.Voxist.Language = *language
	}
	if *inputRate != 0 {
		cfg.Input.SampleRate = *inputRate
	}
	if *inputChannels != 0 {
		cfg.Input.Channels = *inputChannels
	}
	if key := os.Getenv("VOXIST_API_KEY"); key != "" {
		cfg.Voxist.APIKey = key
	}
	if err := config.Validate(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voxist-transcribe: %v\n", err)
		return 1
	}
	if cfg.Voxist.APIKey == "" {
		fmt.Fprintln(os.Stderr, "voxist-transcribe: no API key — set VOXIST_API_KEY or voxist.api_key")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability listener ────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxist-transcribe"})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(sctx)
	}()

	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New().Register(mux)
		srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("observability listener failed", "err", err)
			}
		}()
		defer srv.Close()
		slog.Info("observability listener started", "addr", cfg.Server.ListenAddr)
	}

	// ── STT factory & stream ──────────────────────────────────────────────────
	opts := []voxist.Option{
		voxist.WithLanguage(cfg.Voxist.Language),
		voxist.WithSampleRate(cfg.Voxist.SampleRate),
		voxist.WithInterimResults(cfg.Voxist.InterimResults),
		voxist.WithPoolSize(cfg.Voxist.PoolSize),
		voxist.WithChunkDuration(time.Duration(cfg.Voxist.ChunkMS) * time.Millisecond),
		voxist.WithReconnectPolicy(
			cfg.Voxist.MaxReconnects,
			time.Duration(cfg.Voxist.BaseBackoffMS)*time.Millisecond,
			time.Duration(cfg.Voxist.MaxBackoffMS)*time.Millisecond,
		),
	}
	if cfg.Voxist.BaseURL != "" {
		opts = append(opts, voxist.WithBaseURL(cfg.Voxist.BaseURL))
	}
	if cfg.Voxist.TokenURL != "" {
		opts = append(opts, voxist.WithTokenURL(cfg.Voxist.TokenURL))
	}

	factory, err := voxist.New(cfg.Voxist.APIKey, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxist-transcribe: %v\n", err)
		return 1
	}
	defer factory.Close()

	in, err := openInput(cfg.Input.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxist-transcribe: %v\n", err)
		return 1
	}
	defer in.Close()

	stream, err := factory.StartStream(ctx)
	if err != nil {
		slog.Error("failed to start stream", "err", err)
		return 1
	}
	defer stream.Close()

	slog.Info("transcribing",
		"input", cfg.Input.Path,
		"input_rate", cfg.Input.SampleRate,
		"channels", cfg.Input.Channels,
		"lang", cfg.Voxist.Language,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(gctx, stream, in, cfg.Input) })
	g.Go(func() error { return printEvents(stream.Events()) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("transcription failed", "err", err)
		return 1
	}
	return 0
}

// pump reads fixed-duration frames from r and pushes them at real-time pace,
// then signals end of input.
func pump(ctx context.Context, stream stt.Stream, r io.Reader, in config.Input) error {
	frameBytes := in.SampleRate * in.FrameMS / 1000 * 2 * in.Channels
	buf := make([]byte, frameBytes)
	ticker := time.NewTicker(time.Duration(in.FrameMS) * time.Millisecond)
	defer ticker.Stop()

	var index uint64
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			// Truncate a short trailing read to whole samples.
			n -= n % (2 * in.Channels)
			frame := audio.Frame{
				Data:       append([]byte(nil), buf[:n]...),
				SampleRate: in.SampleRate,
				Channels:   in.Channels,
				Index:      index,
			}
			index++
			if perr := stream.Push(ctx, frame); perr != nil {
				if errors.Is(perr, stt.ErrInputEnded) {
					return nil
				}
				var serr *stt.Error
				if errors.As(perr, &serr) && serr.Kind == stt.KindAudioFormat {
					slog.Warn("skipping invalid frame", "err", perr)
				} else {
					return perr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				stream.EndInput()
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			stream.EndInput()
			return nil
		case <-ticker.C:
		}
	}
}

// printEvents drains the stream, writing interims to stderr and finals to
// stdout. It returns the terminal error, if the stream ended with one.
func printEvents(events <-chan stt.Event) error {
	for ev := range events {
		switch ev.Kind {
		case stt.EventInterim:
			fmt.Fprintf(os.Stderr, "… %s\n", ev.Text)
		case stt.EventFinal:
			fmt.Printf("%s (%.2f)\n", ev.Text, ev.Confidence)
		case stt.EventError:
			return ev.Err
		}
	}
	return nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
