package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dispatcharr/dispatcharr-proxy/internal/config"
	"github.com/dispatcharr/dispatcharr-proxy/internal/ffmpeg"
	"github.com/dispatcharr/dispatcharr-proxy/internal/observability"
)

// exitWait bounds how long an end-of-stream waits for the exit status.
const exitWait = 2 * time.Second

// ProcessOptions configures the transcoder fetcher.
type ProcessOptions struct {
	Transcoder config.TranscoderConfig
	ChunkSize  int
	Health     config.HealthConfig
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// ProcessFetcher spawns the transcoder and reads its stdout.
type ProcessFetcher struct {
	cfg       config.TranscoderConfig
	chunkSize int
	health    config.HealthConfig
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewProcessFetcher creates a transcoder fetcher.
func NewProcessFetcher(opts ProcessOptions) *ProcessFetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessFetcher{
		cfg:       opts.Transcoder,
		chunkSize: opts.ChunkSize,
		health:    opts.Health,
		metrics:   opts.Metrics,
		logger:    logger,
	}
}

// Open launches the process. A launch failure is a spawn failure; the
// process dying later surfaces as an end-of-stream failure from Next.
func (f *ProcessFetcher) Open(ctx context.Context, src Source) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	binary := src.Command
	if binary == "" {
		binary = f.cfg.Binary
	}
	ua := src.UserAgent
	if !src.Protocol.IsHTTP() {
		ua = ""
	}

	cmd, err := ffmpeg.NewCommandBuilder(binary).
		Template(src.Args).
		StreamURL(src.URL).
		UserAgent(ua).
		Build()
	if err != nil {
		return nil, &Failure{Kind: KindSpawn, Err: err}
	}

	logger := f.logger.With(slog.String("binary", cmd.Binary), slog.String("source", src.Label))
	proc, err := ffmpeg.StartProcess(cmd, ffmpeg.ProcessOptions{
		StopGrace:     f.cfg.StopGrace,
		StatsInterval: f.cfg.StatsInterval,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("transcoder failed to start",
			slog.String("url", observability.SanitizeURL(src.URL)),
			slog.String("error", err.Error()),
		)
		return nil, &Failure{Kind: KindSpawn, Transient: true, Err: err}
	}
	f.metrics.TranscoderStarted()

	meter := NewMeter(f.health).WithSpeedSource(proc.Speed)
	h := newReaderHandle("process", src, proc, f.chunkSize, meter, func() error {
		err := proc.Close()
		f.metrics.TranscoderExited()
		return err
	})
	h.proc = proc
	h.contentType = "video/mp2t"
	h.onEOF = func() error {
		select {
		case <-proc.Done():
		case <-time.After(exitWait):
			return nil
		}
		exitErr := proc.ExitErr()
		if exitErr == nil {
			return nil
		}
		detail := ""
		if lines := proc.StderrLines(); len(lines) > 0 {
			detail = strings.TrimSpace(lines[len(lines)-1])
		}
		return &Failure{Kind: KindEOF, Transient: true, Err: fmt.Errorf("transcoder exited: %w: %s", exitErr, detail)}
	}

	logger.Info("transcoder started",
		slog.Int("pid", proc.Pid()),
		slog.String("url", observability.SanitizeURL(src.URL)),
	)
	return h, nil
}
