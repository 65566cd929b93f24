package ffmpeg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSpawn is returned when the transcoder cannot be launched.
var ErrSpawn = errors.New("transcoder spawn failed")

const (
	maxStderrLines   = 100
	defaultStopGrace = 5 * time.Second
)

var speedRe = regexp.MustCompile(`speed=\s*([\d.]+)x`)

// ProcessOptions tunes a supervised process.
type ProcessOptions struct {
	// StopGrace is how long Close waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
	// StatsInterval enables periodic CPU/RSS sampling when positive.
	StatsInterval time.Duration
	Logger        *slog.Logger
}

// Process is a running transcoder. Its stdout is read through Read; Close
// tears down the whole process group and returns only after the child has
// been reaped.
type Process struct {
	cmd       *exec.Cmd
	stdout    *os.File
	logger    *slog.Logger
	stopGrace time.Duration
	startedAt time.Time

	stderrMu    sync.RWMutex
	stderrLines []string

	speed        atomic.Uint64 // float64 bits
	lastProgress atomic.Int64  // unix nanos
	stats        atomic.Pointer[ProcessStats]

	done      chan struct{}
	exitErr   error
	closing   atomic.Bool
	closeOnce sync.Once
}

// StartProcess launches cmd in its own process group with stdout connected
// to a pipe owned by the returned Process.
func StartProcess(cmd Command, opts ProcessOptions) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}

	path, err := exec.LookPath(cmd.Binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, cmd.Binary, err)
	}

	ec := exec.Command(path, cmd.Args...)
	configureProcAttr(ec)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrSpawn, err)
	}
	ec.Stdout = pw

	stderr, err := ec.StderrPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrSpawn, err)
	}

	if err := ec.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, cmd.Binary, err)
	}
	// The child holds its own copy of the write end.
	pw.Close()

	p := &Process{
		cmd:         ec,
		stdout:      pr,
		logger:      logger.With(slog.Int("pid", ec.Process.Pid)),
		stopGrace:   opts.StopGrace,
		startedAt:   time.Now(),
		stderrLines: make([]string, 0, maxStderrLines),
		done:        make(chan struct{}),
	}
	p.lastProgress.Store(p.startedAt.UnixNano())

	stderrDone := make(chan struct{})
	go p.captureStderr(stderr, stderrDone)
	go p.reap(stderrDone)

	if opts.StatsInterval > 0 {
		go p.sampleLoop(opts.StatsInterval)
	}

	p.logger.Debug("transcoder started", slog.String("binary", path))
	return p, nil
}

// Read reads from the transcoder's stdout. It returns io.EOF once the
// process has closed its output.
func (p *Process) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if err != nil && errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	return n, err
}

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// StartedAt returns when the process was launched.
func (p *Process) StartedAt() time.Time {
	return p.startedAt
}

// Done is closed after the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error once the process has exited. A process
// stopped through Close reports nil.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		if p.closing.Load() {
			return nil
		}
		return p.exitErr
	default:
		return nil
	}
}

// Speed returns the last reported encoding speed (1.0 is realtime), or 0
// before the first progress line.
func (p *Process) Speed() float64 {
	return math.Float64frombits(p.speed.Load())
}

// LastProgress returns when the last progress line was seen.
func (p *Process) LastProgress() time.Time {
	return time.Unix(0, p.lastProgress.Load())
}

// StderrLines returns a copy of the most recent stderr lines.
func (p *Process) StderrLines() []string {
	p.stderrMu.RLock()
	defer p.stderrMu.RUnlock()

	lines := make([]string, len(p.stderrLines))
	copy(lines, p.stderrLines)
	return lines
}

// Stats returns the last resource sample, or nil when sampling is off or
// has not run yet.
func (p *Process) Stats() *ProcessStats {
	return p.stats.Load()
}

// Close terminates the process group: SIGTERM, then SIGKILL after the stop
// grace. It blocks until the child is reaped.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closing.Store(true)

		if !p.Exited() {
			if err := terminateGroup(p.cmd); err != nil {
				p.logger.Debug("sigterm failed", slog.String("error", err.Error()))
			}

			timer := time.NewTimer(p.stopGrace)
			select {
			case <-p.done:
				timer.Stop()
			case <-timer.C:
				p.logger.Warn("transcoder ignored sigterm, killing process group",
					slog.Duration("grace", p.stopGrace))
				if err := killGroup(p.cmd); err != nil {
					p.logger.Debug("sigkill failed", slog.String("error", err.Error()))
				}
				<-p.done
			}
		}

		p.stdout.Close()
	})
	return nil
}

func (p *Process) reap(stderrDone <-chan struct{}) {
	// Wait must not run before the stderr reader has drained.
	<-stderrDone
	err := p.cmd.Wait()

	p.exitErr = err
	close(p.done)

	attrs := []any{slog.Duration("ran_for", time.Since(p.startedAt))}
	if err != nil && !p.closing.Load() {
		attrs = append(attrs, slog.String("error", err.Error()))
		if lines := p.StderrLines(); len(lines) > 0 {
			attrs = append(attrs, slog.String("last_stderr", lines[len(lines)-1]))
		}
		p.logger.Warn("transcoder exited", attrs...)
		return
	}
	p.logger.Debug("transcoder exited", attrs...)
}

// captureStderr keeps the last maxStderrLines lines and tracks progress
// reports. ffmpeg terminates progress lines with a carriage return.
func (p *Process) captureStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanLinesOrCR)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if m := speedRe.FindStringSubmatch(line); len(m) > 1 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				p.speed.Store(math.Float64bits(v))
				p.lastProgress.Store(time.Now().UnixNano())
			}
		}

		p.stderrMu.Lock()
		if len(p.stderrLines) >= maxStderrLines {
			p.stderrLines = p.stderrLines[1:]
		}
		p.stderrLines = append(p.stderrLines, line)
		p.stderrMu.Unlock()
	}

	// Keep draining so the child never blocks on a full stderr pipe.
	_, _ = io.Copy(io.Discard, stderr)
}

func (p *Process) sampleLoop(interval time.Duration) {
	sampler, err := NewSampler(p.Pid())
	if err != nil {
		p.logger.Debug("process sampling unavailable", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			stats, err := sampler.Sample()
			if err != nil {
				continue
			}
			stats.Speed = p.Speed()
			p.stats.Store(&stats)
		}
	}
}

func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
