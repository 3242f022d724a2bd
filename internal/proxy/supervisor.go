// Package proxy supervises the optional nginx reverse proxy that fronts the
// HTTP server. The child is spawned once at startup and stopped once at
// shutdown; there is no restart or health checking.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxLineSize = 1024 * 1024

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("nginx already started")

// Supervisor owns one nginx child process.
type Supervisor struct {
	binary      string
	confPath    string
	stopTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	running  bool
	exitCode int
	done     chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// New returns a supervisor for binary. stopTimeout bounds Stop in addition to its context.
func New(binary, confPath string, stopTimeout time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		binary:      binary,
		confPath:    confPath,
		stopTimeout: stopTimeout,
		logger:      logger,
		exitCode:    -1,
		done:        make(chan struct{}),
	}
}

// Start spawns "<binary> -c <confPath>" and streams both of its outputs to the logger.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	cmd := exec.Command(s.binary, "-c", s.confPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		close(s.done)
		return fmt.Errorf("nginx stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		close(s.done)
		return fmt.Errorf("nginx stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		close(s.done)
		return fmt.Errorf("spawn nginx: %w", err)
	}
	s.cmd = cmd
	s.running = true
	s.logger.Info("nginx started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("binary", s.binary),
		zap.String("conf", s.confPath),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(&wg, "stdout", stdout)
	go s.pump(&wg, "stderr", stderr)
	go s.wait(&wg, cmd)

	return nil
}

func (s *Supervisor) pump(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		s.logLine(stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("nginx output read failed", zap.String("stream", stream), zap.Error(err))
		_, _ = io.Copy(io.Discard, r)
	}
}

// wait reaps the child once both pipes are drained.
func (s *Supervisor) wait(wg *sync.WaitGroup, cmd *exec.Cmd) {
	wg.Wait()
	err := cmd.Wait()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	s.running = false
	s.exitCode = code
	s.mu.Unlock()

	fields := []zap.Field{zap.Int("code", code)}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Info("nginx exited", fields...)
	close(s.done)
}

func (s *Supervisor) logLine(stream, line string) {
	s.logger.Info("nginx output",
		zap.String("stream", stream),
		zap.String("line", strings.ToValidUTF8(line, "\uFFFD")),
	)
}

// Done is closed once the spawned child has exited, or immediately after a failed Start.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Running reports whether the spawned child is still alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ExitCode returns the child's exit status, or -1 while running or if it never started.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Stop runs "<binary> -c <confPath> -s stop" and waits for the spawned child to
// exit, killing it once ctx or the stop timeout runs out. The stop command reads
// the pid file named in confPath. Only the first call does any work;
// later calls return its result.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Supervisor) stop(ctx context.Context) error {
	if s.stopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stopTimeout)
		defer cancel()
	}

	var errs []error

	var stdout, stderr bytes.Buffer
	stopCmd := exec.CommandContext(ctx, s.binary, "-c", s.confPath, "-s", "stop")
	stopCmd.Stdout = &stdout
	stopCmd.Stderr = &stderr
	runErr := stopCmd.Run()

	s.logOutput("stdout", stdout.String())
	s.logOutput("stderr", stderr.String())
	if runErr != nil {
		s.logger.Error("nginx stop command failed", zap.Error(runErr))
		errs = append(errs, fmt.Errorf("nginx -s stop: %w", runErr))
	} else {
		s.logger.Info("nginx stop command completed")
	}

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return errors.Join(errs...)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("nginx did not exit in time, killing", zap.Int("pid", cmd.Process.Pid))
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Error("nginx kill failed", zap.Error(err))
		}
		errs = append(errs, fmt.Errorf("wait for nginx exit: %w", ctx.Err()))
	}

	return errors.Join(errs...)
}

func (s *Supervisor) logOutput(stream, out string) {
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line != "" {
			s.logLine(stream, line)
		}
	}
}
