// Package pty wraps a single OS pseudo-terminal process. Each Adapter owns
// its process exclusively: output is a single ordered chunk stream consumed
// by the owning terminal instance, never fanned out here.
package pty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ricochet1k/termemu"
	"go.uber.org/zap"
)

var (
	ErrSpawn        = errors.New("failed to spawn process")
	ErrSpawnTimeout = errors.New("process spawn timed out")
)

const (
	DefaultCols = 80
	DefaultRows = 24
)

// Config is the creation-time configuration for one process.
type Config struct {
	Shell string
	Cwd   string
	Cols  int
	Rows  int
	Env   map[string]string

	// KillGrace bounds how long Kill waits for a graceful exit before
	// escalating to SIGKILL.
	KillGrace time.Duration
}

// WithDefaults returns a copy with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Shell == "" {
		c.Shell = os.Getenv("SHELL")
		if c.Shell == "" {
			c.Shell = "/bin/bash"
		}
	}
	if c.Cwd == "" {
		c.Cwd = os.Getenv("HOME")
		if c.Cwd == "" {
			c.Cwd = "/tmp"
		}
	}
	if c.Cols <= 0 {
		c.Cols = DefaultCols
	}
	if c.Rows <= 0 {
		c.Rows = DefaultRows
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 3 * time.Second
	}
	return c
}

// Exit describes how the process ended.
type Exit struct {
	Code   int
	Signal string
}

// Adapter owns one shell process behind a pty. The chunk sink, if set
// before the emulator starts reading, observes every output chunk in
// emission order.
type Adapter struct {
	cfg     Config
	cmd     *exec.Cmd
	backend *termemu.PTYBackend
	tee     *termemu.TeeBackend
	log     *zap.Logger

	chunkMu sync.RWMutex
	chunk   func([]byte)

	exited   atomic.Bool
	exitOnce sync.Once
	exitCh   chan Exit
	done     chan struct{}

	killOnce sync.Once
}

// Spawn starts the shell under a pty. It fails with ErrSpawnTimeout when
// the OS does not confirm the process within the context deadline; a
// process that shows up late is killed, never leaked.
func Spawn(ctx context.Context, cfg Config, log *zap.Logger) (*Adapter, error) {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	cmd := exec.Command(cfg.Shell)
	cmd.Dir = cfg.Cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	backend := &termemu.PTYBackend{}

	started := make(chan error, 1)
	go func() {
		started <- backend.StartCommand(cmd)
	}()

	select {
	case err := <-started:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
		}
	case <-ctx.Done():
		// The caller gave up. If the spawn still succeeds, kill and reap
		// the late process so it neither leaks nor lingers as a zombie.
		go func() {
			if err := <-started; err == nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
			}
		}()
		return nil, fmt.Errorf("%w: %s", ErrSpawnTimeout, cfg.Shell)
	}

	a := &Adapter{
		cfg:     cfg,
		cmd:     cmd,
		backend: backend,
		log:     log.With(zap.String("shell", cfg.Shell)),
		exitCh:  make(chan Exit, 1),
		done:    make(chan struct{}),
	}

	a.tee = termemu.NewTeeBackend(backend)
	a.tee.SetTee(chunkWriter{a: a})

	a.Resize(cfg.Cols, cfg.Rows)

	go a.watchProcess()
	return a, nil
}

// Backend returns the stream the owning instance's emulation surface reads
// from. Reading it drives chunk delivery to the sink.
func (a *Adapter) Backend() termemu.Backend {
	return a.tee
}

// SetChunkSink registers the owning instance's chunk consumer. Must be
// called before the surface starts reading.
func (a *Adapter) SetChunkSink(fn func([]byte)) {
	a.chunkMu.Lock()
	a.chunk = fn
	a.chunkMu.Unlock()
}

// Write sends input bytes to the process. After exit it is a logged no-op:
// UI input events legitimately race with process death.
func (a *Adapter) Write(p []byte) {
	if a.exited.Load() {
		a.log.Warn("write to exited process dropped", zap.Int("bytes", len(p)))
		return
	}
	if _, err := a.tee.Write(p); err != nil {
		a.log.Warn("process write failed", zap.Error(err))
	}
}

// Resize propagates new dimensions to the OS pty. Failures are non-fatal.
func (a *Adapter) Resize(cols, rows int) {
	if a.exited.Load() {
		return
	}
	if err := a.backend.SetSize(cols, rows); err != nil {
		a.log.Warn("pty resize failed", zap.Int("cols", cols), zap.Int("rows", rows), zap.Error(err))
	}
}

// Kill requests termination. The exit event is guaranteed: if the process
// ignores SIGTERM past the grace period it is force-killed.
func (a *Adapter) Kill() {
	a.killOnce.Do(func() {
		if a.cmd.Process != nil {
			_ = a.cmd.Process.Signal(syscall.SIGTERM)
		}
		go func() {
			select {
			case <-a.done:
			case <-time.After(a.cfg.KillGrace):
				a.log.Warn("process ignored SIGTERM, force killing")
				if a.cmd.Process != nil {
					_ = a.cmd.Process.Kill()
				}
			}
		}()
	})
}

// Exited reports whether the process has terminated.
func (a *Adapter) Exited() bool {
	return a.exited.Load()
}

// ExitEvents delivers the single exit event for this process.
func (a *Adapter) ExitEvents() <-chan Exit {
	return a.exitCh
}

// Done is closed once the process has exited.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the process exits or the context is cancelled.
func (a *Adapter) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) watchProcess() {
	err := a.cmd.Wait()

	exit := Exit{Code: 0}
	if state := a.cmd.ProcessState; state != nil {
		exit.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = ws.Signal().String()
		}
	} else if err != nil {
		exit.Code = -1
	}

	a.exitOnce.Do(func() {
		a.exited.Store(true)
		a.exitCh <- exit
		close(a.done)
	})
}

// chunkWriter receives every output chunk the emulator consumes, in order.
type chunkWriter struct {
	a *Adapter
}

func (w chunkWriter) Write(p []byte) (int, error) {
	w.a.chunkMu.RLock()
	sink := w.a.chunk
	w.a.chunkMu.RUnlock()
	if sink != nil && len(p) > 0 {
		buf := make([]byte, len(p))
		copy(buf, p)
		sink(buf)
	}
	return len(p), nil
}
