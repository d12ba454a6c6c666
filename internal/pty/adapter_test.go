package pty

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func spawnShell(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Cwd == "" {
		cfg.Cwd = t.TempDir()
	}
	a, err := Spawn(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("failed to spawn shell: %v", err)
	}
	t.Cleanup(func() {
		a.Kill()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer waitCancel()
		_ = a.Wait(waitCtx)
	})
	return a
}

// drain keeps reading the backend so output flows through the tee.
func drain(a *Adapter) {
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := a.Backend().Read(buf); err != nil {
				return
			}
		}
	}()
}

func TestAdapter_OutputReachesChunkSink(t *testing.T) {
	a := spawnShell(t, Config{})

	var mu sync.Mutex
	var captured strings.Builder
	a.SetChunkSink(func(chunk []byte) {
		mu.Lock()
		captured.Write(chunk)
		mu.Unlock()
	})
	drain(a)

	a.Write([]byte("echo chunk-sink-marker\n"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := captured.String()
		mu.Unlock()
		if strings.Contains(got, "chunk-sink-marker") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for output chunk")
}

func TestAdapter_KillDeliversExitEvent(t *testing.T) {
	a := spawnShell(t, Config{KillGrace: time.Second})
	drain(a)

	a.Kill()

	select {
	case <-a.ExitEvents():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}

	if !a.Exited() {
		t.Error("adapter should report exited")
	}

	// Late writes are dropped, not errors.
	a.Write([]byte("too late\n"))
}

func TestAdapter_KillEscalatesWhenTermIgnored(t *testing.T) {
	grace := 500 * time.Millisecond
	a := spawnShell(t, Config{KillGrace: grace})

	var mu sync.Mutex
	var seen strings.Builder
	a.SetChunkSink(func(chunk []byte) {
		mu.Lock()
		seen.Write(chunk)
		mu.Unlock()
	})
	drain(a)

	// The quoting keeps the marker out of the pty's input echo, so seeing
	// it means the shell ran the trap.
	a.Write([]byte("trap '' TERM && echo trap''-armed\n"))
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		got := seen.String()
		mu.Unlock()
		if strings.Contains(got, "trap-armed") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out arming the TERM trap:\n%s", got)
		}
		time.Sleep(20 * time.Millisecond)
	}

	a.Kill()

	select {
	case exit := <-a.ExitEvents():
		if exit.Signal != "killed" {
			t.Errorf("expected a forced kill, got %+v", exit)
		}
	case <-time.After(grace + 10*time.Second):
		t.Fatal("exit event never arrived after the grace period")
	}
	if !a.Exited() {
		t.Error("adapter should report exited")
	}
}

func TestAdapter_ExitOnProcessEnd(t *testing.T) {
	a := spawnShell(t, Config{})
	drain(a)

	a.Write([]byte("exit 3\n"))

	select {
	case exit := <-a.ExitEvents():
		if exit.Code != 3 {
			t.Errorf("expected exit code 3, got %d", exit.Code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestSpawn_TimeoutKillsAndReapsLateProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := Spawn(ctx, Config{Shell: "/bin/sh", Cwd: t.TempDir()}, nil)
	if err == nil {
		a.Kill()
		t.Fatal("expected spawn failure under cancelled context")
	}
	if !errors.Is(err, ErrSpawnTimeout) {
		t.Fatalf("expected ErrSpawnTimeout, got %v", err)
	}

	// The shell that shows up after the caller gave up must be killed and
	// reaped, not left as a zombie child.
	deadline := time.Now().Add(5 * time.Second)
	for hasZombieChild(t) {
		if time.Now().After(deadline) {
			t.Fatal("late spawn left a zombie child")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func hasZombieChild(t *testing.T) bool {
	t.Helper()
	self := strconv.Itoa(os.Getpid())
	stats, _ := filepath.Glob("/proc/[0-9]*/stat")
	for _, path := range stats {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		// Fields after the parenthesized comm: state, ppid, ...
		end := bytes.LastIndexByte(data, ')')
		if end < 0 {
			continue
		}
		fields := strings.Fields(string(data[end+1:]))
		if len(fields) >= 2 && fields[0] == "Z" && fields[1] == self {
			return true
		}
	}
	return false
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.Shell == "" {
		t.Error("shell default missing")
	}
	if cfg.Cwd == "" {
		t.Error("cwd default missing")
	}
	if cfg.Cols != DefaultCols || cfg.Rows != DefaultRows {
		t.Errorf("expected %dx%d, got %dx%d", DefaultCols, DefaultRows, cfg.Cols, cfg.Rows)
	}
	if cfg.KillGrace <= 0 {
		t.Error("kill grace default missing")
	}

	kept := Config{Shell: "/bin/zsh", Cols: 132, Rows: 43}.WithDefaults()
	if kept.Shell != "/bin/zsh" || kept.Cols != 132 || kept.Rows != 43 {
		t.Error("explicit values must survive defaulting")
	}
}
