package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

type pprofProcess struct {
	process *os.Process
	address string
	// cleanup removes the exported profile served by the process.
	cleanup func()
}

// pprofProcesses tracks the interactive 'go tool pprof' processes started by the server.
type pprofProcesses struct {
	l *zap.Logger

	mu      sync.Mutex
	running map[int]*pprofProcess
}

func newPprofProcesses(logger *zap.Logger) *pprofProcesses {
	return &pprofProcesses{
		l:       logger.Named("pprof"),
		running: make(map[int]*pprofProcess),
	}
}

// Start launches 'go tool pprof -http' on profilePath in the background. The process
// outlives the tool request; cleanup runs once it is stopped.
func (p *pprofProcesses) Start(profilePath, httpAddress string, cleanup func()) (int, error) {
	if _, err := exec.LookPath("go"); err != nil {
		return 0, fmt.Errorf("'go' command not found in PATH, cannot start pprof")
	}

	cmdArgs := []string{"tool", "pprof", "-http=" + httpAddress, "-no_browser", profilePath}
	p.l.Info("Starting interactive pprof", zap.String("command", "go "+strings.Join(cmdArgs, " ")))

	cmd := exec.Command("go", cmdArgs...)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start 'go tool pprof': %w", err)
	}

	pid := cmd.Process.Pid
	p.mu.Lock()
	p.running[pid] = &pprofProcess{process: cmd.Process, address: httpAddress, cleanup: cleanup}
	p.mu.Unlock()

	p.l.Info("Started interactive pprof", zap.Int("pid", pid), zap.String("address", httpAddress))
	return pid, nil
}

// Stop terminates a process started by Start.
func (p *pprofProcesses) Stop(pid int) error {
	p.mu.Lock()
	proc, ok := p.running[pid]
	delete(p.running, pid)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("no running pprof session with PID %d", pid)
	}
	return p.terminate(pid, proc)
}

func (p *pprofProcesses) terminate(pid int, proc *pprofProcess) error {
	defer proc.cleanup()

	p.l.Info("Terminating pprof process", zap.Int("pid", pid))
	err := proc.process.Signal(os.Interrupt)
	if err != nil {
		p.l.Warn("Failed to interrupt pprof process, killing it", zap.Int("pid", pid), zap.Error(err))
		if err := proc.process.Signal(os.Kill); err != nil {
			return fmt.Errorf("failed to terminate PID %d: %w", pid, err)
		}
	}

	_, err = proc.process.Wait()
	if err != nil && !strings.Contains(err.Error(), "no child processes") && !strings.Contains(err.Error(), "signal:") {
		p.l.Warn("Error waiting for pprof process", zap.Int("pid", pid), zap.Error(err))
	}
	return nil
}

// StopAll terminates every running process.
func (p *pprofProcesses) StopAll() {
	p.mu.Lock()
	running := p.running
	p.running = make(map[int]*pprofProcess)
	p.mu.Unlock()

	if len(running) == 0 {
		return
	}

	p.l.Info("Terminating pprof processes", zap.Int("count", len(running)))
	var wg sync.WaitGroup
	for pid, proc := range running {
		wg.Add(1)
		go func(pid int, proc *pprofProcess) {
			defer wg.Done()
			if err := p.terminate(pid, proc); err != nil {
				p.l.Warn("Failed to terminate pprof process", zap.Int("pid", pid), zap.Error(err))
			}
		}(pid, proc)
	}
	wg.Wait()
}

// notifyContext returns a context cancelled on SIGINT or SIGTERM.
func notifyContext(l *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		l.Info("Shutting down", zap.NamedError("reason", context.Cause(ctx)))
	}()
	return ctx, cancel
}
