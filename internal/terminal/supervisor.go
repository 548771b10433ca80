package terminal

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/observelab/termdemo/config"
	"github.com/observelab/termdemo/pkg/logger"
)

// Process is a handle on a spawned terminal sharer. Terminate asks it to exit
// (SIGTERM to the process group); Kill is the hard stop for sessions that
// outlive the hard timeout.
type Process interface {
	Terminate() error
	Kill() error
	Pid() int
}

// Supervisor spawns the ttyd subprocess serving the workload container and
// reports its exit through a callback. Standard I/O is captured into the
// server log, never forwarded to clients.
type Supervisor interface {
	Spawn(ctx context.Context, credFilePath string, onExit func(err error)) (Process, error)
}

type ttydSupervisor struct {
	cfg config.TerminalConfig
	l   logger.Logger
}

func NewTtydSupervisor(cfg config.TerminalConfig, l logger.Logger) Supervisor {
	return &ttydSupervisor{
		cfg: cfg,
		l:   l,
	}
}

// Spawn starts ttyd on the fixed port in accept-once mode: one client, no
// client-initiated reconnect, exit after the session closes. The workload
// container runs memory-capped, pid-capped, with all capabilities dropped and
// no-new-privileges, receiving credentials via the env file rather than argv.
func (s *ttydSupervisor) Spawn(ctx context.Context, credFilePath string, onExit func(err error)) (Process, error) {
	args := []string{
		"--port", strconv.Itoa(s.cfg.TtydPort),
		"--once",
		"--max-clients", "1",
		"--writable",
		"-t", "disableReconnect=true",
		"docker", "run", "--rm", "-i",
		"--memory", s.cfg.MemoryLimit,
		"--pids-limit", strconv.Itoa(s.cfg.PidsLimit),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--env-file", credFilePath,
		"-v", fmt.Sprintf("%s:%s:ro", credFilePath, s.cfg.EnvContainerPath),
		s.cfg.WorkloadImage,
	}
	args = append(args, s.cfg.WorkloadCommand...)

	cmd := exec.Command("ttyd", args...)
	// Own process group so Terminate/Kill reach docker as well as ttyd.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ttyd stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ttyd stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ttyd: %w", err)
	}

	s.l.Infof(ctx, "ttyd spawned: pid=%d port=%d image=%s", cmd.Process.Pid, s.cfg.TtydPort, s.cfg.WorkloadImage)

	go s.drain(ctx, "ttyd stdout", stdout)
	go s.drain(ctx, "ttyd stderr", stderr)

	proc := &ttydProcess{cmd: cmd}

	go func() {
		err := cmd.Wait()
		proc.markExited()
		if err != nil {
			s.l.Warnf(context.Background(), "ttyd exited: pid=%d err=%v", cmd.Process.Pid, err)
		} else {
			s.l.Infof(context.Background(), "ttyd exited cleanly: pid=%d", cmd.Process.Pid)
		}
		onExit(err)
	}()

	return proc, nil
}

func (s *ttydSupervisor) drain(ctx context.Context, name string, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.l.Debugf(ctx, "%s: %s", name, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

type ttydProcess struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	exited bool
}

func (p *ttydProcess) markExited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
}

func (p *ttydProcess) signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil
	}
	// Negative pid addresses the whole process group.
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

func (p *ttydProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *ttydProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *ttydProcess) Pid() int {
	return p.cmd.Process.Pid
}
