package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// process is one node of the cluster under test.
type process struct {
	id      string
	port    int
	cmd     *exec.Cmd
	logFile *os.File
	done    chan struct{}
}

func (p *process) addr() string {
	return fmt.Sprintf("127.0.0.1:%d", p.port)
}

// freePort asks the OS for an unused port.
func freePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to get OS-assigned port: %w", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// start launches the run script for p with its output in a log file.
func (c *Cluster) start(p *process, seeds string) error {
	dataDir := filepath.Join(c.workingDir, p.id)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	args := []string{
		fmt.Sprintf("--port=%d", p.port),
		fmt.Sprintf("--working-dir=%s", dataDir),
		fmt.Sprintf("--node-id=%s", p.id),
		fmt.Sprintf("--seeds=%s", seeds),
	}

	cmd := exec.CommandContext(c.ctx, c.opts.Command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logPath := filepath.Join(c.workingDir, fmt.Sprintf("%s.log", p.id))
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start %s: %w", p.id, err)
	}

	p.cmd = cmd
	p.logFile = logFile
	p.done = make(chan struct{})

	go func() {
		cmd.Wait()
		close(p.done)
	}()

	c.log.WithFields(logrus.Fields{"node": p.id, "port": p.port, "pid": cmd.Process.Pid}).Debug("Node started")
	return nil
}

// waitForPort waits for p to accept connections.
func (c *Cluster) waitForPort(ctx context.Context, p *process) error {
	deadline := time.Now().Add(c.opts.StartTimeout)

	for {
		conn, err := net.DialTimeout("tcp", p.addr(), 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-p.done:
			return fmt.Errorf("%s exited during startup, see %s.log", p.id, filepath.Join(c.workingDir, p.id))
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("could not connect to %s at http://%s within %s\n\n"+
				"Possible issues:\n"+
				"- %s not executable (run: chmod +x %s)\n"+
				"- Process not starting on port %d\n"+
				"- Process crashing during startup",
				p.id, p.addr(), c.opts.StartTimeout, c.opts.Command, c.opts.Command, p.port)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// stop sends SIGTERM to the process group, then SIGKILL after the shutdown
// timeout.
func (c *Cluster) stop(p *process) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	defer func() {
		if p.logFile != nil {
			p.logFile.Close()
			p.logFile = nil
		}
	}()

	pgid := p.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Already gone; the waiter closes done once reaped
		select {
		case <-p.done:
			return nil
		case <-time.After(c.opts.ShutdownTimeout):
			return fmt.Errorf("failed to stop %s: %w", p.id, err)
		}
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(c.opts.ShutdownTimeout):
	}

	c.log.WithField("node", p.id).Warn("Node ignored SIGTERM, killing")
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill %s: %w", p.id, err)
	}

	<-p.done
	return nil
}
