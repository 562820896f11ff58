package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	PIDFilename = "cgw.pid"
	RefFilename = "cgw.refs"
)

var ErrStartTimeout = errors.New("gateway startup timeout")

// Manager tracks the background gateway through a pid file and counts the
// chat sessions sharing it.
type Manager struct {
	pidFile string
	refFile string
	logger  *slog.Logger
	mu      sync.RWMutex
}

func NewManager(baseDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		pidFile: filepath.Join(baseDir, PIDFilename),
		refFile: filepath.Join(baseDir, RefFilename),
		logger:  logger,
	}
}

func (m *Manager) WritePID() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0o750); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}

	return os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func (m *Manager) ReadPID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readInt(m.pidFile)
}

// IsRunning reports whether the recorded process is alive. A stale pid file
// is removed.
func (m *Manager) IsRunning() bool {
	pid := m.ReadPID()
	if pid == 0 {
		return false
	}

	if err := syscall.Kill(pid, 0); err != nil {
		m.CleanupPID()
		return false
	}

	return true
}

// Stop sends SIGTERM and waits up to timeout for the process to exit.
func (m *Manager) Stop(timeout time.Duration) error {
	pid := m.ReadPID()
	if pid == 0 {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to process %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) && m.IsRunning() {
		time.Sleep(100 * time.Millisecond)
	}

	m.CleanupPID()

	return nil
}

func (m *Manager) CleanupPID() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.pidFile); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove PID file", "path", m.pidFile, "error", err)
	}
}

// IncrementRef and DecrementRef count chat sessions attached to a gateway
// that one of them started.
func (m *Manager) IncrementRef() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := readInt(m.refFile) + 1
	m.writeRef(n)

	return n
}

func (m *Manager) DecrementRef() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := readInt(m.refFile)
	if n > 0 {
		n--
		m.writeRef(n)
	}

	return n
}

func (m *Manager) ReadRef() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readInt(m.refFile)
}

func (m *Manager) writeRef(count int) {
	if err := os.MkdirAll(filepath.Dir(m.refFile), 0o750); err != nil {
		m.logger.Warn("Failed to create reference directory", "error", err)
		return
	}
	if err := os.WriteFile(m.refFile, []byte(strconv.Itoa(count)), 0o600); err != nil {
		m.logger.Warn("Failed to write reference file", "path", m.refFile, "error", err)
	}
}

func (m *Manager) CleanupRef() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.refFile); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove reference file", "path", m.refFile, "error", err)
	}
}

// WaitForService polls until ready reports true or timeout passes. A nil
// ready waits for the pid file.
func (m *Manager) WaitForService(timeout time.Duration, ready func() bool) bool {
	if ready == nil {
		ready = m.IsRunning
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	expire := time.Now().Add(timeout)
	for time.Now().Before(expire) {
		if ready() {
			return true
		}
		<-ticker.C
	}

	return false
}

// StartServiceIfNeeded launches "cgw start" in the background unless a
// gateway is already running. It reports whether it started one.
func (m *Manager) StartServiceIfNeeded(ready func() bool) (bool, error) {
	if m.IsRunning() {
		return false, nil
	}

	cmd := exec.Command(os.Args[0], "start")
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start gateway: %w", err)
	}
	// reap the child when it exits
	go func() { _ = cmd.Wait() }()

	if !m.WaitForService(10*time.Second, ready) {
		return false, ErrStartTimeout
	}

	return true, nil
}

func readInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}

	return n
}
