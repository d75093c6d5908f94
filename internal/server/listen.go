package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ErrAlreadyRunning means another server answers on the socket
var ErrAlreadyRunning = errors.New("server already running")

// Listen opens the unix socket at path. A stale socket file left by a dead
// server is removed; a live one yields ErrAlreadyRunning.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		conn, err := net.DialTimeout("unix", path, time.Second)
		if err == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w on %s", ErrAlreadyRunning, path)
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	// Owner only. Some filesystems refuse; the socket still works.
	if err := os.Chmod(path, 0o600); err != nil {
		slog.Default().With("component", "server").Warn("Failed to restrict socket permissions", "path", path, "err", err)
	}

	return ln, nil
}
