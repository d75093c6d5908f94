package fingerprint

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Norgate-AV/compcache/internal/compiler"
	"github.com/Norgate-AV/compcache/internal/invocation"
)

// Identity pins down exactly which compiler binary will run
type Identity struct {
	// Path is the resolved absolute path of the binary
	Path string

	// Digest is the sha256 of the binary content
	Digest string

	// Version is the compiler's own version report
	Version string

	// Host is the default target triple, when the compiler reports one
	Host string
}

type identityEntry struct {
	size  int64
	mtime time.Time
	id    *Identity
}

// identityCache remembers identities per binary until its size or mtime changes
type identityCache struct {
	mu      sync.Mutex
	entries map[string]identityEntry
	group   singleflight.Group
}

func newIdentityCache() *identityCache {
	return &identityCache{entries: make(map[string]identityEntry)}
}

func (c *identityCache) lookup(path string, info os.FileInfo) (*Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok || e.size != info.Size() || !e.mtime.Equal(info.ModTime()) {
		return nil, false
	}

	return e.id, true
}

func (c *identityCache) store(path string, info os.FileInfo, id *Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[path] = identityEntry{size: info.Size(), mtime: info.ModTime(), id: id}
}

// Identify resolves the invocation's compiler and reports its identity.
// A binary that cannot be found or executed yields a *compiler.LaunchError.
func (d *Deriver) Identify(ctx context.Context, inv *invocation.Invocation) (*Identity, error) {
	path, err := resolveExecutable(inv)
	if err != nil {
		return nil, err
	}

	return d.identify(ctx, inv, path)
}

func (d *Deriver) identify(ctx context.Context, inv *invocation.Invocation, path string) (*Identity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &compiler.LaunchError{Path: path, Err: err}
	}

	if id, ok := d.identities.lookup(path, info); ok {
		return id, nil
	}

	v, err, _ := d.identities.group.Do(path, func() (any, error) {
		digest, err := fileDigest(path)
		if err != nil {
			return nil, &compiler.LaunchError{Path: path, Err: err}
		}

		probe := "--version"
		if inv.Family == invocation.FamilyRust {
			probe = "-vV"
		}

		out, err := d.runner.Output(ctx, compiler.Command{
			Path: path,
			Args: []string{probe},
			Dir:  inv.Cwd,
			Env:  inv.Env,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query compiler version: %w", err)
		}

		id := &Identity{
			Path:    path,
			Digest:  digest,
			Version: string(out),
			Host:    parseHost(out),
		}

		d.identities.store(path, info, id)
		d.logger.Debug("Identified compiler", "path", path, "digest", digest[:12], "host", id.Host)

		return id, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Identity), nil
}

// parseHost extracts the "host:" line of rustc -vV
func parseHost(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if host, ok := strings.CutPrefix(sc.Text(), "host: "); ok {
			return strings.TrimSpace(host)
		}
	}

	return ""
}

// resolveExecutable finds the compiler binary the way a shell would, using
// the PATH of the invocation rather than that of the daemon
func resolveExecutable(inv *invocation.Invocation) (string, error) {
	exe := inv.Executable

	if strings.ContainsRune(exe, filepath.Separator) || strings.ContainsRune(exe, '/') {
		path := inv.Path(exe)
		if err := checkExecutable(path); err != nil {
			return "", &compiler.LaunchError{Path: path, Err: err}
		}
		return path, nil
	}

	pathEnv, ok := inv.Getenv("PATH")
	if !ok {
		pathEnv = os.Getenv("PATH")
	}

	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			dir = "."
		}

		path := filepath.Join(inv.Path(dir), exe)
		if checkExecutable(path) == nil {
			return path, nil
		}
	}

	return "", &compiler.LaunchError{Path: exe, Err: exec.ErrNotFound}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.IsDir() {
		return errors.New("is a directory")
	}

	if info.Mode().Perm()&0o111 == 0 {
		return os.ErrPermission
	}

	return nil
}
