package cache

import (
	"fmt"
	"os"
	"path/filepath"
)

// Output names one file a compilation produces
type Output struct {
	// Name is the logical artifact name stored in the entry
	Name string

	// Path is where the file lives for this particular invocation
	Path string

	// Optional outputs may legitimately be absent after a successful compile
	Optional bool
}

// CollectArtifacts reads compiled outputs from disk after a real compile
func CollectArtifacts(outputs []Output) ([]Artifact, error) {
	artifacts := make([]Artifact, 0, len(outputs))

	for _, out := range outputs {
		info, err := os.Stat(out.Path)
		if err != nil {
			if os.IsNotExist(err) && out.Optional {
				continue
			}
			return nil, fmt.Errorf("failed to stat output %s: %w", out.Path, err)
		}

		data, err := os.ReadFile(out.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read output %s: %w", out.Path, err)
		}

		artifacts = append(artifacts, Artifact{
			Name: out.Name,
			Mode: uint32(info.Mode().Perm()),
			Data: data,
		})
	}

	return artifacts, nil
}

// RestoreArtifacts writes cached outputs to the paths requested by the current invocation.
// Every output that is not optional must be present in the entry.
func RestoreArtifacts(entry *Entry, outputs []Output) error {
	for _, out := range outputs {
		a, ok := entry.Artifact(out.Name)
		if !ok {
			if out.Optional {
				continue
			}
			return fmt.Errorf("cached entry is missing output %q", out.Name)
		}

		if err := writeFileAtomic(out.Path, a.Data, os.FileMode(a.Mode)); err != nil {
			return fmt.Errorf("failed to restore %s: %w", out.Path, err)
		}
	}

	return nil
}

// writeFileAtomic writes data next to path and renames it into place, so a
// concurrent reader (the build tool, another compile) never sees a torn file
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
