package config

import (
	"os"
	"path/filepath"
)

// configExts are the formats viper reads, in lookup order
var configExts = []string{"yml", "yaml", "json", "toml"}

// findIn returns the first regular file named base.<ext> in dir
func findIn(dir, base string) string {
	for _, ext := range configExts {
		path := filepath.Join(dir, base+"."+ext)

		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path
		}
	}

	return ""
}

// FindLocalConfig returns the nearest .compcache.<ext> in dir or one of its
// parents, or "" when there is none
func FindLocalConfig(dir string) string {
	for {
		if path := findIn(dir, ".compcache"); path != "" {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}

		dir = parent
	}
}
