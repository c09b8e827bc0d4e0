package config

import "path/filepath"

// Paths resolves every conventional location under a project root. The root
// is the directory containing .dmm/.
type Paths struct {
	Root string
}

// NewPaths returns a Paths anchored at root.
func NewPaths(root string) Paths {
	return Paths{Root: root}
}

// DmmDir is the .dmm directory itself.
func (p Paths) DmmDir() string { return filepath.Join(p.Root, ".dmm") }

// MemoryRoot is the directory holding the scope subtrees (baseline/, global/, ...).
func (p Paths) MemoryRoot() string { return filepath.Join(p.DmmDir(), "memory") }

// IndexDir holds the SQLite database and the exported vector collections.
func (p Paths) IndexDir() string { return filepath.Join(p.DmmDir(), "index") }

// StoreFile is the SQLite database path.
func (p Paths) StoreFile() string { return filepath.Join(p.IndexDir(), "embeddings.db") }

// PacksDir holds serialized pack caches.
func (p Paths) PacksDir() string { return filepath.Join(p.DmmDir(), "packs") }

// BaselineCacheFile is the serialized baseline pack.
func (p Paths) BaselineCacheFile() string {
	return filepath.Join(p.PacksDir(), "baseline_pack.json")
}

// PIDFile is the daemon PID file.
func (p Paths) PIDFile() string { return filepath.Join(p.DmmDir(), "daemon.pid") }

// ConfigFile is the daemon configuration file.
func (p Paths) ConfigFile() string { return filepath.Join(p.DmmDir(), "daemon.config.json") }
