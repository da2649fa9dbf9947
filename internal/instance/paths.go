// Package instance lays out the on-disk state of one named event log.
package instance

import (
	"os"
	"path/filepath"
)

// Paths locates the files of one instance under a data root.
type Paths struct {
	Root string
	Name string
}

// New returns the paths of instance name under root.
func New(root, name string) Paths {
	return Paths{Root: root, Name: name}
}

// DefaultRoot returns ~/.eventlog.
func DefaultRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".eventlog")
}

// ConfigPath returns the config file shared by every instance under root.
func ConfigPath(root string) string {
	return filepath.Join(root, "config.toml")
}

// Dir returns the instance directory.
func (p Paths) Dir() string {
	return filepath.Join(p.Root, "instances", p.Name)
}

// DBPath returns the event database path.
func (p Paths) DBPath() string {
	return filepath.Join(p.Dir(), "events.db")
}

// SocketPath returns the daemon's unix socket.
func (p Paths) SocketPath() string {
	return filepath.Join(p.Dir(), "eventlogd.sock")
}

// LockPath returns the lock file path.
func (p Paths) LockPath() string {
	return filepath.Join(p.Dir(), "LOCK")
}

// LogDir returns the log directory.
func (p Paths) LogDir() string {
	return filepath.Join(p.Dir(), "logs")
}

// LogPath returns the daemon log file path.
func (p Paths) LogPath() string {
	return filepath.Join(p.LogDir(), "eventlogd.log")
}

// EnsureDir creates the instance directory tree with proper permissions.
func (p Paths) EnsureDir() error {
	for _, d := range []string{p.Dir(), p.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
