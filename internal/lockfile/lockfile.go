// Package lockfile keeps two companions from serving the same profiles
// directory. The lock file records who holds it so the loser can say where
// the running instance listens.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Name is the lock file created inside the guarded directory
const Name = ".deckcompanion.lock"

var ErrLocked = errors.New("another instance is running")

// Owner describes the process holding a lock
type Owner struct {
	PID     int       `json:"pid"`
	Addr    string    `json:"addr"`
	Started time.Time `json:"started"`
}

// Lock is a held instance lock
type Lock struct {
	mu    sync.Mutex
	path  string
	owner Owner
	held  bool
}

// Acquire takes the lock for dir, recording addr as the listen address. A
// lock left behind by a dead process is taken over.
func Acquire(dir, addr string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	l := &Lock{
		path:  filepath.Join(dir, Name),
		owner: Owner{PID: os.Getpid(), Addr: addr, Started: time.Now().UTC().Truncate(time.Second)},
	}

	err := l.create()
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, err
	}

	current, readErr := ReadOwner(l.path)
	if readErr == nil {
		if alive, _ := isProcessRunning(current.PID); alive && current.PID != l.owner.PID {
			return nil, fmt.Errorf("%w: pid %d serving on %s since %s", ErrLocked,
				current.PID, current.Addr, current.Started.Format(time.RFC3339))
		}
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	if err := l.create(); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: lost race for %s", ErrLocked, l.path)
		}
		return nil, err
	}
	return l, nil
}

func (l *Lock) create() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return os.ErrExist
		}
		return fmt.Errorf("failed to create lock: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(l.owner); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock: %w", err)
	}
	if err := f.Sync(); err != nil {
		os.Remove(l.path)
		return fmt.Errorf("failed to sync lock: %w", err)
	}
	l.held = true
	return nil
}

// ReadOwner reads the owner recorded in a lock file
func ReadOwner(path string) (Owner, error) {
	var o Owner
	data, err := os.ReadFile(path)
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("invalid lock file: %w", err)
	}
	if o.PID <= 0 {
		return o, errors.New("invalid lock file: missing pid")
	}
	return o, nil
}

// Release removes the lock file. Releasing twice is a no-op.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	return nil
}

// Owner returns the owner written by this process
func (l *Lock) Owner() Owner { return l.owner }

// Path returns the lock file path
func (l *Lock) Path() string { return l.path }
