package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrStateLocked is returned when another process holds the state lock.
var ErrStateLocked = errors.New("state directory is in use by a running session")

// StateLock serialises writers of a state directory across processes. A
// session holds it for its whole run; one-off commands that change tasks
// take it around the change. The lock is released if the holder dies.
type StateLock struct {
	fl *flock.Flock
}

// LockState takes the lock on dir without waiting.
func LockState(dir string) (*StateLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create state dir: %v", ErrPersistence, err)
	}
	fl := flock.New(filepath.Join(dir, "state.lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock state: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrStateLocked, dir)
	}
	return &StateLock{fl: fl}, nil
}

func (l *StateLock) Unlock() error {
	return l.fl.Unlock()
}
