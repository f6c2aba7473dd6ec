// Package lock serializes sync runs per user across processes.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/calmirror/calmirror/internal/model"
)

// Manager hands out per-user OS file locks under <data_dir>/locks. The
// kernel drops a lock when its holder exits, so a crashed run never leaves
// a user wedged and no staleness bookkeeping is needed.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at dataDir.
func NewManager(dataDir string) *Manager {
	return &Manager{dir: filepath.Join(dataDir, "locks")}
}

// Acquire takes the user's lock without blocking. A lock held by any
// process, this one included, yields an AlreadyRunning error.
func (m *Manager) Acquire(userID string) (*Handle, error) {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}

	fl := flock.New(filepath.Join(m.dir, userID+".lock"))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for user %s: %w", userID, err)
	}
	if !locked {
		return nil, model.NewError(model.KindAlreadyRunning,
			fmt.Sprintf("a sync for user %s is already running", userID))
	}

	return &Handle{fl: fl}, nil
}

// Handle is a held lock. The lock file itself is left in place on release;
// removing it would race with a concurrent acquirer.
type Handle struct {
	mu       sync.Mutex
	fl       *flock.Flock
	released bool
}

// Release gives the lock back. Calling it again is a no-op.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true

	if err := h.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
