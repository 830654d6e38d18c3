package records

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// checksumDebounce is how long after the last local write the checksum is
// recomputed. Bursts of edits produce one recalculation.
const checksumDebounce = 500 * time.Millisecond

// ChecksumKeeper recomputes and persists the local dataset checksum, debounced
// behind a short delay. Register its Trigger as a store mutation hook.
type ChecksumKeeper struct {
	store *Store
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewChecksumKeeper creates a keeper with the standard debounce delay.
func NewChecksumKeeper(store *Store) *ChecksumKeeper {
	return &ChecksumKeeper{store: store, delay: checksumDebounce}
}

// Trigger schedules a recalculation, resetting the debounce window.
func (k *ChecksumKeeper) Trigger() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return
	}
	if k.timer != nil {
		k.timer.Stop()
	}
	k.timer = time.AfterFunc(k.delay, k.recompute)
}

// Flush recomputes immediately, cancelling any pending timer.
func (k *ChecksumKeeper) Flush() {
	k.mu.Lock()
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
	k.mu.Unlock()
	k.recompute()
}

// Stop cancels any pending recalculation.
func (k *ChecksumKeeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = true
	if k.timer != nil {
		k.timer.Stop()
		k.timer = nil
	}
}

func (k *ChecksumKeeper) recompute() {
	meta, err := k.store.Checksum()
	if err != nil {
		log.Warn("Local checksum recalculation failed", "err", err)
		return
	}
	if err := k.store.PutLocalChecksum(meta); err != nil {
		log.Warn("Failed to persist local checksum", "err", err)
	}
}
