package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmark-sync/internal/client/api"
	"github.com/chirino/bookmark-sync/internal/client/blob"
	"github.com/chirino/bookmark-sync/internal/client/outbox"
	"github.com/chirino/bookmark-sync/internal/client/records"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
	"github.com/google/uuid"
)

// pushDebounce is how long after the last local mutation the implicit push
// fires. Bursts of edits coalesce into one push cycle.
const pushDebounce = 2 * time.Second

// syncCompleteKey is the blob key written after every completed sync cycle.
// Sibling sessions observe the write through the blob change channel and
// refresh from their local store.
const syncCompleteKey = "sync:complete"

// Status is the observable orchestrator state.
type Status struct {
	IsSyncing    bool       `json:"isSyncing"`
	PendingCount int        `json:"pendingCount"`
	LastSync     *time.Time `json:"lastSync,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Result summarizes one sync cycle.
type Result struct {
	Skipped   bool
	Pushed    int
	Applied   int
	Conflicts []registrystore.Conflict
}

// Orchestrator schedules push and pull: debounced push on local change,
// checksum-gated pull on demand, and cross-session completion broadcast.
// At most one cycle runs at a time; a second concurrent request is skipped.
type Orchestrator struct {
	engine *Engine
	client *api.Client
	store  *records.Store
	blobs  blob.Store

	mu       sync.Mutex
	status   Status
	syncing  bool
	debounce *time.Timer
	delay    time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithDebounce overrides the push debounce window.
func WithDebounce(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.delay = d }
}

// NewOrchestrator wires the orchestrator over a plaintext engine. Register
// NotifyLocalChange as a record-store mutation hook to get debounced pushes.
func NewOrchestrator(engine *Engine, client *api.Client, store *records.Store, blobs blob.Store, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		engine: engine,
		client: client,
		store:  store,
		blobs:  blobs,
		delay:  pushDebounce,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Status returns a copy of the observable state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	st.IsSyncing = o.syncing
	if n, err := o.engine.Pending(); err == nil {
		st.PendingCount = n
	}
	return st
}

// NotifyLocalChange schedules a debounced push. Each call resets the window.
func (o *Orchestrator) NotifyLocalChange() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.debounce = time.AfterFunc(o.delay, func() {
		if _, err := o.Push(context.Background()); err != nil {
			log.Warn("Debounced push failed", "err", err)
		}
	})
}

// Stop cancels any pending debounced push.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
}

// begin claims the exclusive sync slot. It also preempts any pending
// debounced push; the explicit cycle supersedes it.
func (o *Orchestrator) begin() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.syncing {
		return false
	}
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
	o.syncing = true
	return true
}

func (o *Orchestrator) finish(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncing = false
	if err != nil {
		o.status.Error = err.Error()
		return
	}
	o.status.Error = ""
	now := time.Now().UTC()
	o.status.LastSync = &now
}

// Push drains the outbox. Returns Skipped when another cycle is running.
func (o *Orchestrator) Push(ctx context.Context) (*Result, error) {
	if !o.begin() {
		return &Result{Skipped: true}, nil
	}
	out, err := o.engine.PushAll(ctx)
	o.finish(err)
	if err != nil {
		return nil, err
	}
	o.broadcastComplete()
	return &Result{Pushed: out.Pushed, Conflicts: out.Conflicts}, nil
}

// CheckAndSync fetches the server checksum and pulls only when it differs
// from the locally stored remote checksum. Identical checksums skip the pull
// entirely.
func (o *Orchestrator) CheckAndSync(ctx context.Context) (*Result, error) {
	if !o.begin() {
		return &Result{Skipped: true}, nil
	}

	serverMeta, err := o.client.Checksum(ctx)
	if err != nil {
		o.finish(err)
		return nil, err
	}
	stored, err := o.store.RemoteChecksum()
	if err != nil {
		o.finish(err)
		return nil, err
	}
	if stored != nil && stored.Equal(serverMeta) {
		o.finish(nil)
		return &Result{Skipped: true}, nil
	}

	applied, err := o.engine.Pull(ctx)
	if err != nil {
		o.finish(err)
		return nil, err
	}
	if err := o.store.PutRemoteChecksum(serverMeta); err != nil {
		o.finish(err)
		return nil, err
	}
	o.finish(nil)
	o.broadcastComplete()
	return &Result{Applied: applied}, nil
}

// broadcastComplete writes the completion marker so sibling sessions refresh.
func (o *Orchestrator) broadcastComplete() {
	payload, _ := json.Marshal(map[string]any{"at": time.Now().UTC()})
	if err := o.blobs.Put(syncCompleteKey, payload); err != nil {
		log.Warn("Failed to broadcast sync completion", "err", err)
	}
}

// OnSyncComplete invokes fn whenever another session finishes a sync cycle.
// The returned function unsubscribes.
func (o *Orchestrator) OnSyncComplete(fn func()) func() {
	return o.blobs.Subscribe(func(ev blob.Event) {
		if ev.Key == syncCompleteKey && !ev.Deleted {
			fn()
		}
	})
}

// ConflictStrategy selects how a per-record conflict is resolved.
type ConflictStrategy string

const (
	// StrategyKeepBoth duplicates the local record under a new id and lets
	// the server copy win the original id.
	StrategyKeepBoth ConflictStrategy = "keep-both"
	// StrategyLocalWins re-pushes the local record over the server copy.
	StrategyLocalWins ConflictStrategy = "local-wins"
	// StrategyRemoteWins drops the local change; the next pull restores the
	// server copy.
	StrategyRemoteWins ConflictStrategy = "remote-wins"
)

// ResolveConflict applies one strategy to one conflicted record.
func (o *Orchestrator) ResolveConflict(ctx context.Context, c registrystore.Conflict, strategy ConflictStrategy, box *outbox.Outbox) error {
	switch strategy {
	case StrategyLocalWins:
		rec, ok, err := o.store.Get(c.RecordType, c.RecordID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("conflicted record %s/%s is gone locally", c.RecordType, c.RecordID)
		}
		return box.Enqueue(outbox.Entry{
			RecordID:    c.RecordID,
			RecordType:  c.RecordType,
			Data:        rec.Data,
			BaseVersion: c.ServerVersion,
		})

	case StrategyRemoteWins:
		return box.RemoveRecords([]registrystore.RecordKey{{RecordID: c.RecordID, RecordType: c.RecordType}})

	case StrategyKeepBoth:
		rec, ok, err := o.store.Get(c.RecordType, c.RecordID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("conflicted record %s/%s is gone locally", c.RecordType, c.RecordID)
		}
		dupID := uuid.NewString()
		dup, err := reidentifyPayload(rec.Data, dupID)
		if err != nil {
			return err
		}
		if err := o.store.Upsert(c.RecordType, dupID, dup); err != nil {
			return err
		}
		// The original id reverts to the server copy.
		return box.RemoveRecords([]registrystore.RecordKey{{RecordID: c.RecordID, RecordType: c.RecordType}})

	default:
		return fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// reidentifyPayload rewrites the payload's id field for a keep-both duplicate.
func reidentifyPayload(data json.RawMessage, id string) (json.RawMessage, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	payload["id"] = id
	if title, ok := payload["title"].(string); ok && !strings.HasSuffix(title, " (copy)") {
		payload["title"] = title + " (copy)"
	}
	return json.Marshal(payload)
}
