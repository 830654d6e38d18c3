// Package sync drives the client side of record synchronization: batched
// outbox pushes, paged pulls, and the checksum-gated orchestration that
// decides when a full pull is worth doing.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/bookmark-sync/internal/checksum"
	"github.com/chirino/bookmark-sync/internal/client/api"
	"github.com/chirino/bookmark-sync/internal/client/outbox"
	"github.com/chirino/bookmark-sync/internal/client/records"
	"github.com/chirino/bookmark-sync/internal/model"
	registrystore "github.com/chirino/bookmark-sync/internal/registry/store"
)

const (
	// DefaultBatchSize is how many outbox entries one push carries.
	DefaultBatchSize = 50

	// maxPushIterations caps the drain loop; backoff between failed
	// iterations is linear in the attempt number.
	maxPushIterations = 20

	// maxPullIterations is the safety cap on pull paging.
	maxPullIterations = 100

	pullPageLimit = 100
)

// Replica is the local store the engine acknowledges pushes into and applies
// pulled records to. The plaintext replica is the record store; the e2e
// replica is the ciphertext store.
type Replica interface {
	ApplyRemote(rec registrystore.PullRecord) error
	AckPush(kind model.RecordType, id string, version int64, updatedAt time.Time) error
}

// ChecksumSink receives the authoritative checksum meta returned by plaintext
// pushes.
type ChecksumSink interface {
	PutRemoteChecksum(meta *checksum.Meta) error
}

// Engine pushes and pulls one sync form.
type Engine struct {
	client    *api.Client
	box       *outbox.Outbox
	replica   Replica
	sink      ChecksumSink
	encrypted bool
	batch     int
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize overrides the push batch size.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batch = n }
}

// WithChecksumSink records push-returned checksum meta into the sink.
func WithChecksumSink(sink ChecksumSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithSleep replaces the backoff sleeper. Tests use this to run the retry
// loop without real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// NewEngine creates an engine for one sync form.
func NewEngine(client *api.Client, box *outbox.Outbox, replica Replica, encrypted bool, opts ...Option) *Engine {
	e := &Engine{
		client:    client,
		box:       box,
		replica:   replica,
		encrypted: encrypted,
		batch:     DefaultBatchSize,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PushOutcome summarizes one or more push rounds.
type PushOutcome struct {
	Pushed    int
	Conflicts []registrystore.Conflict
}

// PushOnce sends one batch from the outbox head. Acknowledged entries are
// removed and their server-assigned versions written back to the replica.
// Conflicting entries stay queued for resolution; transient failures bump
// retry counters and return the error.
func (e *Engine) PushOnce(ctx context.Context) (*PushOutcome, error) {
	entries, err := e.box.Peek(e.batch)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &PushOutcome{}, nil
	}

	ops := make([]registrystore.PushOperation, len(entries))
	opIDs := make([]string, len(entries))
	kindByRecord := make(map[string]model.RecordType, len(entries))
	deletedByRecord := make(map[string]bool, len(entries))
	for i, entry := range entries {
		ops[i] = registrystore.PushOperation{
			RecordID:    entry.RecordID,
			RecordType:  entry.RecordType,
			Data:        entry.Data,
			Ciphertext:  entry.Ciphertext,
			BaseVersion: entry.BaseVersion,
			Deleted:     entry.Deleted,
		}
		opIDs[i] = entry.OpID
		kindByRecord[entry.RecordID] = entry.RecordType
		deletedByRecord[entry.RecordID] = entry.Deleted
	}

	resp, err := e.client.Push(ctx, e.encrypted, ops)
	if err != nil {
		var conflictErr *registrystore.ConflictError
		if errors.As(err, &conflictErr) {
			// Non-conflicting operations counted as synced; conflicting ones
			// stay queued for the resolution pass.
			conflicted := make(map[string]bool, len(conflictErr.Conflicts))
			for _, c := range conflictErr.Conflicts {
				conflicted[c.RecordID+"\x00"+string(c.RecordType)] = true
			}
			var ack []string
			synced := 0
			for i, entry := range entries {
				if !conflicted[entry.RecordID+"\x00"+string(entry.RecordType)] {
					ack = append(ack, opIDs[i])
					synced++
				}
			}
			if err := e.box.Remove(ack); err != nil {
				return nil, err
			}
			return &PushOutcome{Pushed: synced, Conflicts: conflictErr.Conflicts}, nil
		}
		if api.IsTransient(err) {
			if markErr := e.box.MarkRetried(opIDs); markErr != nil {
				log.Warn("Failed to record push retry", "err", markErr)
			}
		}
		return nil, err
	}

	if err := e.box.Remove(opIDs); err != nil {
		return nil, err
	}
	for _, res := range resp.Results {
		if deletedByRecord[res.RecordID] {
			continue
		}
		kind, ok := kindByRecord[res.RecordID]
		if !ok {
			continue
		}
		if err := e.replica.AckPush(kind, res.RecordID, res.Version, res.UpdatedAt); err != nil {
			log.Warn("Failed to record push ack", "recordId", res.RecordID, "err", err)
		}
	}
	if resp.ChecksumMeta != nil && e.sink != nil {
		if err := e.sink.PutRemoteChecksum(resp.ChecksumMeta); err != nil {
			log.Warn("Failed to store remote checksum", "err", err)
		}
	}
	return &PushOutcome{Pushed: resp.Synced}, nil
}

// PushAll drains the outbox, retrying transient failures with linear backoff
// up to the iteration cap. It returns the accumulated outcome; a non-nil
// error means the drain gave up with entries still queued.
func (e *Engine) PushAll(ctx context.Context) (*PushOutcome, error) {
	total := &PushOutcome{}
	var lastErr error
	for i := 1; i <= maxPushIterations; i++ {
		out, err := e.PushOnce(ctx)
		if err != nil {
			lastErr = err
			if !api.IsTransient(err) {
				return total, err
			}
			if sleepErr := e.sleep(ctx, time.Duration(i)*time.Second); sleepErr != nil {
				return total, sleepErr
			}
			continue
		}
		lastErr = nil
		total.Pushed += out.Pushed
		total.Conflicts = append(total.Conflicts, out.Conflicts...)

		remaining, err := e.box.Len()
		if err != nil {
			return total, err
		}
		if remaining == 0 {
			return total, nil
		}
		if out.Pushed == 0 {
			// Everything left is conflicted or failed; pushing again would
			// not make progress.
			return total, nil
		}
	}
	if lastErr != nil {
		return total, lastErr
	}
	return total, nil
}

// Pull drains the server's pages into the replica, honoring the iteration
// cap. It returns how many records were applied.
func (e *Engine) Pull(ctx context.Context) (int, error) {
	applied := 0
	var cursor *string
	for i := 0; i < maxPullIterations; i++ {
		page, err := e.client.Pull(ctx, e.encrypted, cursor, pullPageLimit)
		if err != nil {
			return applied, err
		}
		for _, rec := range page.Records {
			if err := e.replica.ApplyRemote(rec); err != nil {
				return applied, err
			}
			applied++
		}
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}
	return applied, nil
}

// Pending returns the number of queued outbox entries.
func (e *Engine) Pending() (int, error) {
	return e.box.Len()
}

// RecordsReplica adapts the plaintext record store to the Replica interface.
type RecordsReplica struct {
	Store *records.Store
}

func (r RecordsReplica) ApplyRemote(rec registrystore.PullRecord) error {
	return r.Store.ApplyRemote(rec.RecordType, rec.RecordID, rec.Data, rec.Version, rec.UpdatedAt, rec.Deleted)
}

func (r RecordsReplica) AckPush(kind model.RecordType, id string, version int64, updatedAt time.Time) error {
	return r.Store.SetSyncMeta(kind, id, version, updatedAt)
}
