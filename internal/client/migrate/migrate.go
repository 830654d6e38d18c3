// Package migrate reconciles pre-existing local and remote datasets the first
// time a user signs in on a device. The check runs once, guarded by a
// persisted flag, and only in plaintext mode with no vault envelope.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/bookmark-sync/internal/client/api"
	"github.com/chirino/bookmark-sync/internal/client/blob"
	"github.com/chirino/bookmark-sync/internal/client/outbox"
	"github.com/chirino/bookmark-sync/internal/client/records"
	"github.com/chirino/bookmark-sync/internal/model"
)

const checkedKey = "migration:checked"

// Outcome is the result of the first-sign-in check.
type Outcome string

const (
	// OutcomeNoop means both sides were empty.
	OutcomeNoop Outcome = "noop"
	// OutcomeSkipped means the check did not apply (already checked, or the
	// vault is enabled).
	OutcomeSkipped Outcome = "skipped"
	// OutcomeAppliedRemote means the empty local side adopted the remote
	// dataset.
	OutcomeAppliedRemote Outcome = "applied-remote"
	// OutcomeQueuedLocal means the local dataset was queued for push to an
	// empty remote.
	OutcomeQueuedLocal Outcome = "queued-local"
	// OutcomeConflict means both sides hold data; a strategy must be chosen
	// and passed to Resolve.
	OutcomeConflict Outcome = "conflict"
)

// Strategy selects how a both-sides-non-empty conflict is resolved.
type Strategy string

const (
	// StrategyMerge unions both sides, deduplicating per kind and keeping
	// the newer item on collision.
	StrategyMerge Strategy = "merge"
	// StrategyLocalWins keeps the local dataset as-is.
	StrategyLocalWins Strategy = "local-wins"
	// StrategyCloudWins replaces local with the remote dataset.
	StrategyCloudWins Strategy = "cloud-wins"
)

// Item is one record in a migration dataset.
type Item struct {
	Kind      model.RecordType
	ID        string
	Data      json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// CheckResult carries the decision and, on conflict, the remote dataset so
// the caller can resolve without a second pull.
type CheckResult struct {
	Outcome Outcome
	Local   int
	Remote  []Item
}

// Engine runs the first-sign-in reconciliation.
type Engine struct {
	client *api.Client
	store  *records.Store
	blobs  blob.Store
	box    *outbox.Outbox
}

// New creates a migration engine over the client stores.
func New(client *api.Client, store *records.Store, blobs blob.Store) *Engine {
	return &Engine{client: client, store: store, blobs: blobs, box: outbox.New(blobs, false)}
}

// Checked reports whether the one-shot check already ran.
func (e *Engine) Checked() (bool, error) {
	_, ok, err := e.blobs.Get(checkedKey)
	return ok, err
}

func (e *Engine) markChecked() error {
	raw, _ := json.Marshal(map[string]any{"at": time.Now().UTC()})
	return e.blobs.Put(checkedKey, raw)
}

// Check runs the decision table. OutcomeConflict is returned without marking
// the flag; Resolve marks it once a strategy has been applied.
func (e *Engine) Check(ctx context.Context) (*CheckResult, error) {
	checked, err := e.Checked()
	if err != nil {
		return nil, err
	}
	if checked {
		return &CheckResult{Outcome: OutcomeSkipped}, nil
	}

	vault, err := e.client.GetVault(ctx)
	if err != nil {
		return nil, err
	}
	if vault.Enabled {
		return &CheckResult{Outcome: OutcomeSkipped}, nil
	}

	remote, err := e.pullRemote(ctx)
	if err != nil {
		return nil, err
	}
	localCount, err := e.store.Count()
	if err != nil {
		return nil, err
	}

	switch {
	case localCount == 0 && len(remote) == 0:
		return &CheckResult{Outcome: OutcomeNoop}, e.markChecked()

	case localCount == 0:
		for _, it := range remote {
			if err := e.store.ApplyRemote(it.Kind, it.ID, it.Data, it.Version, it.UpdatedAt, false); err != nil {
				return nil, err
			}
		}
		return &CheckResult{Outcome: OutcomeAppliedRemote, Remote: remote}, e.markChecked()

	case len(remote) == 0:
		if err := e.enqueueLocal(); err != nil {
			return nil, err
		}
		return &CheckResult{Outcome: OutcomeQueuedLocal, Local: localCount}, e.markChecked()

	default:
		return &CheckResult{Outcome: OutcomeConflict, Local: localCount, Remote: remote}, nil
	}
}

// Resolve applies the chosen strategy to a conflict surfaced by Check, writes
// the resolved dataset locally, queues it for push, and marks the check done.
func (e *Engine) Resolve(ctx context.Context, remote []Item, strategy Strategy) error {
	local, err := e.localItems()
	if err != nil {
		return err
	}

	var resolved []Item
	switch strategy {
	case StrategyMerge:
		resolved, err = mergeDatasets(local, remote)
		if err != nil {
			return err
		}
	case StrategyLocalWins:
		resolved = local
	case StrategyCloudWins:
		resolved = remote
	default:
		return fmt.Errorf("unknown migration strategy %q", strategy)
	}

	if err := e.store.ClearAll(); err != nil {
		return err
	}
	for _, it := range resolved {
		if err := e.store.ApplyRemote(it.Kind, it.ID, it.Data, it.Version, it.UpdatedAt, false); err != nil {
			return err
		}
	}
	if err := e.enqueueLocal(); err != nil {
		return err
	}
	return e.markChecked()
}

// pullRemote drains the plaintext pull pages without touching local state.
func (e *Engine) pullRemote(ctx context.Context) ([]Item, error) {
	var items []Item
	var cursor *string
	for i := 0; i < 100; i++ {
		page, err := e.client.Pull(ctx, false, cursor, 100)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			if rec.Deleted {
				continue
			}
			items = append(items, Item{
				Kind:      rec.RecordType,
				ID:        rec.RecordID,
				Data:      rec.Data,
				Version:   rec.Version,
				UpdatedAt: rec.UpdatedAt,
			})
		}
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}
	return items, nil
}

func (e *Engine) localItems() ([]Item, error) {
	var items []Item
	for _, kind := range model.RecordTypes() {
		set, err := e.store.All(kind)
		if err != nil {
			return nil, err
		}
		for i := range set {
			items = append(items, Item{
				Kind:      kind,
				ID:        set[i].RecordID,
				Data:      set[i].Data,
				Version:   set[i].SyncVersion,
				UpdatedAt: set[i].UpdatedAt,
			})
		}
	}
	return items, nil
}

// enqueueLocal queues every local record for push with its last known sync
// version as the base (zero when never pushed).
func (e *Engine) enqueueLocal() error {
	for _, kind := range model.RecordTypes() {
		set, err := e.store.All(kind)
		if err != nil {
			return err
		}
		for i := range set {
			err := e.box.Enqueue(outbox.Entry{
				RecordID:    set[i].RecordID,
				RecordType:  kind,
				Data:        set[i].Data,
				BaseVersion: set[i].SyncVersion,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeDatasets unions both sides, deduplicating per kind and keeping the
// newer payload (by createdAt) on collision.
func mergeDatasets(local, remote []Item) ([]Item, error) {
	type keyed struct {
		item      Item
		createdAt time.Time
	}
	byKey := map[string]keyed{}
	var order []string

	add := func(it Item) error {
		key, createdAt, err := dedupeKey(it)
		if err != nil {
			return err
		}
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = keyed{item: it, createdAt: createdAt}
			order = append(order, key)
			return nil
		}
		if createdAt.After(existing.createdAt) {
			byKey[key] = keyed{item: it, createdAt: createdAt}
		}
		return nil
	}

	for _, it := range local {
		if err := add(it); err != nil {
			return nil, err
		}
	}
	for _, it := range remote {
		if err := add(it); err != nil {
			return nil, err
		}
	}

	merged := make([]Item, 0, len(order))
	for _, key := range order {
		merged = append(merged, byKey[key].item)
	}
	return merged, nil
}

// dedupeKey derives the per-kind collision key and the payload's createdAt.
func dedupeKey(it Item) (string, time.Time, error) {
	switch it.Kind {
	case model.RecordTypeBookmark:
		var b model.Bookmark
		if err := json.Unmarshal(it.Data, &b); err != nil {
			return "", time.Time{}, fmt.Errorf("decoding bookmark %q: %w", it.ID, err)
		}
		return "bookmark\x00" + model.NormalizeBookmarkURL(b.URL), b.CreatedAt, nil

	case model.RecordTypeSpace:
		var s model.Space
		if err := json.Unmarshal(it.Data, &s); err != nil {
			return "", time.Time{}, fmt.Errorf("decoding space %q: %w", it.ID, err)
		}
		return "space\x00" + strings.ToLower(strings.TrimSpace(s.Name)), s.CreatedAt, nil

	case model.RecordTypePinnedView:
		var v model.PinnedView
		if err := json.Unmarshal(it.Data, &v); err != nil {
			return "", time.Time{}, fmt.Errorf("decoding pinned view %q: %w", it.ID, err)
		}
		return "view\x00" + v.SpaceID + ":" + strings.ToLower(strings.TrimSpace(v.Name)), v.CreatedAt, nil
	}
	return "", time.Time{}, fmt.Errorf("unknown record type %q", it.Kind)
}
