package records

import (
	"encoding/json"
	"fmt"

	"github.com/chirino/bookmark-sync/internal/model"
)

// Typed accessors over the generic store. Payloads are validated before they
// are persisted, so invalid records never reach the outbox.

// Bookmarks returns all stored bookmarks in insertion order.
func (s *Store) Bookmarks() ([]model.Bookmark, error) {
	return decodeAll[model.Bookmark](s, model.RecordTypeBookmark)
}

// Bookmark returns the bookmark with the given id.
func (s *Store) Bookmark(id string) (*model.Bookmark, bool, error) {
	return decodeOne[model.Bookmark](s, model.RecordTypeBookmark, id)
}

// UpsertBookmark validates and stores a bookmark. A referenced space must
// exist locally unless it is the personal space.
func (s *Store) UpsertBookmark(b *model.Bookmark) error {
	spaceIDs, err := s.spaceIDSet()
	if err != nil {
		return err
	}
	if err := b.Validate(func(id string) bool { return spaceIDs[id] }); err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.Upsert(model.RecordTypeBookmark, b.ID, data)
}

// DeleteBookmark removes a bookmark.
func (s *Store) DeleteBookmark(id string) error {
	return s.Delete(model.RecordTypeBookmark, id)
}

// Spaces returns all stored spaces in insertion order.
func (s *Store) Spaces() ([]model.Space, error) {
	return decodeAll[model.Space](s, model.RecordTypeSpace)
}

// Space returns the space with the given id.
func (s *Store) Space(id string) (*model.Space, bool, error) {
	return decodeOne[model.Space](s, model.RecordTypeSpace, id)
}

// UpsertSpace validates and stores a space.
func (s *Store) UpsertSpace(sp *model.Space) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(sp)
	if err != nil {
		return err
	}
	return s.Upsert(model.RecordTypeSpace, sp.ID, data)
}

// DeleteSpace removes a space. The personal space is refused.
func (s *Store) DeleteSpace(id string) error {
	return s.Delete(model.RecordTypeSpace, id)
}

// EnsurePersonalSpace creates the distinguished personal space when absent.
// Called once at client start so bookmarks always have a home.
func (s *Store) EnsurePersonalSpace() error {
	_, ok, err := s.Get(model.RecordTypeSpace, model.PersonalSpaceID)
	if err != nil || ok {
		return err
	}
	sp := model.Space{ID: model.PersonalSpaceID, Name: "Personal"}
	data, err := json.Marshal(&sp)
	if err != nil {
		return err
	}
	return s.Upsert(model.RecordTypeSpace, sp.ID, data)
}

// PinnedViews returns all stored pinned views in insertion order.
func (s *Store) PinnedViews() ([]model.PinnedView, error) {
	return decodeAll[model.PinnedView](s, model.RecordTypePinnedView)
}

// PinnedView returns the pinned view with the given id.
func (s *Store) PinnedView(id string) (*model.PinnedView, bool, error) {
	return decodeOne[model.PinnedView](s, model.RecordTypePinnedView, id)
}

// UpsertPinnedView validates and stores a pinned view.
func (s *Store) UpsertPinnedView(v *model.PinnedView) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if v.SpaceID != model.AllSpacesID {
		spaceIDs, err := s.spaceIDSet()
		if err != nil {
			return err
		}
		if !spaceIDs[v.SpaceID] {
			return fmt.Errorf("space %q does not exist", v.SpaceID)
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Upsert(model.RecordTypePinnedView, v.ID, data)
}

// DeletePinnedView removes a pinned view.
func (s *Store) DeletePinnedView(id string) error {
	return s.Delete(model.RecordTypePinnedView, id)
}

func (s *Store) spaceIDSet() (map[string]bool, error) {
	set, err := s.All(model.RecordTypeSpace)
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{model.PersonalSpaceID: true}
	for i := range set {
		ids[set[i].RecordID] = true
	}
	return ids, nil
}

func decodeAll[T any](s *Store, kind model.RecordType) ([]T, error) {
	set, err := s.All(kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(set))
	for i := range set {
		var v T
		if err := json.Unmarshal(set[i].Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s %q: %w", kind, set[i].RecordID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeOne[T any](s *Store, kind model.RecordType, id string) (*T, bool, error) {
	rec, ok, err := s.Get(kind, id)
	if err != nil || !ok {
		return nil, false, err
	}
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, false, fmt.Errorf("decoding %s %q: %w", kind, id, err)
	}
	return &v, true, nil
}
