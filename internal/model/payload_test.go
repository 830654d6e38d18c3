package model_test

import (
	"strings"
	"testing"

	"github.com/chirino/bookmark-sync/internal/model"
	"github.com/stretchr/testify/require"
)

func validBookmark() model.Bookmark {
	return model.Bookmark{
		ID:    "b-1",
		Title: "GitHub",
		URL:   "https://github.com",
		Tags:  []string{"dev"},
	}
}

// TestBookmarkValidate covers the bookmark payload invariants.
func TestBookmarkValidate(t *testing.T) {
	b := validBookmark()
	require.NoError(t, b.Validate(nil))

	short := validBookmark()
	short.Title = "ab"
	require.Error(t, short.Validate(nil))

	long := validBookmark()
	long.Title = strings.Repeat("x", 201)
	require.Error(t, long.Validate(nil))

	badScheme := validBookmark()
	badScheme.URL = "ftp://example.com"
	require.Error(t, badScheme.Validate(nil))

	noHost := validBookmark()
	noHost.URL = "https://"
	require.Error(t, noHost.Validate(nil))

	tooManyTags := validBookmark()
	tooManyTags.Tags = make([]string, 21)
	for i := range tooManyTags.Tags {
		tooManyTags.Tags[i] = "t"
	}
	require.Error(t, tooManyTags.Validate(nil))

	emptyTag := validBookmark()
	emptyTag.Tags = []string{"  "}
	require.Error(t, emptyTag.Validate(nil))

	longDesc := validBookmark()
	longDesc.Description = strings.Repeat("x", 501)
	require.Error(t, longDesc.Validate(nil))

	badColor := validBookmark()
	badColor.Color = "mauve"
	require.Error(t, badColor.Validate(nil))

	goodColor := validBookmark()
	goodColor.Color = "blue"
	require.NoError(t, goodColor.Validate(nil))
}

// TestBookmarkSpaceReference verifies space references are checked against the
// lookup, with "personal" always allowed.
func TestBookmarkSpaceReference(t *testing.T) {
	exists := func(id string) bool { return id == "s-1" }

	b := validBookmark()
	b.SpaceID = "s-1"
	require.NoError(t, b.Validate(exists))

	b.SpaceID = model.PersonalSpaceID
	require.NoError(t, b.Validate(exists))

	b.SpaceID = "missing"
	require.Error(t, b.Validate(exists))
}

// TestSpaceValidate covers space invariants.
func TestSpaceValidate(t *testing.T) {
	require.NoError(t, (&model.Space{ID: "s-1", Name: "Work"}).Validate())
	require.Error(t, (&model.Space{ID: "", Name: "Work"}).Validate())
	require.Error(t, (&model.Space{ID: "s-1", Name: "  "}).Validate())
}

// TestPinnedViewValidate covers pinned view invariants.
func TestPinnedViewValidate(t *testing.T) {
	v := model.PinnedView{ID: "v-1", Name: "Recent", SpaceID: model.AllSpacesID, TagFilter: "all", SortKey: model.SortKeyNewest}
	require.NoError(t, v.Validate())

	v.SortKey = "random"
	require.Error(t, v.Validate())

	v.SortKey = model.SortKeyTitle
	v.SpaceID = ""
	require.Error(t, v.Validate())
}

// TestNormalizeBookmarkURL pins the duplicate-detection key rules.
func TestNormalizeBookmarkURL(t *testing.T) {
	require.Equal(t, "example.com", model.NormalizeBookmarkURL("https://www.example.com/"))
	require.Equal(t, "example.com", model.NormalizeBookmarkURL("https://example.com"))
	require.Equal(t, "example.com/a/b", model.NormalizeBookmarkURL("HTTPS://WWW.Example.COM/a/b/"))
	require.Equal(t, "example.com/a?q=1", model.NormalizeBookmarkURL("https://example.com/a?q=1"))
	require.NotEqual(t,
		model.NormalizeBookmarkURL("https://example.com/a?q=1"),
		model.NormalizeBookmarkURL("https://example.com/a?q=2"))
}

// TestRecordTypeAndSyncMode covers enum validity checks.
func TestRecordTypeAndSyncMode(t *testing.T) {
	for _, rt := range model.RecordTypes() {
		require.True(t, rt.Valid())
	}
	require.False(t, model.RecordType("note").Valid())

	require.True(t, model.SyncModeOff.Valid())
	require.True(t, model.SyncModePlaintext.Valid())
	require.True(t, model.SyncModeE2E.Valid())
	require.False(t, model.SyncMode("cleartext").Valid())
}
