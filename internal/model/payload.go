package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Payload length limits.
const (
	TitleMinLen       = 3
	TitleMaxLen       = 200
	DescriptionMaxLen = 500
	MaxTags           = 20
	TagMaxLen         = 50
)

// BookmarkColor enumerates the optional bookmark accent colors.
var bookmarkColors = map[string]bool{
	"red": true, "orange": true, "yellow": true, "green": true,
	"blue": true, "purple": true, "pink": true, "gray": true,
}

// SortKey enumerates pinned view sort orders.
type SortKey string

const (
	SortKeyNewest SortKey = "newest"
	SortKeyOldest SortKey = "oldest"
	SortKeyTitle  SortKey = "title"
)

// AllSpacesID is the pinned view space reference meaning "every space".
const AllSpacesID = "all"

// Bookmark is the bookmark record payload.
type Bookmark struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Tags        []string  `json:"tags"`
	Description string    `json:"description,omitempty"`
	Color       string    `json:"color,omitempty"`
	SpaceID     string    `json:"spaceId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Space is the space record payload.
type Space struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// PinnedView is the saved-view record payload.
type PinnedView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SpaceID   string    `json:"spaceId"` // a space id or AllSpacesID
	Query     string    `json:"query"`
	TagFilter string    `json:"tagFilter"` // "all" or a tag name
	SortKey   SortKey   `json:"sortKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the bookmark payload invariants. spaceExists reports whether
// a referenced space id is known; pass nil to skip the reference check.
func (b *Bookmark) Validate(spaceExists func(id string) bool) error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("bookmark id is required")
	}
	title := strings.TrimSpace(b.Title)
	if len(title) < TitleMinLen || len(title) > TitleMaxLen {
		return fmt.Errorf("bookmark title must be %d-%d characters", TitleMinLen, TitleMaxLen)
	}
	if err := validateHTTPURL(b.URL); err != nil {
		return err
	}
	if len(b.Tags) > MaxTags {
		return fmt.Errorf("at most %d tags allowed", MaxTags)
	}
	for _, tag := range b.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("tags must be non-empty")
		}
		if len(tag) > TagMaxLen {
			return fmt.Errorf("tag %q exceeds %d characters", tag, TagMaxLen)
		}
	}
	if len(b.Description) > DescriptionMaxLen {
		return fmt.Errorf("description exceeds %d characters", DescriptionMaxLen)
	}
	if b.Color != "" && !bookmarkColors[b.Color] {
		return fmt.Errorf("unknown color %q", b.Color)
	}
	if b.SpaceID != "" && b.SpaceID != PersonalSpaceID && spaceExists != nil && !spaceExists(b.SpaceID) {
		return fmt.Errorf("space %q does not exist", b.SpaceID)
	}
	return nil
}

// Validate checks the space payload invariants.
func (s *Space) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("space id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("space name is required")
	}
	return nil
}

// Validate checks the pinned view payload invariants.
func (v *PinnedView) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("pinned view id is required")
	}
	if strings.TrimSpace(v.Name) == "" {
		return fmt.Errorf("pinned view name is required")
	}
	if strings.TrimSpace(v.SpaceID) == "" {
		return fmt.Errorf("pinned view space reference is required")
	}
	switch v.SortKey {
	case SortKeyNewest, SortKeyOldest, SortKeyTitle:
	default:
		return fmt.Errorf("unknown sort key %q", v.SortKey)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}

// NormalizeBookmarkURL reduces a bookmark URL to its duplicate-detection key:
// lowercased hostname without a leading "www.", the path without a trailing
// slash, and the query string. Invalid URLs normalize to themselves.
func NormalizeBookmarkURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	key := host + path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}
