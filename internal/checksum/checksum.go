// Package checksum computes the deterministic dataset checksum exchanged
// between client and server as the sync-or-skip gate. Both sides hash the
// same canonical JSON serialization, so identical datasets always produce
// identical hashes.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/chirino/bookmark-sync/internal/model"
)

// Item is one non-deleted record contributing to the dataset checksum.
type Item struct {
	RecordID   string
	RecordType model.RecordType
	Data       json.RawMessage
	Version    int64
	UpdatedAt  time.Time
}

// PerTypeCounts breaks the dataset size down by record kind.
type PerTypeCounts struct {
	Bookmarks   int `json:"bookmarks"`
	Spaces      int `json:"spaces"`
	PinnedViews int `json:"pinnedViews"`
}

// Meta is the checksum plus the dataset summary exchanged on the wire.
type Meta struct {
	Checksum      string        `json:"checksum"`
	Count         int           `json:"count"`
	LastUpdate    *time.Time    `json:"lastUpdate"`
	PerTypeCounts PerTypeCounts `json:"perTypeCounts"`
}

// Equal reports whether two metas describe the same dataset state.
// Only the checksum participates; the summary fields are informational.
func (m *Meta) Equal(other *Meta) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Checksum == other.Checksum
}

// Compute canonicalizes items and returns the dataset checksum meta.
// The empty dataset hashes the literal two bytes "[]" and has a nil LastUpdate.
func Compute(items []Item) (*Meta, error) {
	meta := &Meta{}
	for i := range items {
		meta.Count++
		switch items[i].RecordType {
		case model.RecordTypeBookmark:
			meta.PerTypeCounts.Bookmarks++
		case model.RecordTypeSpace:
			meta.PerTypeCounts.Spaces++
		case model.RecordTypePinnedView:
			meta.PerTypeCounts.PinnedViews++
		}
		if meta.LastUpdate == nil || items[i].UpdatedAt.After(*meta.LastUpdate) {
			t := items[i].UpdatedAt
			meta.LastUpdate = &t
		}
	}

	canonical, err := Canonicalize(items)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	meta.Checksum = hex.EncodeToString(sum[:])
	return meta, nil
}

// Canonicalize serializes items as the canonical JSON byte sequence that is
// hashed: records sorted by recordId, object keys sorted at every depth, no
// insignificant whitespace, timestamps in UTC millisecond precision.
func Canonicalize(items []Item) ([]byte, error) {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RecordID < sorted[j].RecordID })

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := range sorted {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeItem(&buf, &sorted[i]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// writeItem emits {data,deleted,recordId,recordType,updatedAt,version} with
// keys already in sorted order.
func writeItem(buf *bytes.Buffer, it *Item) error {
	buf.WriteString(`{"data":`)
	if len(it.Data) == 0 {
		buf.WriteString("null")
	} else if err := writeCanonicalJSON(buf, it.Data); err != nil {
		return fmt.Errorf("record %s: %w", it.RecordID, err)
	}
	buf.WriteString(`,"deleted":false`)
	buf.WriteString(`,"recordId":`)
	writeString(buf, it.RecordID)
	buf.WriteString(`,"recordType":`)
	writeString(buf, string(it.RecordType))
	buf.WriteString(`,"updatedAt":`)
	writeString(buf, FormatTime(it.UpdatedAt))
	buf.WriteString(`,"version":`)
	fmt.Fprintf(buf, "%d", it.Version)
	buf.WriteByte('}')
	return nil
}

// FormatTime renders a timestamp the way the canonical serialization expects:
// UTC with millisecond precision and a "Z" suffix.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// writeCanonicalJSON re-encodes raw JSON with object keys sorted at every
// depth and no whitespace. Numbers pass through verbatim via json.Number.
func writeCanonicalJSON(buf *bytes.Buffer, raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return writeValue(buf, v)
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		writeString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported JSON value type %T", v)
	}
	return nil
}

// writeString emits a JSON string without HTML escaping.
func writeString(buf *bytes.Buffer, s string) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s) // string encoding cannot fail
	buf.Write(bytes.TrimRight(b.Bytes(), "\n"))
}
