package remote

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Node is one folder or file as returned by the metadata endpoint. Child
// descriptors in Folders and Files carry the same fields but no children of
// their own.
type Node struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	IsFolder     bool      `json:"is_folder"`
	Uploaded     Timestamp `json:"uploaded"`
	LastModified Timestamp `json:"last_modified"`
	Folders      []Node    `json:"folders"`
	Files        []Node    `json:"files"`
}

// Timestamp accepts the shapes the remote uses for dates: epoch milliseconds
// as a number or string, RFC 1123 and RFC 3339 strings. Anything else decodes
// to the zero time rather than failing the whole listing.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] != '"' {
		t.Time = fromMillis(string(data))
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Time = time.Time{}
		return nil //nolint:nilerr // unparseable dates render empty
	}
	t.Time = parseTimestamp(raw)
	return nil
}

// MarshalJSON renders RFC 3339, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if ts := fromMillis(raw); !ts.IsZero() {
		return ts
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func fromMillis(raw string) time.Time {
	ms, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}
