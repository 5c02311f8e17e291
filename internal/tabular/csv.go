// Package tabular renders exported entries as the downloadable CSV document
// and derives the filenames offered to clients.
package tabular

import (
	"strings"
	"time"

	"github.com/JakeFAU/treexport/internal/tree"
)

// Header is the first line of every export.
const Header = "Name,Type,Created,Modified,Extension,Path"

// ContentType is the media type of a rendered export.
const ContentType = "text/csv"

// DefaultTimeLayout matches the en-US short date and time rendering.
const DefaultTimeLayout = "1/2/2006, 3:04:05 PM"

// Format controls how timestamps are written.
type Format struct {
	TimeLayout string
	Location   *time.Location
}

// Render writes the header line followed by one row per entry. Rows are
// separated by a newline and the last row has no trailing newline.
func Render(entries []tree.Entry, format Format) string {
	if format.TimeLayout == "" {
		format.TimeLayout = DefaultTimeLayout
	}
	if format.Location == nil {
		format.Location = time.Local
	}

	var b strings.Builder
	b.WriteString(Header)
	b.WriteByte('\n')
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fields := [...]string{
			e.Name,
			string(e.Kind),
			format.timestamp(e.CreatedAt),
			format.timestamp(e.ModifiedAt),
			e.Extension,
			e.Path,
		}
		for j, f := range fields {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(Escape(f))
		}
	}
	return b.String()
}

func (f Format) timestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.In(f.Location).Format(f.TimeLayout)
}

// Escape applies the export's quoting rules. A field holding a double quote
// is wrapped with every quote doubled. A field holding a comma or newline is
// wrapped unless the first rule already did so.
func Escape(field string) string {
	wrapped := false
	if strings.Contains(field, `"`) {
		field = `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
		wrapped = true
	}
	if !wrapped && strings.ContainsAny(field, ",\n") {
		field = `"` + field + `"`
	}
	return field
}
