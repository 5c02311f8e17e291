package tabular

import "strings"

var unsafeFilenameChars = strings.NewReplacer(
	"/", "_",
	`\`, "_",
	"?", "_",
	"%", "_",
	"*", "_",
	":", "_",
	"|", "_",
	`"`, "_",
	"<", "_",
	">", "_",
)

// Filename returns the attachment name for a CSV export of root.
func Filename(root string) string {
	return unsafeFilenameChars.Replace(root) + ".csv"
}

// ArchiveFilename returns the attachment name for a bundle of root: its last
// path segment with a .zip suffix.
func ArchiveFilename(root string) string {
	trimmed := strings.TrimRight(root, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if trimmed == "" {
		trimmed = "export"
	}
	return trimmed + ".zip"
}
