// Package tree flattens a remote folder hierarchy into an ordered list of
// entries. Folders are listed before their subtrees, and a folder's own files
// follow every one of its subfolder subtrees.
package tree

import (
	"strings"
	"time"

	"github.com/JakeFAU/treexport/internal/remote"
)

// Kind distinguishes folders from files.
type Kind string

// Supported entry kinds. The string values appear verbatim in exports.
const (
	KindFolder Kind = "folder"
	KindFile   Kind = "file"
)

// Entry is one node of the exported tree.
type Entry struct {
	Name       string
	Path       string
	Kind       Kind
	Extension  string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// IsFolder reports whether the entry is a folder.
func (e Entry) IsFolder() bool { return e.Kind == KindFolder }

// FromNode converts a remote node into an Entry of the given kind.
func FromNode(node remote.Node, kind Kind) Entry {
	entry := Entry{
		Name:       node.Name,
		Path:       node.Path,
		Kind:       kind,
		CreatedAt:  node.Uploaded.Time,
		ModifiedAt: node.LastModified.Time,
	}
	if kind == KindFile {
		entry.Extension = Extension(node.Name)
	}
	return entry
}

// Extension returns the lowercased text after the last dot of name. A name
// without a dot yields the whole name lowercased.
func Extension(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return strings.ToLower(name[i+1:])
	}
	return strings.ToLower(name)
}
