// Package archive streams every file under a remote folder into a single
// store-only ZIP. Any failure aborts the bundle before the central directory
// is written, so a truncated stream never reads back as a valid archive.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/treexport/internal/remote"
	"github.com/JakeFAU/treexport/internal/tree"
)

// ContentType is the media type of an assembled bundle.
const ContentType = "application/zip"

// ContentFetcher opens the byte stream for one remote file.
type ContentFetcher interface {
	FetchContent(ctx context.Context, path string) (io.ReadCloser, error)
}

// Progress describes the bundle after one more file has been appended.
type Progress struct {
	// Processed counts files appended so far in this bundle. It never
	// decreases.
	Processed int
	// FolderDone and FolderTotal locate the file within its own folder. The
	// ratio restarts at every folder, so it is not a whole-tree percentage.
	FolderDone  int
	FolderTotal int
	// Path is the remote path of the file just appended.
	Path string
}

// ProgressFunc observes bundle progress. It runs on the assembling goroutine.
type ProgressFunc func(Progress)

// Stats summarises a finished bundle.
type Stats struct {
	Folders int
	Files   int
	Bytes   int64
}

// ErrAborted marks failures that left the archive unfinished.
var ErrAborted = errors.New("archive: bundle aborted")

// Assembler writes bundles. The zero value is not usable; call New.
type Assembler struct {
	logger *zap.Logger
}

// New constructs an Assembler.
func New(logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{logger: logger}
}

// Assemble fetches root and writes its whole tree to sink. See AssembleNode.
func (a *Assembler) Assemble(
	ctx context.Context,
	root string,
	nodes tree.NodeFetcher,
	contents ContentFetcher,
	sink io.Writer,
	onProgress ProgressFunc,
) (Stats, error) {
	root = remote.CleanPath(root)
	node, err := nodes.FetchNode(ctx, root)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: list %q: %w", ErrAborted, root, err)
	}
	return a.AssembleNode(ctx, root, node, nodes, contents, sink, onProgress)
}

// AssembleNode writes the tree below an already fetched root node to sink.
// Subfolders are bundled before the folder's own files, and files are
// transferred one at a time. Entry names are remote paths relative to root.
// The archive is finalized only after the whole tree succeeded.
func (a *Assembler) AssembleNode(
	ctx context.Context,
	root string,
	rootNode remote.Node,
	nodes tree.NodeFetcher,
	contents ContentFetcher,
	sink io.Writer,
	onProgress ProgressFunc,
) (Stats, error) {
	base := root
	if rootNode.Path != "" {
		base = rootNode.Path
	}
	prefix := remote.CleanPath(base)
	if prefix != "/" {
		prefix += "/"
	}
	run := &assembly{
		ctx:        ctx,
		prefix:     prefix,
		nodes:      nodes,
		contents:   contents,
		sink:       sink,
		zw:         zip.NewWriter(sink),
		onProgress: onProgress,
		logger:     a.logger.With(zap.String("root", root)),
	}
	if err := run.folder(rootNode); err != nil {
		// No Close: a partial bundle must not get a central directory.
		return run.stats, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	if err := run.zw.Close(); err != nil {
		return run.stats, fmt.Errorf("%w: finalize: %w", ErrAborted, err)
	}
	run.flushSink()
	return run.stats, nil
}

type flusher interface {
	Flush()
}

type assembly struct {
	ctx        context.Context
	prefix     string
	nodes      tree.NodeFetcher
	contents   ContentFetcher
	sink       io.Writer
	zw         *zip.Writer
	onProgress ProgressFunc
	logger     *zap.Logger
	stats      Stats
}

func (r *assembly) folder(node remote.Node) error {
	r.stats.Folders++
	for _, child := range node.Folders {
		if err := r.ctx.Err(); err != nil {
			return fmt.Errorf("bundle canceled: %w", err)
		}
		sub, err := r.nodes.FetchNode(r.ctx, child.Path)
		if err != nil {
			return fmt.Errorf("list %q: %w", child.Path, err)
		}
		if sub.Path == "" {
			sub.Path = child.Path
		}
		if err := r.folder(sub); err != nil {
			return err
		}
	}

	total := len(node.Files)
	for i, file := range node.Files {
		if err := r.ctx.Err(); err != nil {
			return fmt.Errorf("bundle canceled: %w", err)
		}
		if err := r.file(file); err != nil {
			return err
		}
		r.stats.Files++
		progress := Progress{
			Processed:   r.stats.Files,
			FolderDone:  i + 1,
			FolderTotal: total,
			Path:        file.Path,
		}
		r.logger.Debug("bundle file appended",
			zap.String("path", file.Path),
			zap.Int("processed", progress.Processed),
			zap.Int("folder_done", progress.FolderDone),
			zap.Int("folder_total", progress.FolderTotal),
		)
		if r.onProgress != nil {
			r.onProgress(progress)
		}
	}
	return nil
}

func (r *assembly) file(file remote.Node) error {
	body, err := r.contents.FetchContent(r.ctx, file.Path)
	if err != nil {
		return fmt.Errorf("fetch content %q: %w", file.Path, err)
	}
	defer func() {
		if cerr := body.Close(); cerr != nil {
			r.logger.Debug("close content stream failed", zap.String("path", file.Path), zap.Error(cerr))
		}
	}()

	header := &zip.FileHeader{
		Name:   r.entryName(file.Path),
		Method: zip.Store,
	}
	if modified := file.LastModified.Time; !modified.IsZero() {
		header.Modified = modified
	}
	w, err := r.zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create entry %q: %w", header.Name, err)
	}
	n, err := io.Copy(w, body)
	r.stats.Bytes += n
	if err != nil {
		return fmt.Errorf("append %q: %w", file.Path, err)
	}
	if err := r.zw.Flush(); err != nil {
		return fmt.Errorf("flush %q: %w", file.Path, err)
	}
	r.flushSink()
	return nil
}

func (r *assembly) entryName(path string) string {
	path = "/" + strings.TrimPrefix(path, "/")
	if name, ok := strings.CutPrefix(path, r.prefix); ok {
		return name
	}
	return strings.TrimPrefix(path, "/")
}

func (r *assembly) flushSink() {
	if f, ok := r.sink.(flusher); ok {
		f.Flush()
	}
}
