package tree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/treexport/internal/remote"
)

// NodeFetcher fetches the metadata for one remote path.
type NodeFetcher interface {
	FetchNode(ctx context.Context, path string) (remote.Node, error)
}

// ProgressFunc receives the cumulative number of entries collected so far.
// It runs on the walking goroutine and must return promptly.
type ProgressFunc func(count int)

// Failure records a subtree that could not be listed.
type Failure struct {
	Path string
	Err  error
}

// Result is the outcome of a walk.
type Result struct {
	Entries  []Entry
	Failures []Failure
}

// Options tunes a Walker.
type Options struct {
	// MaxDepth limits how many folder levels below the root are descended
	// into. Folders at the limit are emitted but not listed. Zero means
	// unlimited.
	MaxDepth int
	Logger   *zap.Logger
}

// Walker enumerates remote trees one node fetch at a time.
type Walker struct {
	maxDepth int
	logger   *zap.Logger
}

// NewWalker constructs a Walker.
func NewWalker(opts Options) *Walker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxDepth := opts.MaxDepth
	if maxDepth < 0 {
		maxDepth = 0
	}
	return &Walker{maxDepth: maxDepth, logger: logger}
}

// Walk lists the tree rooted at root. A failed listing is logged and its
// subtree skipped; the walk still returns every entry collected elsewhere.
// The returned error is non-nil only when ctx ends before the walk does, in
// which case the entries gathered so far are still returned.
func (w *Walker) Walk(ctx context.Context, root string, fetcher NodeFetcher, onProgress ProgressFunc) (Result, error) {
	state := &walkState{
		ctx:        ctx,
		fetcher:    fetcher,
		onProgress: onProgress,
		walker:     w,
	}
	root = remote.CleanPath(root)
	state.visit(root, nil, 0)
	if err := ctx.Err(); err != nil {
		return state.result, fmt.Errorf("walk %q: %w", root, err)
	}
	return state.result, nil
}

// Walk is a convenience wrapper around a Walker with default options.
func Walk(ctx context.Context, root string, fetcher NodeFetcher, onProgress ProgressFunc) (Result, error) {
	return NewWalker(Options{}).Walk(ctx, root, fetcher, onProgress)
}

type walkState struct {
	ctx        context.Context
	fetcher    NodeFetcher
	onProgress ProgressFunc
	walker     *Walker
	result     Result
}

// visit fetches path and appends its subtree. listed carries the child
// descriptor from the parent listing, used when depth stops the descent.
func (s *walkState) visit(path string, listed *remote.Node, depth int) {
	if s.ctx.Err() != nil {
		return
	}
	if listed != nil && s.walker.maxDepth > 0 && depth > s.walker.maxDepth {
		s.append(FromNode(*listed, KindFolder))
		return
	}

	node, err := s.fetcher.FetchNode(s.ctx, path)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.walker.logger.Warn("folder listing failed; skipping subtree",
			zap.String("path", path),
			zap.Error(err),
		)
		s.result.Failures = append(s.result.Failures, Failure{Path: path, Err: err})
		return
	}
	if node.Path == "" {
		node.Path = path
	}

	s.append(FromNode(node, KindFolder))
	for i := range node.Folders {
		child := node.Folders[i]
		s.visit(child.Path, &child, depth+1)
		if s.ctx.Err() != nil {
			return
		}
	}
	for _, file := range node.Files {
		s.append(FromNode(file, KindFile))
	}
}

func (s *walkState) append(entry Entry) {
	s.result.Entries = append(s.result.Entries, entry)
	if s.onProgress != nil {
		s.onProgress(len(s.result.Entries))
	}
}
