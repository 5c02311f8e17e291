// Package exporter runs export sessions: a tabular export walks a remote tree
// and renders it as CSV, and a bundle export streams every file under a
// folder into a ZIP. Both report progress to the shared broadcaster.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/treexport/internal/archive"
	"github.com/JakeFAU/treexport/internal/hash/sha256"
	"github.com/JakeFAU/treexport/internal/metrics"
	"github.com/JakeFAU/treexport/internal/progress"
	"github.com/JakeFAU/treexport/internal/remote"
	"github.com/JakeFAU/treexport/internal/storage"
	"github.com/JakeFAU/treexport/internal/tabular"
	"github.com/JakeFAU/treexport/internal/tree"
)

// ErrBadRequest reports a request missing its credential or root path.
var ErrBadRequest = errors.New("exporter: no token or path")

var tracer = otel.Tracer("github.com/JakeFAU/treexport/internal/exporter")

// CompletedTopic names the notification published after a successful export.
const CompletedTopic = "export.completed"

// Fetcher reads remote metadata and content with one bound credential.
type Fetcher interface {
	tree.NodeFetcher
	archive.ContentFetcher
}

// Source hands out a Fetcher bound to a credential.
type Source interface {
	Bind(credential string) Fetcher
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(credential string) Fetcher

// Bind calls f(credential).
func (f SourceFunc) Bind(credential string) Fetcher {
	return f(credential)
}

// Notifier publishes export notifications.
type Notifier interface {
	Publish(ctx context.Context, topic string, attrs map[string]string, payload any) (string, error)
}

// IDGenerator creates session ids.
type IDGenerator interface {
	SessionID() (uuid.UUID, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ResponseStarter is the destination of a bundle. Start is called once,
// after the root folder has been listed and before the first byte is
// written.
type ResponseStarter interface {
	Start(filename, contentType string)
	Write(p []byte) (int, error)
}

// Config tunes the Service.
type Config struct {
	Format          tabular.Format
	MaxDepth        int
	RetentionPrefix string
}

// Deps carries the Service's collaborators. Store and Notifier are optional.
type Deps struct {
	Source      Source
	Broadcaster *progress.Broadcaster
	Store       storage.BlobStore
	Notifier    Notifier
	IDs         IDGenerator
	Clock       Clock
	Logger      *zap.Logger
}

// Service runs export sessions.
type Service struct {
	cfg         Config
	source      Source
	broadcaster *progress.Broadcaster
	store       storage.BlobStore
	notifier    Notifier
	ids         IDGenerator
	clock       Clock
	walker      *tree.Walker
	assembler   *archive.Assembler
	logger      *zap.Logger
}

// New constructs a Service.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Source == nil {
		return nil, errors.New("exporter: source is required")
	}
	if deps.Broadcaster == nil {
		return nil, errors.New("exporter: broadcaster is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("exporter: id generator is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("exporter: clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Service{
		cfg:         cfg,
		source:      deps.Source,
		broadcaster: deps.Broadcaster,
		store:       deps.Store,
		notifier:    deps.Notifier,
		ids:         deps.IDs,
		clock:       deps.Clock,
		walker:      tree.NewWalker(tree.Options{MaxDepth: cfg.MaxDepth, Logger: logger.Named("walker")}),
		assembler:   archive.New(logger.Named("archive")),
		logger:      logger,
	}, nil
}

// Request identifies what to export and with which credential.
type Request struct {
	Root       string
	Credential string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Root) == "" || strings.TrimSpace(r.Credential) == "" {
		return ErrBadRequest
	}
	return nil
}

// Table is a rendered tabular export.
type Table struct {
	SessionID   uuid.UUID
	Filename    string
	ContentType string
	Body        string
	Entries     int
	// Failures lists folders whose listing failed; their subtrees are absent
	// from Body.
	Failures []tree.Failure
	// URI locates the retained copy when retention is enabled and succeeded.
	URI string
}

// Completed is the payload of the export.completed notification.
type Completed struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Root       string    `json:"root"`
	Entries    int       `json:"entries,omitempty"`
	Files      int       `json:"files,omitempty"`
	Bytes      int64     `json:"bytes"`
	Failures   int       `json:"failures,omitempty"`
	SHA256     string    `json:"sha256"`
	URI        string    `json:"uri,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ExportTable walks req.Root and renders every entry as CSV. Listing
// failures below the root leave gaps rather than failing the export; only
// cancellation of ctx makes it return an error after validation.
func (svc *Service) ExportTable(ctx context.Context, req Request) (table Table, err error) {
	if err := req.validate(); err != nil {
		return Table{}, err
	}
	sess, err := svc.openSession(progress.KindTable, req)
	if err != nil {
		return Table{}, fmt.Errorf("open table session: %w", err)
	}
	ctx, span := sess.startSpan(ctx, "exporter.ExportTable")
	defer func() {
		endSpan(span, err)
		sess.close(err)
	}()

	fetcher := svc.source.Bind(req.Credential)
	res, err := svc.walker.Walk(ctx, req.Root, fetcher, sess.Report)
	metrics.AddWalkFailures(len(res.Failures))
	if err != nil {
		return Table{}, err
	}
	metrics.AddEntries(len(res.Entries))

	table = Table{
		SessionID:   sess.ID,
		Filename:    tabular.Filename(req.Root),
		ContentType: tabular.ContentType,
		Body:        tabular.Render(res.Entries, svc.cfg.Format),
		Entries:     len(res.Entries),
		Failures:    res.Failures,
	}
	span.SetAttributes(
		attribute.Int("treexport.entries", len(res.Entries)),
		attribute.Int("treexport.failed_folders", len(res.Failures)),
	)
	if len(res.Failures) > 0 {
		sess.logger.Warn("export is partial", zap.Int("failed_folders", len(res.Failures)))
	}

	table.URI = svc.retain(ctx, sess, table)
	svc.notify(ctx, sess, Completed{
		Entries:  table.Entries,
		Bytes:    int64(len(table.Body)),
		Failures: len(table.Failures),
		SHA256:   sha256.Digest([]byte(table.Body)),
		URI:      table.URI,
	})
	return table, nil
}

// ExportBundle streams every file under req.Root into w as a store-only ZIP.
// The root is listed before w.Start is called, so a bad root fails without
// touching w. Any later failure is returned with the archive left
// unfinished.
func (svc *Service) ExportBundle(ctx context.Context, req Request, w ResponseStarter) (stats archive.Stats, err error) {
	if err := req.validate(); err != nil {
		return archive.Stats{}, err
	}
	sess, err := svc.openSession(progress.KindBundle, req)
	if err != nil {
		return archive.Stats{}, fmt.Errorf("open bundle session: %w", err)
	}
	ctx, span := sess.startSpan(ctx, "exporter.ExportBundle")
	defer func() {
		span.SetAttributes(attribute.Int("treexport.files", stats.Files))
		endSpan(span, err)
		sess.close(err)
	}()

	fetcher := svc.source.Bind(req.Credential)
	root := remote.CleanPath(req.Root)
	rootNode, err := fetcher.FetchNode(ctx, root)
	if err != nil {
		return archive.Stats{}, fmt.Errorf("list bundle root %q: %w", root, err)
	}

	w.Start(tabular.ArchiveFilename(root), archive.ContentType)
	sink := sha256.NewWriter(w)
	stats, err = svc.assembler.AssembleNode(ctx, root, rootNode, fetcher, fetcher, sink, func(p archive.Progress) {
		sess.Report(p.Processed)
	})
	metrics.AddBundle(stats.Files, stats.Bytes)
	if err != nil {
		return stats, err
	}

	sess.logger.Info("bundle written",
		zap.Int("files", stats.Files),
		zap.Int("folders", stats.Folders),
		zap.Int64("archive_bytes", sink.Len()),
	)
	svc.notify(ctx, sess, Completed{
		Files:  stats.Files,
		Bytes:  sink.Len(),
		SHA256: sink.Sum(),
	})
	return stats, nil
}

// retain stores a copy of the table when a store is configured. Failures are
// logged and otherwise ignored.
func (svc *Service) retain(ctx context.Context, sess *Session, table Table) string {
	if svc.store == nil {
		return ""
	}
	key := storage.ObjectKey(svc.cfg.RetentionPrefix, sess.ID.String(), table.Filename, sess.Started)
	uri, err := svc.store.PutObject(ctx, key, storage.Object{
		ContentType:        table.ContentType,
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", table.Filename),
		Metadata: map[string]string{
			"session_id": sess.ID.String(),
			"root":       sess.Root,
		},
		Body: strings.NewReader(table.Body),
	})
	if err != nil {
		sess.logger.Warn("retain export failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	sess.logger.Debug("export retained", zap.String("uri", uri))
	return uri
}

// notify publishes the completion notification when a notifier is
// configured. Failures are logged and otherwise ignored.
func (svc *Service) notify(ctx context.Context, sess *Session, payload Completed) {
	if svc.notifier == nil {
		return
	}
	payload.SessionID = sess.ID.String()
	payload.Kind = string(sess.Kind)
	payload.Root = sess.Root
	payload.StartedAt = sess.Started
	payload.FinishedAt = svc.clock.Now()
	attrs := map[string]string{"kind": payload.Kind, "session_id": payload.SessionID}
	id, err := svc.notifier.Publish(ctx, CompletedTopic, attrs, payload)
	if err != nil {
		sess.logger.Warn("publish completion failed", zap.Error(err))
		return
	}
	sess.logger.Debug("completion published", zap.String("message_id", id))
}

func (s *Session) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("treexport.session_id", s.ID.String()),
		attribute.String("treexport.root", s.Root),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
