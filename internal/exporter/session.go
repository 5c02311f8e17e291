package exporter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/treexport/internal/metrics"
	"github.com/JakeFAU/treexport/internal/progress"
)

const reporterCloseTimeout = 5 * time.Second

// Session is the state of one export request. It lives only as long as the
// request and is never persisted.
type Session struct {
	ID         uuid.UUID
	Kind       progress.Kind
	Root       string
	Credential string
	Started    time.Time

	reporter *progress.Reporter
	logger   *zap.Logger
	clock    Clock
}

// Report publishes the session's cumulative count.
func (s *Session) Report(n int) {
	s.reporter.Report(n)
}

// Elapsed returns the time since the session started.
func (s *Session) Elapsed() time.Duration {
	return s.clock.Now().Sub(s.Started)
}

func (svc *Service) openSession(kind progress.Kind, req Request) (*Session, error) {
	id, err := svc.ids.SessionID()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:         id,
		Kind:       kind,
		Root:       req.Root,
		Credential: req.Credential,
		Started:    svc.clock.Now(),
		reporter:   svc.broadcaster.NewReporter(id, kind),
		logger: svc.logger.With(
			zap.String("session_id", id.String()),
			zap.String("kind", string(kind)),
			zap.String("root", req.Root),
		),
		clock: svc.clock,
	}
	metrics.IncActiveSessions(string(kind))
	sess.logger.Info("export started")
	return sess, nil
}

// close flushes the reporter and records the outcome. It runs on every exit
// path, including cancellation.
func (s *Session) close(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), reporterCloseTimeout)
	defer cancel()
	if cerr := s.reporter.Close(ctx); cerr != nil {
		s.logger.Warn("progress reporter did not drain", zap.Error(cerr))
	}
	metrics.DecActiveSessions(string(s.Kind))
	elapsed := s.Elapsed()
	metrics.ObserveExport(string(s.Kind), err, elapsed)
	if err != nil {
		s.logger.Warn("export failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return
	}
	s.logger.Info("export finished", zap.Duration("elapsed", elapsed))
}
