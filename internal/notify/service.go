package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds one asynchronous delivery, retries included.
const DefaultTimeout = 10 * time.Second

// Service resolves, renders and dispatches case notifications. It implements
// Notifier by delivering in the background.
type Service struct {
	resolver   *Resolver
	catalog    *Catalog
	dispatcher *Dispatcher
	timeout    time.Duration
	log        *slog.Logger
	wg         sync.WaitGroup
}

// NewService returns a Service. A zero timeout selects DefaultTimeout.
func NewService(resolver *Resolver, catalog *Catalog, dispatcher *Dispatcher, timeout time.Duration, log *slog.Logger) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{resolver: resolver, catalog: catalog, dispatcher: dispatcher, timeout: timeout, log: log}
}

// Deliver notifies the buyer of caseID synchronously.
func (s *Service) Deliver(ctx context.Context, caseID string, ev Event, vars map[string]string) (Outcome, error) {
	msg, err := s.catalog.Render(ev, vars)
	if err != nil {
		return OutcomeFailed, err
	}
	t, err := s.resolver.Resolve(ctx, caseID)
	if err != nil {
		return OutcomeFailed, err
	}
	return s.dispatcher.Dispatch(ctx, caseID, t, msg), nil
}

// NotifyCase starts a delivery detached from the caller's cancellation and
// returns immediately.
func (s *Service) NotifyCase(ctx context.Context, caseID string, ev Event, vars map[string]string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if _, err := s.Deliver(ctx, caseID, ev, vars); err != nil {
			s.log.Warn("notification not delivered", "case_id", caseID, "event", ev, "error", err)
		}
	}()
}

// Wait blocks until every started delivery has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*Service)(nil)
)
