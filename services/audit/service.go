// Package audit records identity events (logins, registrations, driver
// assignments, access denials) off the request path.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/transport-identity/internal/observability"
	"github.com/upb/transport-identity/models"
	"github.com/upb/transport-identity/repositories"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned when events arrive before Start
	ErrNotStarted = errors.New("audit service not started")

	// ErrStopped is returned when events arrive after Stop
	ErrStopped = errors.New("audit service stopped")

	// ErrBufferFull is returned by LogEvent when the buffer has no room
	ErrBufferFull = errors.New("audit event buffer full")
)

const insertTimeout = 5 * time.Second

// RequestMeta is the request context copied into every entry.
type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

type requestMetaKey struct{}

// WithRequestMeta attaches request metadata to ctx.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFromContext returns the metadata attached by WithRequestMeta.
func RequestMetaFromContext(ctx context.Context) (RequestMeta, bool) {
	meta, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta, ok
}

// Service writes audit entries through a pool of background workers.
type Service struct {
	auditRepo   repositories.AuditRepository
	metrics     *observability.Metrics
	logger      *zap.Logger
	eventChan   chan *models.AuditLog
	stopping    chan struct{}
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup

	// mu guards started/stopped; senders hold it shared so Stop never
	// closes eventChan under them.
	mu       sync.RWMutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

// Config holds configuration for the Service
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  1024,
		WorkerCount: 2,
	}
}

// NewService creates a Service. metrics may be nil.
func NewService(auditRepo repositories.AuditRepository, metrics *observability.Metrics, logger *zap.Logger, config Config) *Service {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	return &Service{
		auditRepo:   auditRepo,
		metrics:     metrics,
		logger:      logger,
		eventChan:   make(chan *models.AuditLog, config.BufferSize),
		stopping:    make(chan struct{}),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
	}
}

// Start starts the background workers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop rejects new events and waits up to timeout for queued ones to be
// written. Calling it more than once is a no-op.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	var err error
	s.stopOnce.Do(func() {
		close(s.stopping)

		s.mu.Lock()
		s.stopped = true
		pending := len(s.eventChan)
		close(s.eventChan)
		s.mu.Unlock()

		s.logger.Info("stopping audit service", zap.Int("pending_events", pending))

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info("audit service stopped gracefully")
		case <-time.After(timeout):
			err = fmt.Errorf("audit service stop timeout after %v", timeout)
		}
	})
	return err
}

// LogEvent queues log without blocking. A full buffer drops the entry.
func (s *Service) LogEvent(log *models.AuditLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.acceptingLocked(); err != nil {
		s.metrics.RecordAuditDropped()
		return err
	}

	select {
	case s.eventChan <- log:
		return nil
	default:
		s.metrics.RecordAuditDropped()
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("action", string(log.Action)),
			zap.String("sub", log.Subject))
		return ErrBufferFull
	}
}

// LogEventBlocking queues log, waiting for buffer space until ctx is done
// or the service stops.
func (s *Service) LogEventBlocking(ctx context.Context, log *models.AuditLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.acceptingLocked(); err != nil {
		return err
	}

	select {
	case s.eventChan <- log:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopping:
		return ErrStopped
	}
}

func (s *Service) acceptingLocked() error {
	switch {
	case s.stopped:
		return ErrStopped
	case !s.started:
		return ErrNotStarted
	}
	return nil
}

// Record stamps log with the request metadata carried by ctx and queues it.
// Failures are logged, never returned; auditing must not fail a request.
func (s *Service) Record(ctx context.Context, log *models.AuditLog) {
	if meta, ok := RequestMetaFromContext(ctx); ok {
		log.WithRequest(meta.RequestID, meta.IPAddress, meta.UserAgent)
	}
	if err := s.LogEvent(log); err != nil && !errors.Is(err, ErrBufferFull) {
		s.logger.Warn("audit event not recorded",
			zap.String("action", string(log.Action)),
			zap.Error(err))
	}
}

// Query returns stored entries matching filter, newest first.
func (s *Service) Query(ctx context.Context, filter repositories.AuditFilter) ([]*models.AuditLog, error) {
	if filter.Action != "" && !filter.Action.Valid() {
		return nil, fmt.Errorf("unknown audit action %q", filter.Action)
	}
	return s.auditRepo.List(ctx, filter)
}

// worker processes events from the channel
func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for log := range s.eventChan {
		if err := s.processEvent(log); err != nil {
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(log.Action)),
				zap.String("sub", log.Subject))
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *Service) processEvent(log *models.AuditLog) error {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, log); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// GetStats returns statistics about the audit service
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
}
