// Package push sends usage records to the account page in bounded batches.
package push

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/quotawatch/quotawatch/internal/logging"
	"github.com/quotawatch/quotawatch/internal/models"
)

const (
	// DefaultBatchSize is the buffer length that triggers a flush once
	// exceeded.
	DefaultBatchSize = 100
	// DefaultSharedSuffix names the shared bucket of a storage.
	DefaultSharedSuffix = "_SHARED"
)

// Transport stores one batch of usage records in a bucket.
type Transport interface {
	PutUsage(ctx context.Context, bucket, kind string, payload []models.Usage) error
}

// Option configures a Session.
type Option func(*Session)

// WithBatchSize overrides the flush threshold.
func WithBatchSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSharedSuffix overrides the suffix of the shared bucket name.
func WithSharedSuffix(suffix string) Option {
	return func(s *Session) {
		if suffix != "" {
			s.shared = s.primary + suffix
		}
	}
}

// WithDryRun logs batches instead of sending them.
func WithDryRun(dryRun bool) Option {
	return func(s *Session) {
		s.dryRun = dryRun
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session accumulates usage records of one owner kind for one storage in a
// primary and a shared bucket. A bucket is flushed as soon as it holds more
// than the batch size; Close flushes whatever is left, primary first.
type Session struct {
	mu        sync.Mutex
	transport Transport
	kind      models.OwnerKind
	primary   string
	shared    string
	batchSize int
	dryRun    bool
	logger    *logging.Logger

	buffers map[string][]models.Usage
	sent    int
	batches int
	closed  bool
}

// NewSession opens a session for storage. kind selects the owner field of
// the payload and the API resource: users go to "user", everything else to
// "vo".
func NewSession(transport Transport, storage string, kind models.OwnerKind, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		kind:      kind,
		primary:   storage,
		shared:    storage + DefaultSharedSuffix,
		batchSize: DefaultBatchSize,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buffers = map[string][]models.Usage{
		s.primary: nil,
		s.shared:  nil,
	}
	return s
}

// Buckets returns the primary and shared bucket names.
func (s *Session) Buckets() (primary, shared string) {
	return s.primary, s.shared
}

// Pending returns the number of buffered records for bucket.
func (s *Session) Pending(bucket string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[bucket])
}

// Stats returns the number of records and batches handed to the transport.
func (s *Session) Stats() (records, batches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.batches
}

func (s *Session) apiKind() string {
	if s.kind == models.KindUser {
		return "user"
	}
	return "vo"
}

// Push buffers a record for bucket. Records for a bucket that is not part of
// this session are dropped with an error log.
func (s *Session) Push(ctx context.Context, bucket string, usage models.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("push session for %s is closed", s.primary)
	}
	buf, ok := s.buffers[bucket]
	if !ok {
		s.logger.ErrorWithContext(ctx, "unknown push bucket, dropping record", "bucket", bucket, "primary", s.primary, "shared", s.shared)
		return nil
	}
	buf = append(buf, usage)
	s.buffers[bucket] = buf
	if len(buf) > s.batchSize {
		return s.flush(ctx, bucket)
	}
	return nil
}

// PushQuota builds the payload for an owner's record on a fileset and routes
// it to the shared bucket when shared is set.
func (s *Session) PushQuota(ctx context.Context, owner, fileset string, record models.QuotaRecord, shared bool) error {
	bucket := s.primary
	if shared {
		bucket = s.shared
	}
	return s.Push(ctx, bucket, models.NewUsage(s.kind, owner, fileset, record))
}

// Close flushes the primary and then the shared bucket. Both are attempted
// even when the first fails.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, bucket := range []string{s.primary, s.shared} {
		if len(s.buffers[bucket]) == 0 {
			continue
		}
		if err := s.flush(ctx, bucket); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// flush sends and clears one bucket. The buffer is cleared even when the
// transport fails; there is no retry.
func (s *Session) flush(ctx context.Context, bucket string) error {
	payload := s.buffers[bucket]
	s.buffers[bucket] = nil

	if s.dryRun {
		s.logger.InfoWithContext(ctx, "dry run, would push usage", "bucket", bucket, "kind", s.apiKind(), "records", len(payload))
		return nil
	}

	s.logger.DebugWithContext(ctx, "pushing usage", "bucket", bucket, "kind", s.apiKind(), "records", len(payload))
	if err := s.transport.PutUsage(ctx, bucket, s.apiKind(), payload); err != nil {
		s.logger.ErrorWithContext(ctx, "could not push usage", "bucket", bucket, "kind", s.apiKind(), "error", err)
		return err
	}
	s.sent += len(payload)
	s.batches++
	return nil
}
