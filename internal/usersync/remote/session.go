package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/confcore/usersync/internal/usersync/remote"

var tracer = otel.Tracer(instrumentationName)

// Bookkeeping is the persisted state a Session reads and advances.
// metadata.Store implements it.
type Bookkeeping interface {
	Cursor() []byte
	SaveCursor(token []byte) error
	InvalidateCursor() error
	CreatedScope() bool
	SetCreatedScope(bool) error
	CreatedSubscription() bool
	SetCreatedSubscription(bool) error
}

// Resolver merges a rejected client record with the server's copy.
// syncobject.Registry implements it.
type Resolver interface {
	Resolve(client, server *Record) (*Record, error)
}

// Executor runs functions on a sequential lane.
type Executor interface {
	Do(fn func())
}

// ChangeSink receives fetched changes page by page. The cursor for a page is
// saved only after ApplyChanges returns nil.
type ChangeSink interface {
	ApplyChanges(ctx context.Context, records []*Record, deletions []Deletion) error
}

// ChangeSinkFunc adapts a function to ChangeSink.
type ChangeSinkFunc func(ctx context.Context, records []*Record, deletions []Deletion) error

// ApplyChanges calls f.
func (f ChangeSinkFunc) ApplyChanges(ctx context.Context, records []*Record, deletions []Deletion) error {
	return f(ctx, records, deletions)
}

// Config holds Session settings.
type Config struct {
	Zone           ZoneID
	SubscriptionID string

	// MinRetryDelay and MaxRetryDelay bound the exponential backoff used
	// when a transient error carries no server-supplied delay.
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration

	// OnQueueDepth is called whenever the operation queue depth may have
	// changed. It must not block.
	OnQueueDepth func(depth int)

	// OnAccountChange is called after every account check and whenever an
	// operation fails with an account error.
	OnAccountChange func(available bool)

	Logger *log.Logger
}

// DefaultConfig returns the configuration for the user data zone.
func DefaultConfig() Config {
	return Config{
		Zone:           DefaultZone(),
		SubscriptionID: DefaultSubscriptionID,
		MinRetryDelay:  2 * time.Second,
		MaxRetryDelay:  5 * time.Minute,
	}
}

// Session wraps a Store with the sync engine's remote-side protocol.
type Session struct {
	store    Store
	meta     Bookkeeping
	resolver Resolver
	config   Config
	logger   *log.Logger
	queue    *opQueue

	conflicts metric.Int64Counter

	backoffMu sync.Mutex
	backoff   *backoff.ExponentialBackOff

	accountMu        sync.Mutex
	accountAvailable bool
	checkingAccount  bool
}

// NewSession creates a Session. The caller must call Close when done.
func NewSession(store Store, meta Bookkeeping, resolver Resolver, config Config) *Session {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	if config.Zone == (ZoneID{}) {
		config.Zone = DefaultZone()
	}
	if config.SubscriptionID == "" {
		config.SubscriptionID = DefaultSubscriptionID
	}
	if config.MinRetryDelay <= 0 {
		config.MinRetryDelay = 2 * time.Second
	}
	if config.MaxRetryDelay < config.MinRetryDelay {
		config.MaxRetryDelay = config.MinRetryDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.MinRetryDelay
	b.MaxInterval = config.MaxRetryDelay

	conflicts, err := otel.Meter(instrumentationName).Int64Counter("usersync.conflicts",
		metric.WithDescription("Upload conflicts resolved against the server copy"),
		metric.WithUnit("{record}"))
	if err != nil {
		config.Logger.Printf("Failed to create conflicts counter: %v", err)
		conflicts, _ = noop.Meter{}.Int64Counter("usersync.conflicts")
	}

	return &Session{
		store:     store,
		meta:      meta,
		resolver:  resolver,
		config:    config,
		logger:    config.Logger,
		queue:     newOpQueue(config.OnQueueDepth),
		conflicts: conflicts,
		backoff:   b,
	}
}

// Zone returns the zone this session operates on.
func (s *Session) Zone() ZoneID {
	return s.config.Zone
}

// QueueDepth returns the number of outstanding remote operations.
func (s *Session) QueueDepth() int {
	return s.queue.Depth()
}

// Drain blocks until no remote operation is outstanding or ctx is done.
func (s *Session) Drain(ctx context.Context) error {
	return s.queue.Drain(ctx)
}

// Close stops admitting new operations. Already queued operations still run;
// call Drain to wait for them.
func (s *Session) Close() {
	s.queue.Close()
}

// Abort cancels the context of in-flight operations.
func (s *Session) Abort() {
	s.queue.Abort()
}

// retryDelay picks the server-supplied delay or the next backoff step.
func (s *Session) retryDelay(err error) time.Duration {
	if d, ok := RetryDelay(err); ok {
		return d
	}
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	return s.backoff.NextBackOff()
}

func (s *Session) succeeded() {
	s.backoffMu.Lock()
	s.backoff.Reset()
	s.backoffMu.Unlock()
}

// IsAccountAvailable returns the result of the last account check.
func (s *Session) IsAccountAvailable() bool {
	s.accountMu.Lock()
	defer s.accountMu.Unlock()
	return s.accountAvailable
}

func (s *Session) setAccountAvailable(available bool) {
	s.accountMu.Lock()
	s.accountAvailable = available
	s.accountMu.Unlock()

	if s.config.OnAccountChange != nil {
		s.config.OnAccountChange(available)
	}
}

// CheckAccountAvailability asks the store for the account status in the
// background and publishes the result through OnAccountChange. Does nothing
// while a check is already in flight.
func (s *Session) CheckAccountAvailability() {
	s.accountMu.Lock()
	if s.checkingAccount {
		s.accountMu.Unlock()
		return
	}
	s.checkingAccount = true
	s.accountMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		available, err := s.checkAccount(ctx)
		if err != nil {
			s.logger.Printf("Failed to determine account status: %v", err)
		}

		s.accountMu.Lock()
		s.checkingAccount = false
		s.accountMu.Unlock()

		s.setAccountAvailable(available)
	}()
}

func (s *Session) checkAccount(ctx context.Context) (bool, error) {
	status, err := s.store.AccountStatus(ctx)
	if err != nil {
		return false, err
	}
	if status != AccountStatusAvailable {
		s.logger.Printf("Account is not available: %s", status)
		return false, nil
	}
	return true, nil
}

// EnsureScopeReady creates the zone and the subscription if the persisted
// flags say they were never confirmed, then calls done on lane. Each attempt
// runs on lane and waits for the operation queue to drain; a failed attempt
// is repeated after a delay until it succeeds or the session is closed.
func (s *Session) EnsureScopeReady(lane Executor, done func()) {
	var attempt func()
	attempt = func() {
		err := s.ensureScopeReady(s.queue.ctx)
		if err == nil {
			s.succeeded()
			done()
			return
		}
		if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
			return
		}
		if IsAccountError(err) {
			s.setAccountAvailable(false)
		}

		delay := s.retryDelay(err)
		s.logger.Printf("Scope not ready (%v), will retry after %v", err, delay)
		time.AfterFunc(delay, func() { lane.Do(attempt) })
	}
	lane.Do(attempt)
}

func (s *Session) ensureScopeReady(ctx context.Context) error {
	if !s.meta.CreatedScope() {
		var opErr error
		err := s.queue.Add(func(ctx context.Context) {
			opErr = s.createZone(ctx)
		})
		if err != nil {
			return err
		}
		if err := s.queue.Drain(ctx); err != nil {
			return err
		}
		if !s.meta.CreatedScope() {
			return fmt.Errorf("failed to create zone %s: %w", s.config.Zone, opErr)
		}
	}

	if !s.meta.CreatedSubscription() {
		var opErr error
		err := s.queue.Add(func(ctx context.Context) {
			opErr = s.createSubscription(ctx)
		})
		if err != nil {
			return err
		}
		if err := s.queue.Drain(ctx); err != nil {
			return err
		}
		if !s.meta.CreatedSubscription() {
			return fmt.Errorf("failed to create subscription %s: %w", s.config.SubscriptionID, opErr)
		}
	}

	return nil
}

func (s *Session) createZone(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "remote.CreateZone", trace.WithAttributes(
		attribute.String("zone", s.config.Zone.String())))
	defer span.End()

	if err := s.store.CreateZone(ctx, s.config.Zone); err != nil {
		recordSpanError(span, err)
		s.logger.Printf("Failed to create zone %s: %v", s.config.Zone, err)
		return err
	}
	if err := s.meta.SetCreatedScope(true); err != nil {
		return fmt.Errorf("failed to persist scope flag: %w", err)
	}
	s.logger.Printf("Created zone %s", s.config.Zone)
	return nil
}

func (s *Session) createSubscription(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "remote.CreateSubscription", trace.WithAttributes(
		attribute.String("subscription", s.config.SubscriptionID)))
	defer span.End()

	sub := Subscription{ID: s.config.SubscriptionID, Zone: s.config.Zone}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		recordSpanError(span, err)
		s.logger.Printf("Failed to create subscription %s: %v", sub.ID, err)
		return err
	}
	if err := s.meta.SetCreatedSubscription(true); err != nil {
		return fmt.Errorf("failed to persist subscription flag: %w", err)
	}
	s.logger.Printf("Created subscription %s", sub.ID)
	return nil
}

// FetchChanges enqueues one fetch of everything that changed in the zone
// since the persisted cursor. The cursor is read when the operation runs.
// Pages are handed to sink in order and the cursor is saved after each.
//
// An expired cursor is discarded and the fetch is re-enqueued from scratch.
// Transient errors re-run the fetch after a delay. Anything else, including
// zone deletion, is reported to done.
func (s *Session) FetchChanges(sink ChangeSink, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if err := s.queue.Add(func(ctx context.Context) { s.fetch(ctx, sink, done) }); err != nil {
		done(err)
	}
}

func (s *Session) fetch(ctx context.Context, sink ChangeSink, done func(error)) {
	ctx, span := tracer.Start(ctx, "remote.FetchChanges", trace.WithAttributes(
		attribute.String("zone", s.config.Zone.String())))
	defer span.End()

	token := s.meta.Cursor()
	pages := 0
	for {
		changes, err := s.store.FetchChanges(ctx, s.config.Zone, token)
		if err != nil {
			recordSpanError(span, err)
			s.fetchFailed(err, sink, done)
			return
		}
		pages++

		for _, f := range changes.Failures {
			s.logger.Printf("Failed to fetch record %s: %v", f.ID, f.Err)
		}

		if err := sink.ApplyChanges(ctx, changes.Records, changes.Deletions); err != nil {
			recordSpanError(span, err)
			done(fmt.Errorf("failed to apply fetched changes: %w", err))
			return
		}

		if err := s.meta.SaveCursor(changes.Token); err != nil {
			s.logger.Printf("Failed to save change cursor: %v", err)
		}
		token = changes.Token

		if !changes.MoreComing {
			break
		}
	}

	span.SetAttributes(attribute.Int("pages", pages))
	s.succeeded()
	done(nil)
}

func (s *Session) fetchFailed(err error, sink ChangeSink, done func(error)) {
	switch {
	case IsTokenExpired(err):
		s.logger.Println("Change token expired, clearing token and retrying")
		if ierr := s.meta.InvalidateCursor(); ierr != nil {
			s.logger.Printf("Failed to invalidate change cursor: %v", ierr)
		}
		if aerr := s.queue.Add(func(ctx context.Context) { s.fetch(ctx, sink, done) }); aerr != nil {
			done(aerr)
		}

	case IsTransient(err):
		delay := s.retryDelay(err)
		s.logger.Printf("Fetch failed (%v), will retry after %v", err, delay)
		if serr := s.queue.Schedule(delay, func(ctx context.Context) { s.fetch(ctx, sink, done) }); serr != nil {
			done(err)
		}

	case IsAccountError(err):
		s.setAccountAvailable(false)
		done(err)

	default:
		s.logger.Printf("Fetch failed: %v", err)
		done(err)
	}
}

// Upload enqueues one save of records. Records rejected with a conflict are
// merged with the server's copy through the resolver and saved again right
// away, once. A record that conflicts again is dropped with an error log.
// done receives every record the store accepted, carrying the new system
// fields.
func (s *Session) Upload(records []*Record, done func(saved []*Record, err error)) {
	if done == nil {
		done = func([]*Record, error) {}
	}
	if len(records) == 0 {
		done(nil, nil)
		return
	}
	if err := s.queue.Add(func(ctx context.Context) { s.upload(ctx, records, false, nil, done) }); err != nil {
		done(nil, err)
	}
}

func (s *Session) upload(ctx context.Context, records []*Record, conflictRetry bool, saved []*Record, done func([]*Record, error)) {
	ctx, span := tracer.Start(ctx, "remote.Upload", trace.WithAttributes(
		attribute.Int("records", len(records)),
		attribute.Bool("conflict_retry", conflictRetry)))
	defer span.End()

	result, err := s.store.Modify(ctx, s.config.Zone, records, nil)
	if err != nil {
		recordSpanError(span, err)
		switch {
		case IsTransient(err):
			delay := s.retryDelay(err)
			s.logger.Printf("Upload failed (%v), will retry after %v", err, delay)
			retry := func(ctx context.Context) { s.upload(ctx, records, conflictRetry, saved, done) }
			if serr := s.queue.Schedule(delay, retry); serr != nil {
				done(saved, err)
			}
		case IsAccountError(err):
			s.setAccountAvailable(false)
			done(saved, err)
		default:
			s.logger.Printf("Upload failed: %v", err)
			done(saved, err)
		}
		return
	}

	s.succeeded()
	saved = append(saved, result.Saved...)

	byID := make(map[RecordID]*Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	var resolved []*Record
	for _, f := range result.Failures {
		if !IsConflict(f.Err) {
			s.logger.Printf("Failed to upload record %s: %v", f.ID, f.Err)
			continue
		}

		client := byID[f.ID]
		if client == nil {
			continue
		}
		s.logger.Printf("Conflict with record of type %s", client.Type)
		s.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("type", client.Type)))

		if conflictRetry {
			s.logger.Printf("Record %s conflicted again after resolution, dropping it", f.ID)
			continue
		}

		server, ok := ServerRecord(f.Err)
		if !ok {
			s.logger.Printf("Conflict on %s carried no server record, giving up", f.ID)
			continue
		}

		merged, err := s.resolver.Resolve(client, server)
		if err != nil || merged == nil {
			s.logger.Printf("Resolving conflict with record of type %s returned no record (%v), giving up", client.Type, err)
			continue
		}
		resolved = append(resolved, merged)
	}

	if len(resolved) > 0 {
		s.logger.Printf("Conflicts resolved, retrying upload of %d record(s)", len(resolved))
		s.upload(ctx, resolved, true, saved, done)
		return
	}

	done(saved, nil)
}

// Delete enqueues removal of ids from the zone. done receives the ids the
// store confirmed gone, including ones it no longer knew about.
func (s *Session) Delete(ids []RecordID, done func(deleted []RecordID, err error)) {
	if done == nil {
		done = func([]RecordID, error) {}
	}
	if len(ids) == 0 {
		done(nil, nil)
		return
	}
	if err := s.queue.Add(func(ctx context.Context) { s.delete(ctx, ids, done) }); err != nil {
		done(nil, err)
	}
}

func (s *Session) delete(ctx context.Context, ids []RecordID, done func([]RecordID, error)) {
	ctx, span := tracer.Start(ctx, "remote.Delete", trace.WithAttributes(
		attribute.Int("records", len(ids))))
	defer span.End()

	result, err := s.store.Modify(ctx, s.config.Zone, nil, ids)
	if err != nil {
		recordSpanError(span, err)
		switch {
		case IsTransient(err):
			delay := s.retryDelay(err)
			s.logger.Printf("Delete failed (%v), will retry after %v", err, delay)
			if serr := s.queue.Schedule(delay, func(ctx context.Context) { s.delete(ctx, ids, done) }); serr != nil {
				done(nil, err)
			}
		case IsAccountError(err):
			s.setAccountAvailable(false)
			done(nil, err)
		default:
			s.logger.Printf("Delete failed: %v", err)
			done(nil, err)
		}
		return
	}

	s.succeeded()
	deleted := append([]RecordID(nil), result.Deleted...)
	for _, f := range result.Failures {
		if errors.Is(f.Err, ErrUnknownItem) {
			deleted = append(deleted, f.ID)
			continue
		}
		s.logger.Printf("Failed to delete record %s: %v", f.ID, f.Err)
	}
	done(deleted, nil)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
