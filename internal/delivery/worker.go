// Package delivery runs the worker that drains the message queue: incoming
// bursts are merged and answered, outgoing replies are sent to platforms.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/events"
	"github.com/ashureev/chatrelay/internal/provider"
	"github.com/ashureev/chatrelay/internal/queue"
	"github.com/ashureev/chatrelay/internal/reply"
	"github.com/ashureev/chatrelay/internal/session"
	"github.com/ashureev/chatrelay/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const settleTimeout = 5 * time.Second

// Sender delivers an outgoing message to a platform user.
type Sender interface {
	Send(ctx context.Context, msg domain.ChatMessage, targetUserID string) (provider.SendResult, error)
}

// Options configures a Worker.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
	ErrorDelay   time.Duration
	// BatchSize bounds how many queued messages of one channel are leased
	// together for merging.
	BatchSize int
}

// DefaultOptions returns the worker defaults.
func DefaultOptions() Options {
	return Options{
		Concurrency:  5,
		PollInterval: time.Second,
		ErrorDelay:   5 * time.Second,
		BatchSize:    10,
	}
}

// Worker moves queued messages through reply generation and delivery.
type Worker struct {
	queue    *queue.Queue
	merger   *queue.Merger
	sessions *session.Manager
	replies  reply.Generator
	sender   Sender
	hub      *events.Hub
	opts     Options
	tracer   trace.Tracer
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*channelLock

	// dispatchMu serialises leasing in Run with burst gathering, so an item
	// of a busy channel is either pending in the store or in its backlog.
	dispatchMu sync.Mutex
	// backlog holds, per channel with an item in flight, the items leased
	// behind it in lease order.
	backlog map[string][]*domain.QueuedMessage
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

// NewWorker creates a Worker. hub may be nil.
func NewWorker(
	q *queue.Queue,
	merger *queue.Merger,
	sessions *session.Manager,
	replies reply.Generator,
	sender Sender,
	hub *events.Hub,
	opts Options,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = def.ErrorDelay
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	return &Worker{
		queue:    q,
		merger:   merger,
		sessions: sessions,
		replies:  replies,
		sender:   sender,
		hub:      hub,
		opts:     opts,
		tracer:   telemetry.Tracer(),
		logger:   logger.With("component", "delivery"),
		locks:    make(map[string]*channelLock),
		backlog:  make(map[string][]*domain.QueuedMessage),
	}
}

// Run processes queue items until ctx is cancelled, then waits for
// in-flight items to settle. Each channel is drained by one goroutine in
// lease order; items leased while their channel is busy wait in its backlog
// and keep their semaphore slot until handled.
func (w *Worker) Run(ctx context.Context) {
	sem := semaphore.NewWeighted(int64(w.opts.Concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	w.logger.Info("Delivery worker started", "concurrency", w.opts.Concurrency, "batch_size", w.opts.BatchSize)
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			w.logger.Info("Delivery worker stopping")
			return
		}

		item, queued, err := w.leaseNext(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Dequeue failed", "error", err)
			if !sleep(ctx, w.opts.ErrorDelay) {
				return
			}
			continue
		}
		if item == nil {
			sem.Release(1)
			if !sleep(ctx, w.opts.PollInterval) {
				return
			}
			continue
		}
		if queued {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.drain(ctx, item, sem)
		}()
	}
}

// leaseNext leases the oldest eligible item. When its channel already has an
// item in flight the item is appended to that channel's backlog and queued
// is true; otherwise the channel is marked in flight.
func (w *Worker) leaseNext(ctx context.Context) (item *domain.QueuedMessage, queued bool, err error) {
	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()

	item, err = w.queue.Dequeue(ctx)
	if err != nil || item == nil {
		return nil, false, err
	}
	key := channelKey(item)
	if pending, busy := w.backlog[key]; busy {
		w.backlog[key] = append(pending, item)
		return item, true, nil
	}
	w.backlog[key] = nil
	return item, false, nil
}

// drain handles item and then its channel's backlog until the backlog is
// empty. After cancellation the remaining items are released.
func (w *Worker) drain(ctx context.Context, item *domain.QueuedMessage, sem *semaphore.Weighted) {
	key := channelKey(item)
	for item != nil {
		absorbed := 0
		if ctx.Err() != nil {
			w.releaseAll(ctx, []*domain.QueuedMessage{item})
		} else {
			absorbed = w.process(ctx, item, true)
		}
		sem.Release(int64(1 + absorbed))
		item = w.nextInChannel(key)
	}
}

// nextInChannel pops the head of the channel's backlog, or marks the channel
// idle when nothing is waiting.
func (w *Worker) nextInChannel(key string) *domain.QueuedMessage {
	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()

	pending := w.backlog[key]
	if len(pending) == 0 {
		delete(w.backlog, key)
		return nil
	}
	w.backlog[key] = pending[1:]
	return pending[0]
}

// ProcessNext leases and processes one item synchronously. It reports
// whether an item was found. It is meant for callers that do not use Run.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	item, err := w.queue.Dequeue(ctx)
	if err != nil || item == nil {
		return false, err
	}
	w.Process(ctx, item)
	return true, nil
}

// Process handles one leased item. Items of the same channel are handled
// one at a time so replies keep their order.
func (w *Worker) Process(ctx context.Context, item *domain.QueuedMessage) {
	unlock := w.lockChannel(channelKey(item))
	defer unlock()
	w.process(ctx, item, false)
}

// process handles item and returns how many backlog items it consumed
// alongside it.
func (w *Worker) process(ctx context.Context, item *domain.QueuedMessage, fromBacklog bool) int {
	switch item.Direction {
	case domain.DirectionIncoming:
		return w.processIncoming(ctx, item, fromBacklog)
	case domain.DirectionOutgoing:
		w.processOutgoing(ctx, item)
	default:
		w.deadLetter(ctx, item, fmt.Sprintf("unknown direction %q", item.Direction))
	}
	return 0
}

func (w *Worker) processIncoming(ctx context.Context, first *domain.QueuedMessage, fromBacklog bool) int {
	ctx, span := w.tracer.Start(ctx, "delivery.incoming", trace.WithAttributes(
		attribute.String("queue.id", first.ID),
		attribute.String("chat.platform", first.Platform),
		attribute.String("chat.user_id", first.UserID),
	))
	defer span.End()

	batch := []*domain.QueuedMessage{first}
	absorbed := 0
	if w.opts.BatchSize > 1 {
		var more []*domain.QueuedMessage
		more, absorbed = w.gather(ctx, first, fromBacklog)
		batch = append(batch, more...)
	}
	span.SetAttributes(attribute.Int("queue.batch_size", len(batch)))

	if err := w.answer(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			w.releaseAll(ctx, batch)
			return absorbed
		}
		w.failAll(ctx, batch, err)
		return absorbed
	}

	settle, cancel := settleContext(ctx)
	defer cancel()
	for _, item := range batch {
		if err := w.queue.Complete(settle, item.ID); err != nil {
			w.logger.Error("Failed to complete incoming message", "queue_id", item.ID, "error", err)
		}
	}
	return absorbed
}

// gather collects up to BatchSize-1 further items of first's channel: those
// already waiting in its backlog, then those still pending in the queue.
// It reports how many came from the backlog.
func (w *Worker) gather(ctx context.Context, first *domain.QueuedMessage, fromBacklog bool) ([]*domain.QueuedMessage, int) {
	w.dispatchMu.Lock()
	defer w.dispatchMu.Unlock()

	limit := w.opts.BatchSize - 1
	var more []*domain.QueuedMessage
	key := channelKey(first)
	if pending, ok := w.backlog[key]; ok && fromBacklog {
		n := min(limit, len(pending))
		more = append(more, pending[:n]...)
		w.backlog[key] = pending[n:]
	}
	absorbed := len(more)

	if remaining := limit - absorbed; remaining > 0 {
		leased, err := w.queue.DequeueChannel(ctx, domain.DirectionIncoming, first.Platform, first.UserID, remaining)
		if err != nil {
			w.logger.Warn("Failed to lease channel burst", "queue_id", first.ID, "error", err)
		}
		more = append(more, leased...)
	}
	return more, absorbed
}

// answer merges the burst, records it in the session and enqueues replies.
func (w *Worker) answer(ctx context.Context, batch []*domain.QueuedMessage) error {
	first := batch[0]
	msgs := make([]domain.ChatMessage, 0, len(batch))
	for _, item := range batch {
		msgs = append(msgs, item.Message)
	}

	merged := w.merger.TryMerge(msgs)
	if merged.WasMerged {
		w.logger.Debug("Merged message burst", "user_id", first.UserID, "platform", first.Platform, "count", len(msgs))
		w.publish(events.Event{
			Type: events.MessageMerged, Platform: first.Platform, UserID: first.UserID, QueueID: first.ID,
			Detail: map[string]any{"count": len(msgs)},
		})
	}

	sess, err := w.resolveSession(ctx, first)
	if err != nil {
		return err
	}

	// turn holds what this attempt adds to the history.
	var turn []domain.HistoryEntry
	for _, msg := range merged.Messages {
		// A retried burst is already in the history.
		if !hasMessage(sess, msg.MessageID) {
			sess.AddMessage(msg, domain.RoleUser)
		}
		turn = append(turn, domain.HistoryEntry{Message: msg, Role: domain.RoleUser})
	}
	sess.UpdateState(domain.SessionProcessing)
	if sess, err = w.saveTurn(ctx, sess, turn); err != nil {
		return err
	}

	for _, msg := range merged.Messages {
		out, err := w.replies.Reply(ctx, sess, msg)
		if err != nil {
			w.restoreActive(ctx, sess)
			return fmt.Errorf("generate reply: %w", err)
		}
		for _, r := range out {
			if r.MessageID == "" {
				r.MessageID = uuid.NewString()
			}
			if r.Platform == "" {
				r.Platform = first.Platform
			}
			if _, err := w.queue.Enqueue(ctx, r, sess.ID, first.UserID, domain.DirectionOutgoing); err != nil {
				w.restoreActive(ctx, sess)
				return err
			}
			sess.AddMessage(r, domain.RoleAssistant)
			turn = append(turn, domain.HistoryEntry{Message: r, Role: domain.RoleAssistant})
		}
	}

	sess.UpdateState(domain.SessionActive)
	_, err = w.saveTurn(ctx, sess, turn)
	return err
}

// saveTurn persists sess. If the session was closed while the turn was in
// progress, the turn is recorded on the user's new session instead.
func (w *Worker) saveTurn(ctx context.Context, sess *domain.ChatSession, turn []domain.HistoryEntry) (*domain.ChatSession, error) {
	err := w.sessions.UpdateSession(ctx, sess)
	if !errors.Is(err, session.ErrClosed) {
		return sess, err
	}

	w.logger.Info("Session closed during turn, moving turn to a new session",
		"session_id", sess.ID, "user_id", sess.UserID, "platform", sess.Platform)
	fresh, err := w.sessions.GetOrCreateSession(ctx, sess.UserID, sess.Platform)
	if err != nil {
		return nil, err
	}
	for _, entry := range turn {
		if !hasMessage(fresh, entry.Message.MessageID) {
			fresh.AddMessage(entry.Message, entry.Role)
		}
	}
	fresh.UpdateState(sess.State)
	if err := w.sessions.UpdateSession(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

func hasMessage(sess *domain.ChatSession, id string) bool {
	for _, entry := range sess.History {
		if entry.Message.MessageID == id {
			return true
		}
	}
	return false
}

func (w *Worker) resolveSession(ctx context.Context, item *domain.QueuedMessage) (*domain.ChatSession, error) {
	if item.SessionID != "" {
		sess, err := w.sessions.GetSession(ctx, item.SessionID)
		if err != nil {
			return nil, err
		}
		if sess != nil && sess.IsOpen() {
			return sess, nil
		}
	}
	return w.sessions.GetOrCreateSession(ctx, item.UserID, item.Platform)
}

func (w *Worker) restoreActive(ctx context.Context, sess *domain.ChatSession) {
	settle, cancel := settleContext(ctx)
	defer cancel()
	sess.UpdateState(domain.SessionActive)
	if err := w.sessions.UpdateSession(settle, sess); err != nil {
		w.logger.Warn("Failed to restore session state", "session_id", sess.ID, "error", err)
	}
}

func (w *Worker) processOutgoing(ctx context.Context, item *domain.QueuedMessage) {
	ctx, span := w.tracer.Start(ctx, "delivery.outgoing", trace.WithAttributes(
		attribute.String("queue.id", item.ID),
		attribute.String("chat.platform", item.Platform),
		attribute.Int("queue.retry_count", item.RetryCount),
	))
	defer span.End()

	target := item.Message.ReceiverID
	if target == "" {
		target = item.UserID
	}

	res, err := w.sender.Send(ctx, item.Message, target)
	if err != nil && ctx.Err() != nil {
		w.logger.Info("Send cancelled, releasing message", "queue_id", item.ID)
		w.releaseAll(ctx, []*domain.QueuedMessage{item})
		return
	}

	settle, cancel := settleContext(ctx)
	defer cancel()

	switch {
	case err == nil && res.Success:
		if err := w.queue.Complete(settle, item.ID); err != nil {
			w.logger.Error("Failed to complete outgoing message", "queue_id", item.ID, "error", err)
			return
		}
		w.publish(events.Event{Type: events.MessageSent, Platform: item.Platform, UserID: item.UserID, QueueID: item.ID})

	case err != nil || res.ShouldRetry:
		// Includes unknown platforms: the provider may appear on the next
		// config reload.
		reason := describe(res, err)
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, reason)
		w.fail(settle, item, reason)

	default:
		reason := describe(res, nil)
		span.SetStatus(codes.Error, reason)
		w.deadLetter(settle, item, reason)
	}
}

func describe(res provider.SendResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.ErrorCode == "" {
		return res.ErrorMessage
	}
	return res.ErrorCode + ": " + res.ErrorMessage
}

func (w *Worker) fail(ctx context.Context, item *domain.QueuedMessage, reason string) {
	updated, err := w.queue.Fail(ctx, item.ID, reason)
	if err != nil {
		w.logger.Error("Failed to record failure", "queue_id", item.ID, "error", err)
		return
	}
	evt := events.Event{
		Type: events.MessageFailed, Platform: item.Platform, UserID: item.UserID, QueueID: item.ID,
		Detail: map[string]any{"reason": reason, "retryCount": updated.RetryCount},
	}
	if updated.Status == domain.QueueDeadLetter {
		evt.Type = events.MessageDeadLettered
	}
	w.publish(evt)
}

func (w *Worker) deadLetter(ctx context.Context, item *domain.QueuedMessage, reason string) {
	if err := w.queue.DeadLetter(ctx, item.ID, reason); err != nil {
		w.logger.Error("Failed to dead-letter message", "queue_id", item.ID, "error", err)
		return
	}
	w.publish(events.Event{
		Type: events.MessageDeadLettered, Platform: item.Platform, UserID: item.UserID, QueueID: item.ID,
		Detail: map[string]any{"reason": reason},
	})
}

func (w *Worker) failAll(ctx context.Context, batch []*domain.QueuedMessage, cause error) {
	settle, cancel := settleContext(ctx)
	defer cancel()
	w.logger.Warn("Incoming processing failed", "queue_id", batch[0].ID, "count", len(batch), "error", cause)
	for _, item := range batch {
		w.fail(settle, item, cause.Error())
	}
}

func (w *Worker) releaseAll(ctx context.Context, batch []*domain.QueuedMessage) {
	settle, cancel := settleContext(ctx)
	defer cancel()
	for _, item := range batch {
		if err := w.queue.Release(settle, item.ID); err != nil {
			w.logger.Error("Failed to release message", "queue_id", item.ID, "error", err)
		}
	}
}

func (w *Worker) publish(evt events.Event) {
	if w.hub != nil {
		w.hub.Publish(evt)
	}
}

func (w *Worker) lockChannel(key string) func() {
	w.locksMu.Lock()
	l, ok := w.locks[key]
	if !ok {
		l = &channelLock{}
		w.locks[key] = l
	}
	l.refs++
	w.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		w.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(w.locks, key)
		}
		w.locksMu.Unlock()
	}
}

func channelKey(item *domain.QueuedMessage) string {
	return string(item.Direction) + "|" + item.Platform + "|" + item.UserID
}

// settleContext outlives cancellation of ctx so queue transitions still
// land during shutdown.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
