// Package delivery sends outbound chat messages and keeps the ones that hit
// transient failures until the channel recovers.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConfirmationText is sent once a channel's deferred backlog is drained.
const ConfirmationText = "✅ Связь восстановлена. Доставлено %d отложенных сообщений."

// Message is one outbound payload. Document, when set, is sent instead of Text.
type Message struct {
	ChatID         int64
	ThreadID       int
	Text           string
	Keyboard       [][]string
	RemoveKeyboard bool

	// WebApp adds a leading keyboard row with a button that opens a form.
	WebApp   *WebApp
	Document *Document
}

// WebApp is a keyboard button opening the web form at URL.
type WebApp struct {
	Label string
	URL   string
}

// Document is an in-memory file so a deferred resend does not depend on
// temporary files that may already be cleaned up.
type Document struct {
	Name    string
	Data    []byte
	Caption string
	MIME    string
}

// Transport makes a single delivery attempt. Returned errors should be
// wrapped with Transient or Permanent.
type Transport interface {
	SendText(ctx context.Context, msg Message) error
	SendDocument(ctx context.Context, msg Message) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Status is the outcome of Send.
type Status int

const (
	Delivered Status = iota
	Deferred
	Rejected
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result describes what happened to a Send call.
type Result struct {
	Status   Status
	Attempts int
	Err      error
}

// Options tunes a Queue. Zero fields take the defaults.
type Options struct {
	MaxAttempts   int           // immediate attempts per Send, default 3
	BaseDelay     time.Duration // backoff base for failures without RetryAfter, default 2s
	MinInterval   time.Duration // quiet period after a failure before flushing, default 45s
	FlushInterval time.Duration // flush loop period, default 60s
	Capacity      int           // buffered messages per channel, default 20

	Clock Clock
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MinInterval <= 0 {
		o.MinInterval = 45 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 60 * time.Second
	}
	if o.Capacity <= 0 {
		o.Capacity = 20
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

type entry struct {
	seq uint64
	msg Message
}

// backlog is the pending delivery list of one channel.
type backlog struct {
	failedAt  time.Time
	entries   []entry
	flushing  bool
	delivered int
	threadID  int
}

// ChannelStatus is a read-only view of one channel's backlog.
type ChannelStatus struct {
	ChatID   int64     `json:"chat_id"`
	Queued   int       `json:"queued"`
	FailedAt time.Time `json:"failed_at"`
	Flushing bool      `json:"flushing"`
}

// Queue delivers messages through a Transport with bounded immediate
// retries, then buffers per channel and flushes in order.
type Queue struct {
	transport Transport
	opts      Options
	logger    *slog.Logger
	nudge     chan struct{}

	mu      sync.Mutex
	pending map[int64]*backlog
	seq     uint64
}

// New creates a Queue. The returned queue does not flush until Run is started
// or Flush is called.
func New(t Transport, opts Options) *Queue {
	opts.setDefaults()
	return &Queue{
		transport: t,
		opts:      opts,
		logger:    slog.Default(),
		nudge:     make(chan struct{}, 1),
		pending:   make(map[int64]*backlog),
	}
}

// Send delivers msg, retrying transient failures immediately up to
// MaxAttempts. When those run out the message is buffered for the flush loop.
// Permanent failures are returned as Rejected and never buffered.
func (q *Queue) Send(ctx context.Context, msg Message) Result {
	var lastErr error
	attempts := 0
	for attempts < q.opts.MaxAttempts {
		attempts++
		err := q.deliver(ctx, msg)
		if err == nil {
			q.signalDelivered()
			return Result{Status: Delivered, Attempts: attempts}
		}

		transient, retryAfter := Classify(err)
		if !transient {
			q.logger.Warn("delivery rejected", "chat_id", msg.ChatID, "attempt", attempts, "error", err)
			return Result{Status: Rejected, Attempts: attempts, Err: asPermanent(err)}
		}

		lastErr = err
		q.logger.Debug("transient delivery failure", "chat_id", msg.ChatID, "attempt", attempts, "error", err)
		if attempts == q.opts.MaxAttempts {
			break
		}
		delay := retryAfter
		if delay <= 0 {
			delay = exponential(q.opts.BaseDelay, attempts-1)
		}
		if err := q.opts.Sleep(ctx, delay); err != nil {
			break
		}
	}

	q.enqueue(msg)
	q.logger.Warn("delivery deferred", "chat_id", msg.ChatID, "attempts", attempts, "error", lastErr)
	return Result{Status: Deferred, Attempts: attempts, Err: lastErr}
}

func asPermanent(err error) error {
	if errors.Is(err, ErrPermanent) {
		return err
	}
	return Permanent(err)
}

func (q *Queue) deliver(ctx context.Context, msg Message) error {
	if msg.Document != nil {
		return q.transport.SendDocument(ctx, msg)
	}
	return q.transport.SendText(ctx, msg)
}

// enqueue appends msg to its channel backlog, evicting the oldest entries past
// capacity, and makes the channel eligible for the next flush.
func (q *Queue) enqueue(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.pending[msg.ChatID]
	if !ok {
		b = &backlog{}
		q.pending[msg.ChatID] = b
	}
	q.seq++
	b.entries = append(b.entries, entry{seq: q.seq, msg: msg})
	if over := len(b.entries) - q.opts.Capacity; over > 0 {
		q.logger.Warn("delivery backlog full, dropping oldest", "chat_id", msg.ChatID, "dropped", over)
		b.entries = append([]entry(nil), b.entries[over:]...)
	}
	b.failedAt = q.opts.Clock.Now().Add(-q.opts.MinInterval)
}

// signalDelivered wakes the flush loop when some channel has a backlog.
func (q *Queue) signalDelivered() {
	q.mu.Lock()
	has := len(q.pending) > 0
	q.mu.Unlock()
	if !has {
		return
	}
	select {
	case q.nudge <- struct{}{}:
	default:
	}
}

type flushJob struct {
	chatID  int64
	entries []entry
}

// Flush resends the backlog of every channel whose last failure is at least
// MinInterval old. Each channel is resent in order and stops at its first
// transient failure.
func (q *Queue) Flush(ctx context.Context) {
	now := q.opts.Clock.Now()

	q.mu.Lock()
	var jobs []flushJob
	for chatID, b := range q.pending {
		if b.flushing {
			continue
		}
		if len(b.entries) == 0 {
			delete(q.pending, chatID)
			continue
		}
		if now.Sub(b.failedAt) < q.opts.MinInterval {
			continue
		}
		b.flushing = true
		jobs = append(jobs, flushJob{chatID: chatID, entries: append([]entry(nil), b.entries...)})
	}
	q.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].chatID < jobs[j].chatID })
	for _, j := range jobs {
		q.flushChannel(ctx, j)
	}
}

func (q *Queue) flushChannel(ctx context.Context, j flushJob) {
	var (
		processed  uint64
		delivered  int
		threadID   int
		failure    error
		retryAfter time.Duration
	)
	for _, e := range j.entries {
		err := q.deliver(ctx, e.msg)
		if err == nil {
			processed = e.seq
			delivered++
			threadID = e.msg.ThreadID
			continue
		}
		transient, ra := Classify(err)
		if !transient {
			q.logger.Warn("dropping rejected deferred message", "chat_id", j.chatID, "error", err)
			processed = e.seq
			continue
		}
		failure, retryAfter = err, ra
		break
	}

	q.mu.Lock()
	b, ok := q.pending[j.chatID]
	if !ok {
		q.mu.Unlock()
		return
	}
	b.flushing = false
	b.delivered += delivered
	if delivered > 0 {
		b.threadID = threadID
	}
	kept := make([]entry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.seq > processed {
			kept = append(kept, e)
		}
	}
	b.entries = kept
	if failure != nil {
		b.failedAt = q.opts.Clock.Now().Add(retryAfter)
	}
	drained := failure == nil && len(b.entries) == 0
	total, thread := b.delivered, b.threadID
	if drained {
		delete(q.pending, j.chatID)
	}
	q.mu.Unlock()

	if failure != nil {
		q.logger.Info("flush interrupted", "chat_id", j.chatID, "delivered", delivered, "remaining", len(kept), "error", failure)
		return
	}
	if !drained || total == 0 {
		return
	}

	q.logger.Info("deferred messages delivered", "chat_id", j.chatID, "count", total)
	confirm := Message{ChatID: j.chatID, ThreadID: thread, Text: fmt.Sprintf(ConfirmationText, total)}
	if err := q.deliver(ctx, confirm); err != nil {
		q.logger.Warn("sending recovery confirmation failed", "chat_id", j.chatID, "error", err)
	}
}

// Run flushes every FlushInterval, and sooner after a successful delivery
// while backlogs exist, until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.nudge:
		}
		q.Flush(ctx)
	}
}

// Pending returns the current backlogs ordered by chat id.
func (q *Queue) Pending() []ChannelStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ChannelStatus, 0, len(q.pending))
	for chatID, b := range q.pending {
		out = append(out, ChannelStatus{ChatID: chatID, Queued: len(b.entries), FailedAt: b.failedAt, Flushing: b.flushing})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// Queued returns the number of buffered messages for a channel.
func (q *Queue) Queued(chatID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok := q.pending[chatID]; ok {
		return len(b.entries)
	}
	return 0
}
