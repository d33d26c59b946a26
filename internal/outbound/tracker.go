package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adityacheruku/kuchlu-sub000/internal/bus"
	"github.com/adityacheruku/kuchlu-sub000/internal/protocol"
	"github.com/adityacheruku/kuchlu-sub000/internal/store"
	"github.com/adityacheruku/kuchlu-sub000/internal/transport"
)

// Sender routes one client frame over whatever channel is live.
// Implemented by the transport machine.
type Sender interface {
	Send(ctx context.Context, frame *protocol.ClientFrame) error
}

// Tracker owns every in-flight outbound message: it assigns correlation
// ids, writes the optimistic local record, arms the per-send ack timer,
// and replays unacknowledged sends in registration order when the duplex
// channel comes back.
type Tracker struct {
	db         *store.DB
	sender     Sender
	bus        *bus.Bus
	logger     *zap.Logger
	ackTimeout time.Duration

	mu      sync.Mutex
	order   []string
	pending map[string]*pendingSend

	// sendMu serializes flushes so a send issued while a replay is in
	// progress cannot reach the wire ahead of older pending sends.
	sendMu sync.Mutex

	done        chan struct{}
	unsubscribe func()
}

type pendingSend struct {
	frame *protocol.ClientFrame
	timer *time.Timer
	// sent reports whether the frame reached the current channel; it is
	// cleared on channel churn so the next live state replays the send.
	sent bool
}

// New creates a tracker. ackTimeout bounds how long a transmitted send may
// wait for its server ack before the message is marked failed.
func New(db *store.DB, sender Sender, b *bus.Bus, logger *zap.Logger, ackTimeout time.Duration) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		db:         db,
		sender:     sender,
		bus:        b,
		logger:     logger,
		ackTimeout: ackTimeout,
		pending:    make(map[string]*pendingSend),
		done:       make(chan struct{}),
	}
}

// Start begins watching the transport so pending sends are replayed when
// a live channel is restored.
func (t *Tracker) Start() {
	ch, cancel := t.bus.Subscribe(bus.KindStateChanged, 16)
	t.unsubscribe = cancel
	go func() {
		for {
			select {
			case <-t.done:
				return
			case evt := <-ch:
				sc, ok := evt.Payload.(transport.StateChange)
				if !ok {
					continue
				}
				switch sc.To {
				case transport.Primary, transport.PushFallback:
					t.flush(context.Background())
				default:
					// Channel churn: frames written to the old channel
					// may be lost. Everything pending goes out again on
					// the next live state.
					t.markUnsent()
				}
			}
		}
	}()
}

// Close stops the replay watcher and disarms all ack timers. Pending rows
// stay in the store; the next process picks them up as failed-or-retryable
// history.
func (t *Tracker) Close() {
	select {
	case <-t.done:
		return
	default:
	}
	close(t.done)
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	t.mu.Lock()
	for _, p := range t.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	t.pending = make(map[string]*pendingSend)
	t.order = nil
	t.mu.Unlock()
}

// SendMessage registers a new outbound message and attempts to transmit
// it. The optimistic record is written before any network activity so the
// message survives a crash between composition and delivery. Returns the
// correlation id identifying the send.
func (t *Tracker) SendMessage(ctx context.Context, chatID, text, mood, attachmentRef string) (string, error) {
	correlationID := uuid.NewString()
	msg := &store.Message{
		CorrelationID: correlationID,
		ChatID:        chatID,
		Text:          text,
		Mood:          mood,
		AttachmentRef: attachmentRef,
		Status:        store.StatusSending,
		FromMe:        true,
		Timestamp:     time.Now().UnixMilli(),
	}
	if err := t.db.UpsertMessage(msg); err != nil {
		return "", fmt.Errorf("persist outbound message: %w", err)
	}
	t.publish(bus.KindMessageUpserted, correlationID)

	frame := &protocol.ClientFrame{
		EventType:     protocol.EvtSendMessage,
		CorrelationID: correlationID,
		ChatID:        chatID,
		Text:          text,
		Mood:          mood,
		AttachmentRef: attachmentRef,
	}
	t.register(correlationID, frame)
	t.flush(ctx)
	return correlationID, nil
}

// Retry re-enters a failed message into the pending set with a fresh ack
// timer. Retries are user-initiated only; the tracker never re-sends a
// failed message on its own.
func (t *Tracker) Retry(ctx context.Context, correlationID string) error {
	msg, err := t.db.GetMessageByCorrelation(correlationID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("retry: unknown correlation id %s", correlationID)
	}
	if err := t.db.MarkMessageSending(correlationID); err != nil {
		return err
	}
	frame := &protocol.ClientFrame{
		EventType:     protocol.EvtSendMessage,
		CorrelationID: correlationID,
		ChatID:        msg.ChatID,
		Text:          msg.Text,
		Mood:          msg.Mood,
		AttachmentRef: msg.AttachmentRef,
	}
	t.register(correlationID, frame)
	t.flush(ctx)
	return nil
}

// HandleAck resolves one pending send. Safe to call with acks for
// correlation ids the tracker no longer knows; duplicate acks are ignored
// here even though the sequencer forwards them unconditionally.
func (t *Tracker) HandleAck(evt *protocol.ServerEvent) {
	t.mu.Lock()
	p, ok := t.pending[evt.CorrelationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	t.removeLocked(evt.CorrelationID)
	t.mu.Unlock()

	status := evt.Status
	if status == "" {
		status = store.StatusSent
	}
	if err := t.db.MarkMessageAcked(evt.CorrelationID, evt.ServerID, status); err != nil {
		t.logger.Error("mark message acked", zap.String("correlation_id", evt.CorrelationID), zap.Error(err))
		return
	}
	t.publish(bus.KindMessageAcked, evt.CorrelationID)
}

// PendingCount reports how many sends are awaiting an ack or a replay.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) register(correlationID string, frame *protocol.ClientFrame) {
	t.mu.Lock()
	if _, ok := t.pending[correlationID]; !ok {
		t.order = append(t.order, correlationID)
	}
	t.pending[correlationID] = &pendingSend{frame: frame}
	t.mu.Unlock()
}

// flush transmits every registered send that has not yet reached the
// current channel, in registration order. One flush runs at a time, so a
// new send always lands behind older pending sends and a replay never
// retransmits a frame that already went out on the live channel.
func (t *Tracker) flush(ctx context.Context) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	batch := make([]struct {
		id    string
		frame *protocol.ClientFrame
	}, 0, len(t.order))
	for _, id := range t.order {
		if p, ok := t.pending[id]; ok && !p.sent {
			batch = append(batch, struct {
				id    string
				frame *protocol.ClientFrame
			}{id, p.frame})
		}
	}
	t.mu.Unlock()

	for _, item := range batch {
		t.transmit(ctx, item.id, item.frame)
	}
}

// markUnsent flags every pending send for replay. Ack timers keep
// running: a send transmitted before the churn still fails at its
// deadline if no ack ever arrives.
func (t *Tracker) markUnsent() {
	t.mu.Lock()
	for _, p := range t.pending {
		p.sent = false
	}
	t.mu.Unlock()
}

// transmit pushes one registered frame through the sender. Must not hold
// t.mu: the request-fallback path delivers the ack synchronously, which
// re-enters HandleAck.
func (t *Tracker) transmit(ctx context.Context, correlationID string, frame *protocol.ClientFrame) {
	err := t.sender.Send(ctx, frame)
	switch {
	case err == nil:
		t.mu.Lock()
		if p, ok := t.pending[correlationID]; ok {
			p.sent = true
		}
		t.mu.Unlock()
		t.armTimer(correlationID)
	case errors.Is(err, transport.ErrNotConnected):
		// Stays registered; replay fires when a channel returns.
		t.publish(bus.KindMessageNotSent, correlationID)
	default:
		t.logger.Warn("transmit failed, awaiting replay",
			zap.String("correlation_id", correlationID), zap.Error(err))
	}
}

// armTimer starts the ack countdown for a send that actually left the
// process. A send that never reached a channel carries no timer.
func (t *Tracker) armTimer(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[correlationID]
	if !ok {
		// Acked before the timer could arm.
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(t.ackTimeout, func() { t.expire(correlationID) })
}

func (t *Tracker) expire(correlationID string) {
	t.mu.Lock()
	if _, ok := t.pending[correlationID]; !ok {
		t.mu.Unlock()
		return
	}
	t.removeLocked(correlationID)
	t.mu.Unlock()

	t.logger.Warn("ack timeout", zap.String("correlation_id", correlationID))
	if err := t.db.MarkMessageFailed(correlationID); err != nil {
		t.logger.Error("mark message failed", zap.String("correlation_id", correlationID), zap.Error(err))
	}
	t.publish(bus.KindMessageFailed, correlationID)
}

func (t *Tracker) removeLocked(correlationID string) {
	delete(t.pending, correlationID)
	for i, id := range t.order {
		if id == correlationID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Tracker) publish(kind string, payload any) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
