package seq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adityacheruku/kuchlu-sub000/internal/bus"
	"github.com/adityacheruku/kuchlu-sub000/internal/protocol"
	"github.com/adityacheruku/kuchlu-sub000/internal/store"
)

// maxPending caps the reorder buffer. A burst larger than this falls back
// to the fetch-since path entirely.
const maxPending = 512

// defaultFlushDelay bounds how long a parked event waits for its gap to
// fill before it is applied anyway. Short live gaps usually close within
// one round trip; anything the gap held is recovered by fetch-since.
const defaultFlushDelay = 100 * time.Millisecond

// Fetcher retrieves the ordered event backlog after a cursor.
// Implemented by the API client.
type Fetcher interface {
	FetchSince(ctx context.Context, cursor int64) ([]*protocol.ServerEvent, error)
}

// Sequencer owns the sequence cursor and applies server events to the
// store in non-decreasing sequence order, exactly once each. Duplicates
// are detected by cursor comparison alone; out-of-order live events are
// parked until the gap closes or a fetch-since fills it.
type Sequencer struct {
	db      *store.DB
	fetcher Fetcher
	bus     *bus.Bus
	logger  *zap.Logger

	mu         sync.Mutex
	cursor     int64
	pending    map[int64]*protocol.ServerEvent
	syncing    bool
	ack        func(*protocol.ServerEvent)
	flushDelay time.Duration
	flushTimer *time.Timer
}

// New creates a sequencer, loading the persisted cursor.
func New(db *store.DB, fetcher Fetcher, b *bus.Bus, logger *zap.Logger) (*Sequencer, error) {
	cursor, err := db.LastSequenceCursor()
	if err != nil {
		return nil, fmt.Errorf("load sequence cursor: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		db:         db,
		fetcher:    fetcher,
		bus:        b,
		logger:     logger,
		cursor:     cursor,
		pending:    make(map[int64]*protocol.ServerEvent),
		flushDelay: defaultFlushDelay,
	}, nil
}

// SetAckHandler registers the delivery tracker's ack callback. Ack side
// effects run exactly once per pending send even when the carrying event
// is a cursor-duplicate.
func (s *Sequencer) SetAckHandler(f func(*protocol.ServerEvent)) {
	s.mu.Lock()
	s.ack = f
	s.mu.Unlock()
}

// Cursor returns the last applied sequence number.
func (s *Sequencer) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// HandleEvent ingests one live inbound event. Safe to call from the
// transport's reader goroutine; internal serialization keeps application
// single-threaded.
func (s *Sequencer) HandleEvent(evt *protocol.ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Sequence <= 0 {
		// Transient events (typing, unsequenced acks) carry no position
		// in the total order; apply side effects directly.
		s.reconcileLocked(evt)
		return
	}
	if evt.Sequence <= s.cursor {
		// Duplicate: a resumed fallback path may redeliver events already
		// seen on the path being replaced. Ack matching still runs once;
		// the tracker ignores correlation ids it no longer knows.
		if evt.EventType == protocol.EvtMessageAck && s.ack != nil {
			s.ack(evt)
		}
		return
	}

	if len(s.pending) < maxPending {
		s.pending[evt.Sequence] = evt
	}
	s.drainLocked()

	if len(s.pending) > 0 {
		if !s.syncing && s.fetcher != nil {
			// A gap remains; let fetch-since close it.
			go func() { _ = s.RunSync(context.Background()) }()
		}
		// If it doesn't, apply what we hold rather than withhold it forever.
		s.armFlushLocked()
	}
}

// RunSync performs one fetch-since(cursor) round and applies the backlog
// in order. Called by the transport before it declares itself live, and
// internally when a live gap is detected. On failure the cursor is left
// untouched and a recoverable sync fault is published; the transport state
// is not changed.
func (s *Sequencer) RunSync(ctx context.Context) error {
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return nil
	}
	s.syncing = true
	cursor := s.cursor
	s.mu.Unlock()

	events, err := s.fetcher.FetchSince(ctx, cursor)

	s.mu.Lock()
	s.syncing = false
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("fetch-since failed", zap.Int64("cursor", cursor), zap.Error(err))
		if s.bus != nil {
			s.bus.Publish(bus.Event{Kind: bus.KindSyncFailed, Timestamp: time.Now(), Payload: err.Error()})
		}
		return fmt.Errorf("fetch since %d: %w", cursor, err)
	}

	// The backlog is server-ordered and authoritative: apply in order,
	// advancing the cursor across any sequence gaps. A failed apply stops
	// the round so the cursor never skips past an event that didn't land;
	// the remainder is re-fetched on the next sync.
	applied := 0
	var applyErr error
	for _, evt := range events {
		if !s.applyLocked(evt) {
			applyErr = fmt.Errorf("apply backlog event at sequence %d", evt.Sequence)
			break
		}
		applied++
	}
	s.drainLocked()
	s.mu.Unlock()

	if applyErr != nil {
		if s.bus != nil {
			s.bus.Publish(bus.Event{Kind: bus.KindSyncFailed, Timestamp: time.Now(), Payload: applyErr.Error()})
		}
		return applyErr
	}
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: bus.KindSyncComplete, Timestamp: time.Now(), Payload: applied})
	}
	return nil
}

// drainLocked applies parked events that have become consecutive with the
// cursor. A failed apply re-parks the event for the next sync.
func (s *Sequencer) drainLocked() {
	for {
		next, ok := s.pending[s.cursor+1]
		if !ok {
			break
		}
		delete(s.pending, next.Sequence)
		if !s.applyLocked(next) {
			s.pending[next.Sequence] = next
			break
		}
	}
	// Anything at or below the cursor is now a duplicate.
	for seq := range s.pending {
		if seq <= s.cursor {
			delete(s.pending, seq)
		}
	}
	if len(s.pending) == 0 && s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// armFlushLocked schedules a parked-event flush unless one is already due.
func (s *Sequencer) armFlushLocked() {
	if s.flushTimer != nil || len(s.pending) == 0 {
		return
	}
	s.flushTimer = time.AfterFunc(s.flushDelay, s.flushParked)
}

// flushParked applies parked events in sequence order once the gap-fill
// window has passed. Whatever the gap held is fetch-since's problem; live
// events we already hold must not be withheld indefinitely.
func (s *Sequencer) flushParked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushTimer = nil
	if s.syncing {
		// A fetch round is in flight and may fill the gap properly.
		s.armFlushLocked()
		return
	}
	seqs := make([]int64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		evt, ok := s.pending[seq]
		if !ok {
			continue
		}
		delete(s.pending, seq)
		if !s.applyLocked(evt) {
			s.pending[seq] = evt
			s.armFlushLocked()
			return
		}
	}
}

// applyLocked reconciles one event and advances the cursor, reporting
// whether the event landed. Events at or below the cursor only run their
// ack side effects and count as applied.
func (s *Sequencer) applyLocked(evt *protocol.ServerEvent) bool {
	if evt.Sequence > 0 && evt.Sequence <= s.cursor {
		if evt.EventType == protocol.EvtMessageAck && s.ack != nil {
			s.ack(evt)
		}
		return true
	}
	if err := s.reconcileLocked(evt); err != nil {
		// Leave the cursor so the event is retried on the next sync.
		s.logger.Error("reconciliation failed",
			zap.String("event_type", evt.EventType),
			zap.Int64("sequence", evt.Sequence),
			zap.Error(err))
		return false
	}
	if evt.Sequence > s.cursor {
		s.cursor = evt.Sequence
		if err := s.db.SetSequenceCursor(s.cursor); err != nil {
			s.logger.Error("persist sequence cursor", zap.Error(err))
		}
	}
	return true
}

// reconcileLocked applies one event to the store. Every branch is an
// idempotent single-record upsert or targeted delete.
func (s *Sequencer) reconcileLocked(evt *protocol.ServerEvent) error {
	switch evt.EventType {
	case protocol.EvtMessageAck:
		if s.ack != nil {
			s.ack(evt)
		}
		return nil

	case protocol.EvtNewMessage:
		body := evt.Message
		if body == nil {
			return fmt.Errorf("new_message without body")
		}
		// Our own echo carries the correlation id we generated; the
		// optimistic record already exists and must not be duplicated.
		correlation := body.CorrelationID
		if correlation == "" {
			correlation = body.ServerID
		}
		msg := &store.Message{
			CorrelationID: correlation,
			ServerID:      body.ServerID,
			ChatID:        body.ChatID,
			SenderID:      body.SenderID,
			Text:          body.Text,
			Mood:          body.Mood,
			AttachmentRef: body.AttachmentRef,
			Status:        store.StatusDelivered,
			Sequence:      evt.Sequence,
			Timestamp:     body.Timestamp,
		}
		if err := s.db.InsertMessageIfAbsent(msg); err != nil {
			return err
		}
		s.publish(bus.KindMessageUpserted, map[string]string{
			"chat_id":   body.ChatID,
			"server_id": body.ServerID,
		})
		return nil

	case protocol.EvtReactionUpdate:
		if err := s.db.UpsertReaction(&store.Reaction{
			MessageID: evt.MessageID,
			UserID:    evt.UserID,
			Emoji:     evt.Emoji,
			Active:    evt.Active,
		}); err != nil {
			return err
		}
		s.publish(bus.KindPeerReaction, evt.MessageID)
		return nil

	case protocol.EvtPresenceUpdate:
		online := evt.Online != nil && *evt.Online
		if err := s.db.UpsertPresence(evt.UserID, online, evt.LastSeen); err != nil {
			return err
		}
		s.publish(bus.KindPeerPresence, evt.UserID)
		return nil

	case protocol.EvtProfileUpdate:
		if err := s.db.UpsertProfile(evt.UserID, evt.Mood, evt.AvatarURL); err != nil {
			return err
		}
		s.publish(bus.KindPeerProfile, evt.UserID)
		return nil

	case protocol.EvtModeChanged:
		if err := s.db.UpsertChatMode(evt.UserID, evt.Mode); err != nil {
			return err
		}
		s.publish(bus.KindPeerMode, evt.Mode)
		return nil

	case protocol.EvtHistoryCleared:
		if err := s.db.ClearChatHistory(evt.ChatID); err != nil {
			return err
		}
		s.publish(bus.KindHistoryCleared, evt.ChatID)
		return nil

	case protocol.EvtMessageDeleted:
		if err := s.db.MarkMessageDeleted(evt.MessageID); err != nil {
			return err
		}
		s.publish(bus.KindMessageDeleted, evt.MessageID)
		return nil

	case protocol.EvtThinkingOfYou:
		s.publish(bus.KindThinkingOfYouPing, evt.UserID)
		return nil

	case protocol.EvtTypingStarted, protocol.EvtTypingStopped:
		s.publish(bus.KindTypingIndicator, evt.EventType)
		return nil

	default:
		s.logger.Warn("ignoring unknown event type", zap.String("event_type", evt.EventType))
		return nil
	}
}

func (s *Sequencer) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
