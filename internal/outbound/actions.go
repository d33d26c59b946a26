package outbound

import (
	"context"

	"github.com/adityacheruku/kuchlu-sub000/internal/protocol"
)

// Fire-and-forget client events. These carry no correlation id and no ack
// timer; a transmit failure simply drops them, since each is either
// transient (typing) or re-derivable from server state on the next sync.

// ToggleReaction flips one emoji reaction on a message.
func (t *Tracker) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	return t.sender.Send(ctx, &protocol.ClientFrame{
		EventType: protocol.EvtToggleReaction,
		MessageID: messageID,
		Emoji:     emoji,
	})
}

// SetTyping reports the local typing state for a chat.
func (t *Tracker) SetTyping(ctx context.Context, chatID string, typing bool) error {
	evt := protocol.EvtStopTyping
	if typing {
		evt = protocol.EvtStartTyping
	}
	return t.sender.Send(ctx, &protocol.ClientFrame{
		EventType: evt,
		ChatID:    chatID,
	})
}

// ChangeChatMode requests a chat mode switch for the pair.
func (t *Tracker) ChangeChatMode(ctx context.Context, chatID, mode string) error {
	return t.sender.Send(ctx, &protocol.ClientFrame{
		EventType: protocol.EvtChangeChatMode,
		ChatID:    chatID,
		Mode:      mode,
	})
}

// MarkAsRead reports that everything in the chat up to the given message
// has been seen.
func (t *Tracker) MarkAsRead(ctx context.Context, chatID, messageID string) error {
	return t.sender.Send(ctx, &protocol.ClientFrame{
		EventType: protocol.EvtMarkAsRead,
		ChatID:    chatID,
		MessageID: messageID,
	})
}

// PingThinkingOfYou sends the one-tap presence ping to the partner.
func (t *Tracker) PingThinkingOfYou(ctx context.Context, chatID string) error {
	return t.sender.Send(ctx, &protocol.ClientFrame{
		EventType: protocol.EvtPingThinkingOfYou,
		ChatID:    chatID,
	})
}
