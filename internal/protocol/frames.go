package protocol

import (
	"encoding/json"
	"fmt"
)

// Client-to-server event types carried in the event_type discriminator.
const (
	EvtSendMessage       = "send_message"
	EvtToggleReaction    = "toggle_reaction"
	EvtStartTyping       = "start_typing"
	EvtStopTyping        = "stop_typing"
	EvtChangeChatMode    = "change_chat_mode"
	EvtMarkAsRead        = "mark_as_read"
	EvtPingThinkingOfYou = "ping_thinking_of_you"
	EvtHeartbeat         = "HEARTBEAT"
)

// Server-to-client event types.
const (
	EvtNewMessage     = "new_message"
	EvtMessageAck     = "message_ack"
	EvtHeartbeatAck   = "HEARTBEAT_ACK"
	EvtReactionUpdate = "reaction_update"
	EvtPresenceUpdate = "presence_update"
	EvtProfileUpdate  = "profile_update"
	EvtModeChanged    = "chat_mode_changed"
	EvtHistoryCleared = "history_cleared"
	EvtMessageDeleted = "message_deleted"
	EvtThinkingOfYou  = "thinking_of_you"
	EvtTypingStarted  = "typing_started"
	EvtTypingStopped  = "typing_stopped"
)

// CloseCodeAuthFailure is the websocket close code the server uses to
// reject a credential (policy violation). It is terminal: the machine
// must not fall back, only drop to disconnected.
const CloseCodeAuthFailure = 1008

// ClientFrame is a client-to-server frame. Fields beyond EventType are
// populated per event type; unused ones are omitted on the wire.
type ClientFrame struct {
	EventType     string `json:"event_type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ChatID        string `json:"chat_id,omitempty"`
	Text          string `json:"text,omitempty"`
	Mood          string `json:"mood,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	Emoji         string `json:"emoji,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

// ServerEvent is a server-to-client frame. Sequence is present on events
// that participate in the per-account total order; transient events
// (typing, heartbeat acks) omit it.
type ServerEvent struct {
	EventType string `json:"event_type"`
	Sequence  int64  `json:"sequence,omitempty"`

	// message_ack
	CorrelationID string `json:"correlation_id,omitempty"`
	ServerID      string `json:"server_id,omitempty"`
	Status        string `json:"status,omitempty"`

	// new_message
	Message *MessageBody `json:"message,omitempty"`

	// targeted updates
	MessageID string `json:"message_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
	Active    bool   `json:"active,omitempty"`

	// presence / profile / mode
	Online    *bool  `json:"online,omitempty"`
	LastSeen  int64  `json:"last_seen,omitempty"`
	Mood      string `json:"mood,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// MessageBody is the message payload inside a new_message event.
type MessageBody struct {
	ServerID      string `json:"server_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ChatID        string `json:"chat_id"`
	SenderID      string `json:"sender_id"`
	Text          string `json:"text,omitempty"`
	Mood          string `json:"mood,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// EncodeClientFrame serializes a client frame for the wire.
func EncodeClientFrame(f *ClientFrame) ([]byte, error) {
	if f.EventType == "" {
		return nil, fmt.Errorf("encode frame: missing event_type")
	}
	return json.Marshal(f)
}

// DecodeServerEvent parses a server frame. Frames without an event_type
// discriminator are rejected.
func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}
	if evt.EventType == "" {
		return nil, fmt.Errorf("decode server event: missing event_type")
	}
	return &evt, nil
}

// Heartbeat returns the fixed heartbeat frame.
func Heartbeat() *ClientFrame {
	return &ClientFrame{EventType: EvtHeartbeat}
}
