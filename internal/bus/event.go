package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Canonical event kinds published by the engine. Subscribers filter by
// namespace prefix, e.g. "transport." or "upload.".
const (
	// transport namespace
	KindStateChanged = "transport.state_changed"
	KindAuthError    = "transport.auth_error"

	// sync namespace
	KindSyncFailed   = "sync.failed"
	KindSyncComplete = "sync.complete"

	// message namespace
	KindMessageUpserted   = "message.upserted"
	KindMessageAcked      = "message.acked"
	KindMessageFailed     = "message.send_failed"
	KindMessageNotSent    = "message.not_connected"
	KindMessageDeleted    = "message.deleted"
	KindHistoryCleared    = "message.history_cleared"
	KindTypingIndicator   = "message.typing"
	KindThinkingOfYouPing = "message.thinking_of_you"

	// peer namespace
	KindPeerPresence = "peer.presence"
	KindPeerProfile  = "peer.profile"
	KindPeerMode     = "peer.mode_changed"
	KindPeerReaction = "peer.reaction"

	// upload namespace
	KindUploadProgress = "upload.progress"

	// network namespace
	KindQualityChanged = "network.quality_changed"
	KindOnlineChanged  = "network.online_changed"
)
