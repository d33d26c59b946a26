package store

// Message status values. A message is created optimistically as "sending"
// and only the delivery tracker or the sequencer move it onward.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Upload task states.
const (
	UploadPending           = "pending"
	UploadProcessing        = "processing"
	UploadCompressing       = "compressing"
	UploadUploading         = "uploading"
	UploadPendingProcessing = "pending_processing"
	UploadCompleted         = "completed"
	UploadFailed            = "failed"
	UploadCancelled         = "cancelled"
)

// Message represents one timeline entry. CorrelationID is the stable key
// before the server acknowledges; ServerID after.
type Message struct {
	ID            int64
	CorrelationID string
	ServerID      string
	ChatID        string
	SenderID      string
	Text          string
	Mood          string
	AttachmentRef string
	Status        string
	Sequence      int64
	Deleted       bool
	FromMe        bool
	Timestamp     int64
}

// UploadTask is the durable mirror of one queued attachment transfer.
type UploadTask struct {
	ID              string
	ChatID          string
	TargetMessageID string
	FilePath        string
	MediaKind       string
	Priority        int
	State           string
	Progress        int
	RetryCount      int
	Retryable       bool
	Error           string
	CreatedAt       int64
}

// UploadTerminal reports whether a task state can never change again.
func UploadTerminal(state string) bool {
	return state == UploadCompleted || state == UploadCancelled
}

// Reaction is one user's reaction to a message, keyed (message, user).
type Reaction struct {
	MessageID string
	UserID    string
	Emoji     string
	Active    bool
}

// PeerState holds the partner's presence, profile and chat-mode snapshot.
type PeerState struct {
	UserID    string
	Online    bool
	LastSeen  int64
	Mood      string
	AvatarURL string
	ChatMode  string
}
