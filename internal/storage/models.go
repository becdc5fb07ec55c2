package storage

import "time"

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"

	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusDelivered = "delivered"

	DefaultThreadTitle = "New Conversation"
	PreviewLength      = 100
)

type Chat struct {
	ID              int64
	Type            string
	Title           string
	CurrentThreadID string
	CreatedAt       time.Time
}

type Thread struct {
	ID                 string
	ChatID             int64
	Title              string
	Mode               string
	MessageCount       int
	TotalTokens        int
	IsArchived         bool
	IsPinned           bool
	LastMessagePreview string
	Summary            string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ShortID is the prefix shown in thread lists and accepted by FindThread.
func (t Thread) ShortID() string {
	if len(t.ID) < 8 {
		return t.ID
	}
	return t.ID[:8]
}

// ThreadPatch updates only the non-nil fields.
type ThreadPatch struct {
	Title              *string
	Mode               *string
	MessageCount       *int
	TotalTokens        *int
	IsArchived         *bool
	IsPinned           *bool
	LastMessagePreview *string
	Summary            *string
}

type ThreadFilter struct {
	Query           string
	IncludeArchived bool
	Limit           uint64
}

type Message struct {
	ID                string
	ThreadID          string
	ChatID            int64
	Sender            string
	Content           string
	Status            string
	Tokens            int
	Reaction          string
	TelegramMessageID int64
	IsEdited          bool
	EditedAt          *time.Time
	CreatedAt         time.Time
}

type Settings struct {
	ChatID        int64
	AIName        string
	UserName      string
	AIModel       string
	MaxTokens     int
	ShowReactions bool
	DefaultMode   string
	Language      string
	RetentionDays int
	AutoDelete    bool
	UpdatedAt     time.Time
}

type SettingsPatch struct {
	AIName        *string
	UserName      *string
	AIModel       *string
	MaxTokens     *int
	ShowReactions *bool
	DefaultMode   *string
	Language      *string
	RetentionDays *int
	AutoDelete    *bool
}

type APIKey struct {
	ID           string
	ChatID       int64
	Provider     string
	Name         string
	EncKey       string
	BaseURL      string
	IsActive     bool
	TotalTokens  int64
	TotalCost    float64
	RequestCount int64
	LastUsedAt   *time.Time
	CreatedAt    time.Time
}

type Draft struct {
	ThreadID string
	ChatID   int64
	Content  string
	SavedAt  time.Time
}

type AuditEntry struct {
	ChatID   int64
	UserID   int64
	Action   string
	MetaJSON string
}
