package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStale means the row changed since it was read.
	ErrStale = errors.New("stale write")
)

type ThreadType string

const (
	ThreadTypeGeneral ThreadType = "general"
	ThreadTypeOrder   ThreadType = "order"
	ThreadTypeDesign  ThreadType = "design"
	ThreadTypeProduct ThreadType = "product"
	ThreadTypeSupport ThreadType = "support"
)

type ReferenceType string

const (
	ReferenceOrder   ReferenceType = "ORDER"
	ReferenceDesign  ReferenceType = "DESIGN"
	ReferenceProduct ReferenceType = "PRODUCT"
	ReferenceNone    ReferenceType = "NONE"
)

type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadResolved ThreadStatus = "resolved"
	ThreadArchived ThreadStatus = "archived"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type ParticipantRole string

const (
	RoleCustomer  ParticipantRole = "customer"
	RolePrinter   ParticipantRole = "printer"
	RoleAdmin     ParticipantRole = "admin"
	RoleMember    ParticipantRole = "member"
	RoleModerator ParticipantRole = "moderator"
)

// ThreadContext binds a thread to the business event it discusses. It is
// immutable once the thread exists.
type ThreadContext struct {
	ReferenceID   string         `json:"referenceId"`
	ReferenceType ReferenceType  `json:"referenceType"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type Participant struct {
	UserID    string          `json:"userId"`
	Role      ParticipantRole `json:"role"`
	IsVisible bool            `json:"isVisible"`
	JoinedAt  time.Time       `json:"joinedAt"`
	AddedBy   string          `json:"addedBy,omitempty"`
}

// ThreadStats is derived data, recomputed from message counts.
type ThreadStats struct {
	MessageCount     int       `json:"messageCount"`
	ReplyCount       int       `json:"replyCount"`
	ParticipantCount int       `json:"participantCount"`
	UnreadCount      int       `json:"unreadCount"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
}

type Thread struct {
	ID                   string            `json:"id"`
	Type                 ThreadType        `json:"type"`
	Title                string            `json:"title"`
	Description          string            `json:"description,omitempty"`
	Context              ThreadContext     `json:"context"`
	Participants         []Participant     `json:"participants"`
	CreatedBy            string            `json:"createdBy"`
	Status               ThreadStatus      `json:"status"`
	Priority             Priority          `json:"priority"`
	IsPinned             bool              `json:"isPinned"`
	PinnedBy             string            `json:"pinnedBy,omitempty"`
	PinnedAt             *time.Time        `json:"pinnedAt,omitempty"`
	Permissions          map[string]string `json:"permissions"`
	Stats                ThreadStats       `json:"stats"`
	Tags                 []string          `json:"tags,omitempty"`
	TemplateID           string            `json:"templateId,omitempty"`
	TemplateName         string            `json:"templateName,omitempty"`
	AutoArchiveAfterDays int               `json:"autoArchiveAfterDays"`
	ResolvedAt           *time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy           string            `json:"resolvedBy,omitempty"`
	ResolutionNotes      string            `json:"resolutionNotes,omitempty"`
	ArchivedAt           *time.Time        `json:"archivedAt,omitempty"`
	ArchivedBy           string            `json:"archivedBy,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	DeletedAt            *time.Time        `json:"-"`
	// Revision increments on every UpdateThread; a write carrying an older
	// revision fails with ErrStale.
	Revision int64 `json:"revision"`
}

// Participant returns the entry for userID, visible or not.
func (t Thread) Participant(userID string) (Participant, bool) {
	for _, p := range t.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (t Thread) IsVisibleParticipant(userID string) bool {
	p, ok := t.Participant(userID)
	return ok && p.IsVisible
}

func (t Thread) VisibleParticipants() []Participant {
	out := make([]Participant, 0, len(t.Participants))
	for _, p := range t.Participants {
		if p.IsVisible {
			out = append(out, p)
		}
	}
	return out
}

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentMarkdown ContentType = "markdown"
	ContentFile     ContentType = "file"
	ContentSystem   ContentType = "system"
)

// MessageContent is an opaque payload; Type decides how Text and Data are read.
type MessageContent struct {
	Type ContentType    `json:"type"`
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

type Attachment struct {
	ID         string    `json:"id"`
	FileName   string    `json:"fileName"`
	MimeType   string    `json:"mimeType"`
	Size       int64     `json:"size"`
	URL        string    `json:"url"`
	StorageKey string    `json:"storageKey,omitempty"`
	UploadedBy string    `json:"uploadedBy,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	SiteName    string `json:"siteName,omitempty"`
}

type Mention struct {
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

type EditEntry struct {
	Content  MessageContent `json:"content"`
	EditedAt time.Time      `json:"editedAt"`
	EditedBy string         `json:"editedBy"`
}

const (
	SenderUser   = "user"
	SenderSystem = "system"
)

// MaxThreadDepth is the deepest level a reply may occupy.
const MaxThreadDepth = 3

type Message struct {
	ID              string         `json:"id"`
	ThreadID        string         `json:"threadId"`
	Sender          string         `json:"sender"`
	SenderType      string         `json:"senderType"`
	Content         MessageContent `json:"content"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	LinkPreviews    []LinkPreview  `json:"linkPreviews,omitempty"`
	Mentions        []Mention      `json:"mentions,omitempty"`
	ReplyTo         *string        `json:"replyTo"`
	ThreadDepth     int            `json:"threadDepth"`
	ThreadPath      []string       `json:"threadPath"`
	RootMessageID   *string        `json:"rootMessageId"`
	ReplyCount      int            `json:"replyCount"`
	TotalReplyCount int            `json:"totalReplyCount"`
	ReadBy          []ReadReceipt  `json:"readBy"`
	DeletedFor      []string       `json:"deletedFor,omitempty"`
	IsDeleted       bool           `json:"isDeleted"`
	DeletedAt       *time.Time     `json:"deletedAt,omitempty"`
	IsEdited        bool           `json:"isEdited"`
	EditHistory     []EditEntry    `json:"editHistory,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

func (m Message) IsReadBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func (m Message) MentionedUserIDs() []string {
	ids := make([]string, 0, len(m.Mentions))
	for _, mention := range m.Mentions {
		ids = append(ids, mention.UserID)
	}
	return ids
}

// User is the identity directory record.
type User struct {
	ID          string
	Username    string
	DisplayName string
	Email       string
	Phone       string
	Role        string
	CreatedAt   time.Time
}

// Stakeholder is a user entitled to an event by relationship (an order's
// customer or printer, a design's reviewers).
type Stakeholder struct {
	ReferenceID   string
	ReferenceType ReferenceType
	UserID        string
	Role          string
}

type ThreadTemplate struct {
	ID                   string
	Name                 string
	Type                 ThreadType
	Title                string
	Description          string
	Priority             Priority
	Permissions          map[string]string
	Tags                 []string
	AutoArchiveAfterDays int
}

// Notification is the in-app channel record.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	ThreadID  string         `json:"threadId"`
	MessageID string         `json:"messageId,omitempty"`
	Event     string         `json:"event"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Priority  string         `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	ReadAt    *time.Time     `json:"readAt,omitempty"`
}

type Page struct {
	Page   int
	Limit  int
	SortBy string
	Desc   bool
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize clamps paging to sane bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

type ThreadQuery struct {
	Status             ThreadStatus
	ReferenceID        string
	ReferenceType      ReferenceType
	ParticipantID      string
	LastActivityBefore *time.Time
	IncludeDeleted     bool
}

type MessageQuery struct {
	ThreadID       string
	ReplyTo        string
	AncestorID     string
	RootsOnly      bool
	RepliesOnly    bool
	NotSentBy      string
	NotReadBy      string
	UnreadOnly     bool
	MinDepth       int
	IncludeDeleted bool
}
