package storage

import (
	"time"

	"github.com/google/uuid"
)

// MembershipStatus tracks where a membership is in its lifecycle.
type MembershipStatus string

const (
	StatusInvited   MembershipStatus = "invited"
	StatusActive    MembershipStatus = "active"
	StatusSuspended MembershipStatus = "suspended"
	StatusRemoved   MembershipStatus = "removed"
)

// ContentType enumerates supported message payloads. Media messages carry
// a "filename|url" composite in Content plus an Attachment row.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
	ContentFile  ContentType = "file"
)

func (ct ContentType) valid() bool {
	switch ct {
	case ContentText, ContentImage, ContentVideo, ContentFile:
		return true
	}
	return false
}

// Membership is a user's role-bearing participation in one tenant.
// At most one membership per (tenant, user).
type Membership struct {
	ID           uuid.UUID        `json:"id"`
	TenantID     uuid.UUID        `json:"tenant_id"`
	UserID       uuid.UUID        `json:"user_id"`
	Role         Role             `json:"role"`
	Status       MembershipStatus `json:"status"`
	SmallGroupID uuid.NullUUID    `json:"small_group_id"`
	CreatedAt    time.Time        `json:"created_at"`
}

// MemberSummary is the compact member shape embedded in conversation listings.
type MemberSummary struct {
	MembershipID uuid.UUID `json:"membership_id"`
	DisplayName  string    `json:"display_name"`
	Role         Role      `json:"role"`
}

type Conversation struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	Name           string          `json:"name"`
	Members        []MemberSummary `json:"members"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}

type Message struct {
	ID              uuid.UUID     `json:"id"`
	TenantID        uuid.UUID     `json:"tenant_id"`
	ConversationID  uuid.UUID     `json:"conversation_id"`
	SenderID        uuid.UUID     `json:"sender_id"`
	Content         string        `json:"content"`
	ContentType     ContentType   `json:"content_type"`
	IsEventChat     bool          `json:"is_event_chat"`
	ParentID        uuid.NullUUID `json:"parent_id"`
	QuotedMessageID uuid.NullUUID `json:"quoted_message_id"`
	CreatedAt       time.Time     `json:"created_at"`
}

type Attachment struct {
	ID        uuid.UUID `json:"id"`
	MessageID uuid.UUID `json:"message_id"`
	URL       string    `json:"url"`
	FileName  string    `json:"file_name"`
	SizeBytes int64     `json:"size_bytes"`
	MimeType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
}

type DeviceToken struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
}

type Notification struct {
	ID        uuid.UUID     `json:"id"`
	UserID    uuid.UUID     `json:"user_id"`
	TenantID  uuid.UUID     `json:"tenant_id"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	MessageID uuid.NullUUID `json:"message_id"`
	Read      bool          `json:"read"`
	CreatedAt time.Time     `json:"created_at"`
}
