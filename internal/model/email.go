package model

import (
	"strings"
	"time"
)

// FolderType classifies a mailbox by its role.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderArchive FolderType = "archive"
	FolderTrash   FolderType = "trash"
	FolderSpam    FolderType = "spam"
	FolderOther   FolderType = "other"
)

// NormalizeFolderName uppercases a mailbox name for lookup.
func NormalizeFolderName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// FolderTypeFor guesses the folder role from its mailbox name.
func FolderTypeFor(name string) FolderType {
	n := NormalizeFolderName(name)
	switch {
	case n == "INBOX":
		return FolderInbox
	case strings.Contains(n, "SENT"):
		return FolderSent
	case strings.Contains(n, "ARCHIVE") || strings.HasSuffix(n, "ALL MAIL"):
		return FolderArchive
	case strings.Contains(n, "TRASH") || strings.Contains(n, "DELETED"):
		return FolderTrash
	case strings.Contains(n, "SPAM") || strings.Contains(n, "JUNK"):
		return FolderSpam
	default:
		return FolderOther
	}
}

// Folder is a mailbox observed on an account during sync.
type Folder struct {
	ID        string     `json:"id" db:"id"`
	AccountID string     `json:"account_id" db:"account_id"`
	Name      string     `json:"name" db:"name"`
	Type      FolderType `json:"type" db:"type"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// Email is a normalized, persisted message.
type Email struct {
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	FolderID  string `json:"folder_id" db:"folder_id"`
	UID       uint32 `json:"uid" db:"uid"`

	// MessageID is the protocol Message-ID without angle brackets.
	MessageID *string `json:"message_id,omitempty" db:"message_id"`

	FromAddress *string `json:"from_address,omitempty" db:"from_address"`
	FromName    *string `json:"from_name,omitempty" db:"from_name"`
	ToAddress   *string `json:"to_address,omitempty" db:"to_address"`
	ToName      *string `json:"to_name,omitempty" db:"to_name"`
	Cc          *string `json:"cc,omitempty" db:"cc"`
	Subject     *string `json:"subject,omitempty" db:"subject"`
	BodyText    *string `json:"body_text,omitempty" db:"body_text"`
	BodyHTML    *string `json:"body_html,omitempty" db:"body_html"`
	Preview     *string `json:"preview,omitempty" db:"preview"`

	ReceivedAt     time.Time `json:"received_at" db:"received_at"`
	IsRead         bool      `json:"is_read" db:"is_read"`
	IsStarred      bool      `json:"is_starred" db:"is_starred"`
	HasAttachments bool      `json:"has_attachments" db:"has_attachments"`

	// Category stays nil until the categorization gate labels the email.
	Category  *string   `json:"category,omitempty" db:"category"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UserID is populated by queries that join the owning account.
	UserID string `json:"user_id,omitempty" db:"user_id"`
}

// Attachment is metadata for a message part. The bytes live in an external
// blob store addressed by StorageLocator.
type Attachment struct {
	ID             string    `json:"id" db:"id"`
	EmailID        string    `json:"email_id" db:"email_id"`
	Filename       string    `json:"filename" db:"filename"`
	ContentType    string    `json:"content_type" db:"content_type"`
	Size           int64     `json:"size" db:"size"`
	StorageLocator *string   `json:"storage_locator,omitempty" db:"storage_locator"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Deref returns the value of p, or "" when p is nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// StringPtr returns nil for an empty string and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
