package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Category labels assigned by the classifier.
const (
	CategoryNewsletter        = "newsletter"
	CategoryPromotions        = "promotions"
	CategorySocial            = "social"
	CategoryUpdates           = "updates"
	CategoryFinance           = "finance"
	CategoryTravel            = "travel"
	CategoryWork              = "work"
	CategoryPersonal          = "personal"
	CategoryNotifications     = "notifications"
	CategoryUncategorizable   = "uncategorizable"
	CategoryEmailVerification = "email-verification"
)

// Categories is the fixed label set, in display order.
var Categories = []string{
	CategoryNewsletter,
	CategoryPromotions,
	CategorySocial,
	CategoryUpdates,
	CategoryFinance,
	CategoryTravel,
	CategoryWork,
	CategoryPersonal,
	CategoryNotifications,
	CategoryUncategorizable,
	CategoryEmailVerification,
}

// systemCategories never appear in digests.
var systemCategories = map[string]bool{
	CategoryUncategorizable:   true,
	CategoryEmailVerification: true,
}

// IsCategory reports whether c is in the fixed label set.
func IsCategory(c string) bool {
	for _, known := range Categories {
		if known == c {
			return true
		}
	}
	return false
}

// IsDigestible reports whether c may be included in a weekly digest.
func IsDigestible(c string) bool {
	return IsCategory(c) && !systemCategories[c]
}

// Action is what the pipeline does to an email once it is categorized.
type Action string

const (
	ActionNone     Action = "none"
	ActionMarkRead Action = "mark-read"
	ActionMarkSpam Action = "mark-spam"
	ActionArchive  Action = "archive"
	ActionTrash    Action = "trash"
)

// CategoryPreference is the per-category user choice.
type CategoryPreference struct {
	Action Action `json:"action"`
	Digest bool   `json:"digest"`
}

// DefaultPreference applies to categories the user never configured.
var DefaultPreference = CategoryPreference{Action: ActionNone, Digest: false}

// CategoryPreferences maps category to preference and is stored as JSON.
type CategoryPreferences map[string]CategoryPreference

// Value implements driver.Valuer.
func (p CategoryPreferences) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding category preferences: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *CategoryPreferences) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = CategoryPreferences{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scanning category preferences: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*p = CategoryPreferences{}
		return nil
	}
	prefs := CategoryPreferences{}
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return fmt.Errorf("decoding category preferences: %w", err)
	}
	*p = prefs
	return nil
}

// UserSettings holds per-user pipeline state and preferences. Billing
// fields are owned by the external billing system and only read here.
type UserSettings struct {
	ID                  string              `json:"id" db:"id"`
	UserID              string              `json:"user_id" db:"user_id"`
	CategoryPreferences CategoryPreferences `json:"category_preferences" db:"category_preferences"`

	// WorkProfile is free text passed to the classifier as a hint.
	WorkProfile string `json:"work_profile" db:"work_profile"`

	EmailsSinceReset          int        `json:"emails_since_reset" db:"emails_since_reset"`
	LastCategorizationResetAt *time.Time `json:"last_categorization_reset_at,omitempty" db:"last_categorization_reset_at"`
	TutorialCompleted         bool       `json:"tutorial_completed" db:"tutorial_completed"`

	Plan               string  `json:"plan" db:"plan"`
	SubscriptionStatus *string `json:"subscription_status,omitempty" db:"subscription_status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Preference returns the stored preference for a category or the default.
func (s *UserSettings) Preference(category string) CategoryPreference {
	if s == nil || s.CategoryPreferences == nil {
		return DefaultPreference
	}
	pref, ok := s.CategoryPreferences[category]
	if !ok {
		return DefaultPreference
	}
	if pref.Action == "" {
		pref.Action = ActionNone
	}
	return pref
}

// DigestCategories returns the digestible categories the user enabled,
// sorted for stable output.
func (s *UserSettings) DigestCategories() []string {
	if s == nil {
		return nil
	}
	var out []string
	for category, pref := range s.CategoryPreferences {
		if pref.Digest && IsDigestible(category) {
			out = append(out, category)
		}
	}
	sort.Strings(out)
	return out
}
