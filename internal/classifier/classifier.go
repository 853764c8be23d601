package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailflow/internal/model"
)

// ErrNotConfigured is returned by New when no API key is set.
var ErrNotConfigured = errors.New("classifier api key not configured")

// maxBodyRunes bounds the message body sent to the model.
const maxBodyRunes = 2000

// Input is the part of an email the classifier sees.
type Input struct {
	Subject     string
	From        string
	Body        string
	WorkProfile string
}

// Classifier assigns one label from model.Categories to an email.
type Classifier interface {
	Classify(ctx context.Context, in Input) (string, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, in Input) (string, error)

// Classify implements Classifier.
func (f Func) Classify(ctx context.Context, in Input) (string, error) {
	return f(ctx, in)
}

// New builds the configured provider wrapped in a Guard.
func New(cfg model.ClassifierConfig, logger zerolog.Logger) (Classifier, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var (
		provider Classifier
		name     = strings.ToLower(cfg.Provider)
	)
	switch name {
	case "", "openai":
		name = "openai"
		provider = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens, timeout)
	case "anthropic":
		provider = NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.MaxTokens, timeout)
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}

	return NewGuard(provider, name, cfg.RatePerMinute, logger), nil
}

// NormalizeLabel maps a model reply onto the fixed label set. Anything
// outside it becomes uncategorizable.
func NormalizeLabel(raw string) string {
	label := strings.ToLower(strings.TrimSpace(raw))
	label = strings.Trim(label, " \t\r\n.\"'`*")
	if i := strings.IndexAny(label, " \n,:"); i >= 0 {
		label = label[:i]
	}
	label = strings.ReplaceAll(label, "_", "-")
	if model.IsCategory(label) {
		return label
	}
	return model.CategoryUncategorizable
}

// systemPrompt lists the labels and asks for exactly one of them.
func systemPrompt(workProfile string) string {
	var sb strings.Builder
	sb.WriteString("You sort email into exactly one category. ")
	sb.WriteString("Reply with the category name only, lowercase, no punctuation.\n\n")
	sb.WriteString("Categories: ")
	sb.WriteString(strings.Join(model.Categories, ", "))
	sb.WriteString("\n\n")
	sb.WriteString("Use email-verification for sign-up confirmations, one-time codes and ")
	sb.WriteString("password resets. Use uncategorizable when nothing else fits.")
	if p := strings.TrimSpace(workProfile); p != "" {
		sb.WriteString("\n\nThe recipient describes their work as: ")
		sb.WriteString(p)
	}
	return sb.String()
}

func userPrompt(in Input) string {
	body := strings.Join(strings.Fields(in.Body), " ")
	if r := []rune(body); len(r) > maxBodyRunes {
		body = string(r[:maxBodyRunes])
	}
	return fmt.Sprintf("From: %s\nSubject: %s\n\n%s", in.From, in.Subject, body)
}
