package integrations

import (
	"context"
	"errors"
	"time"
)

// MailMessage is one fetched message.
type MailMessage struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Body    string    `json:"body,omitempty"`
	Date    time.Time `json:"date"`
}

// MailProvider fetches recent mail for a user. Concrete providers plug in
// per deployment; the server only depends on this interface.
type MailProvider interface {
	Fetch(ctx context.Context, userEmail string, limit int) ([]MailMessage, error)
}

// ErrMailNotConfigured is returned when no provider is wired.
var ErrMailNotConfigured = errors.New("mail provider not configured")

// NoopMailProvider is the default when no provider is configured.
type NoopMailProvider struct{}

func (NoopMailProvider) Fetch(context.Context, string, int) ([]MailMessage, error) {
	return nil, ErrMailNotConfigured
}
