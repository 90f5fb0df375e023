package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"

	"muwise.app/internal/obs"
	"muwise.app/internal/reliability"
)

type emailAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Resend sends invitations through the Resend API.
type Resend struct {
	emails  emailAPI
	from    string
	retry   reliability.RetryConfig
	breaker *reliability.Breaker
}

var _ Sender = (*Resend)(nil)

// NewResend builds a sender for the given API key and From address.
func NewResend(apiKey, from string) (*Resend, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("resend api key is required")
	}
	if !strings.Contains(from, "@") {
		return nil, fmt.Errorf("invalid from address %q", from)
	}
	client := resend.NewClient(apiKey)
	return newResend(client.Emails, from), nil
}

func newResend(emails emailAPI, from string) *Resend {
	breaker := reliability.NewBreaker(5, 1, 30*time.Second)
	breaker.OnStateChange(func(from, to reliability.State) {
		obs.Warn("email_breaker_state", map[string]any{"from": from.String(), "to": to.String()})
	})
	return &Resend{
		emails:  emails,
		from:    from,
		retry:   reliability.DefaultRetry(),
		breaker: breaker,
	}
}

func (r *Resend) SendInvitation(ctx context.Context, inv Invitation) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	if !r.breaker.Allow() {
		obs.Notifications.WithLabelValues("rejected").Inc()
		return reliability.ErrOpen
	}
	html, text, err := Render(inv)
	if err != nil {
		return err
	}
	req := &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{inv.To},
		Subject: inv.Subject(),
		Html:    html,
		Text:    text,
	}
	sent, err := reliability.Do(ctx, r.retry, "resend.send", func(ctx context.Context) (*resend.SendEmailResponse, error) {
		return r.emails.SendWithContext(ctx, req)
	})
	if err != nil {
		r.breaker.Failure()
		obs.Notifications.WithLabelValues("failed").Inc()
		return fmt.Errorf("send invitation to %s: %w", inv.To, err)
	}
	r.breaker.Success()
	obs.Notifications.WithLabelValues("sent").Inc()
	fields := map[string]any{"to": inv.To}
	if sent != nil {
		fields["message_id"] = sent.Id
	}
	obs.Info("invitation_sent", fields)
	return nil
}
