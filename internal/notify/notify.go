// Package notify delivers signing invitations by email.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"

	"muwise.app/internal/obs"
)

var ErrInvalidMessage = errors.New("invalid invitation")

// Invitation is one signing request addressed to one signer.
type Invitation struct {
	To             string
	SignerName     string
	AgreementTitle string
	InviterName    string
	Link           string
	RequiresLogin  bool
}

// Validate checks the fields every provider needs.
func (inv Invitation) Validate() error {
	if !strings.Contains(inv.To, "@") {
		return fmt.Errorf("%w: recipient %q", ErrInvalidMessage, inv.To)
	}
	if strings.TrimSpace(inv.Link) == "" {
		return fmt.Errorf("%w: link is required", ErrInvalidMessage)
	}
	return nil
}

// Subject renders the mail subject line.
func (inv Invitation) Subject() string {
	title := strings.TrimSpace(inv.AgreementTitle)
	if title == "" {
		title = "an agreement"
	}
	return fmt.Sprintf("You have been invited to sign %s", title)
}

// Sender delivers invitations.
type Sender interface {
	SendInvitation(ctx context.Context, inv Invitation) error
}

// Log writes invitations to the structured log instead of sending them.
// It is the sender used when no email provider is configured.
type Log struct{}

func (Log) SendInvitation(_ context.Context, inv Invitation) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	obs.Info("invitation_logged", map[string]any{
		"to":             inv.To,
		"subject":        inv.Subject(),
		"link":           inv.Link,
		"requires_login": inv.RequiresLogin,
	})
	obs.Notifications.WithLabelValues("logged").Inc()
	return nil
}

var htmlBody = template.Must(template.New("invite").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<p>Hello {{if .SignerName}}{{.SignerName}}{{else}}there{{end}},</p>
<p>{{if .InviterName}}{{.InviterName}}{{else}}A collaborator{{end}} invited you to sign <strong>{{.AgreementTitle}}</strong>.</p>
{{if .RequiresLogin}}<p>Sign in to your account to review and sign.</p>{{end}}
<p><a href="{{.Link}}">Review and sign</a></p>
<p>This link expires in 7 days.</p>
</body></html>`))

var textBody = texttemplate.Must(texttemplate.New("invite").Parse(`Hello {{if .SignerName}}{{.SignerName}}{{else}}there{{end}},

{{if .InviterName}}{{.InviterName}}{{else}}A collaborator{{end}} invited you to sign "{{.AgreementTitle}}".
{{if .RequiresLogin}}Sign in to your account to review and sign.
{{end}}
{{.Link}}

This link expires in 7 days.
`))

// Render returns the html and plain-text bodies.
func Render(inv Invitation) (string, string, error) {
	var h, t bytes.Buffer
	if err := htmlBody.Execute(&h, inv); err != nil {
		return "", "", fmt.Errorf("render html: %w", err)
	}
	if err := textBody.Execute(&t, inv); err != nil {
		return "", "", fmt.Errorf("render text: %w", err)
	}
	return h.String(), t.String(), nil
}
