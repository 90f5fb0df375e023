package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/resend/resend-go/v2"

	"muwise.app/internal/obs"
	"muwise.app/internal/reliability"
)

func init() { obs.Init() }

type fakeEmails struct {
	fail  int
	calls int
	last  *resend.SendEmailRequest
}

func (f *fakeEmails) SendWithContext(_ context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	f.calls++
	f.last = params
	if f.calls <= f.fail {
		return nil, errors.New("503 service unavailable")
	}
	return &resend.SendEmailResponse{Id: "msg-1"}, nil
}

func invitation() Invitation {
	return Invitation{
		To:             "bea@example.com",
		SignerName:     "Bea",
		AgreementTitle: "Split sheet <Summer>",
		InviterName:    "Ana",
		Link:           "https://app.example.com/sign/abc",
	}
}

func quick(r *Resend) *Resend {
	r.retry = reliability.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	return r
}

func TestResendSendsRenderedInvitation(t *testing.T) {
	fake := &fakeEmails{}
	sender := quick(newResend(fake, "Muwise <noreply@example.com>"))
	if err := sender.SendInvitation(context.Background(), invitation()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if fake.last == nil || fake.last.To[0] != "bea@example.com" {
		t.Fatalf("unexpected request: %+v", fake.last)
	}
	if !strings.Contains(fake.last.Html, "Split sheet &lt;Summer&gt;") {
		t.Fatalf("title not escaped in html: %s", fake.last.Html)
	}
	if !strings.Contains(fake.last.Text, "https://app.example.com/sign/abc") {
		t.Fatalf("link missing from text body")
	}
}

func TestResendRetriesTransientFailures(t *testing.T) {
	fake := &fakeEmails{fail: 2}
	sender := quick(newResend(fake, "noreply@example.com"))
	if err := sender.SendInvitation(context.Background(), invitation()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if fake.calls != 3 {
		t.Fatalf("calls = %d", fake.calls)
	}
}

func TestResendOpensBreaker(t *testing.T) {
	fake := &fakeEmails{fail: 1000}
	sender := quick(newResend(fake, "noreply@example.com"))
	for i := 0; i < 5; i++ {
		if err := sender.SendInvitation(context.Background(), invitation()); err == nil {
			t.Fatal("expected failure")
		}
	}
	if err := sender.SendInvitation(context.Background(), invitation()); !errors.Is(err, reliability.ErrOpen) {
		t.Fatalf("expected breaker open, got %v", err)
	}
}

func TestInvitationValidation(t *testing.T) {
	inv := invitation()
	inv.Link = ""
	if err := (Log{}).SendInvitation(context.Background(), inv); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestNewResendRequiresKey(t *testing.T) {
	if _, err := NewResend("", "noreply@example.com"); err == nil {
		t.Fatal("expected error without api key")
	}
}
