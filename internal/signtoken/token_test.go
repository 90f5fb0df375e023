package signtoken

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewCodecRequiresSecret(t *testing.T) {
	for _, secret := range []string{"", "   "} {
		if _, err := NewCodec(secret); !errors.Is(err, ErrMissingSecret) {
			t.Fatalf("NewCodec(%q) err=%v, want ErrMissingSecret", secret, err)
		}
	}
}

func TestMintVerifyRoundTrip(t *testing.T) {
	codec, err := NewCodec("test-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	cases := []Payload{
		{AgreementID: "agr-1", SignerID: "signer-1", Email: "b@example.com", Purpose: PurposeGuest},
		{AgreementID: "01HZXAGREEMENT", SignerID: "signer-ab12", Email: "Mixed.Case@Example.com", Purpose: PurposeUser},
		{AgreementID: "a", SignerID: "s", Email: "ñandú@example.com", Purpose: PurposeGuest},
	}
	for _, want := range cases {
		token, err := codec.Mint(want)
		if err != nil {
			t.Fatalf("Mint(%+v): %v", want, err)
		}
		got, err := codec.Verify(token)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if got != want {
			t.Fatalf("payload mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestMintRejectsIncompletePayload(t *testing.T) {
	codec, _ := NewCodec("test-secret")
	cases := []Payload{
		{SignerID: "s", Email: "e@x.io", Purpose: PurposeGuest},
		{AgreementID: "a", Email: "e@x.io", Purpose: PurposeGuest},
		{AgreementID: "a", SignerID: "s", Purpose: PurposeGuest},
		{AgreementID: "a", SignerID: "s", Email: "e@x.io", Purpose: "admin"},
	}
	for _, p := range cases {
		if _, err := codec.Mint(p); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("Mint(%+v) err=%v, want ErrInvalidPayload", p, err)
		}
	}
}

func TestVerifyExpired(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	minter, _ := NewCodec("test-secret", WithClock(fixedClock(issued)))
	token, err := minter.Mint(Payload{AgreementID: "a", SignerID: "s", Email: "e@x.io", Purpose: PurposeGuest})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	justBefore, _ := NewCodec("test-secret", WithClock(fixedClock(issued.Add(TTL-time.Minute))))
	if _, err := justBefore.Verify(token); err != nil {
		t.Fatalf("expected valid before expiry, got %v", err)
	}

	for _, after := range []time.Duration{TTL + time.Minute, TTL + 24*time.Hour, 365 * 24 * time.Hour} {
		later, _ := NewCodec("test-secret", WithClock(fixedClock(issued.Add(after))))
		if _, err := later.Verify(token); !errors.Is(err, ErrExpired) {
			t.Fatalf("Verify at +%s err=%v, want ErrExpired", after, err)
		}
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	codec, _ := NewCodec("test-secret")
	token, err := codec.Mint(Payload{AgreementID: "agr-9", SignerID: "signer-9", Email: "x@y.z", Purpose: PurposeUser})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %q", token)
	}

	for seg := 0; seg < 3; seg++ {
		raw, err := base64.RawURLEncoding.DecodeString(parts[seg])
		if err != nil {
			t.Fatalf("decode segment %d: %v", seg, err)
		}
		for i := range raw {
			mutated := append([]byte(nil), raw...)
			mutated[i] ^= 0x01
			copyParts := append([]string(nil), parts...)
			copyParts[seg] = base64.RawURLEncoding.EncodeToString(mutated)
			tampered := strings.Join(copyParts, ".")
			if _, err := codec.Verify(tampered); !errors.Is(err, ErrMalformed) {
				t.Fatalf("segment %d byte %d: err=%v, want ErrMalformed", seg, i, err)
			}
		}
	}
}

func TestVerifyRejectsForeignSecretAndGarbage(t *testing.T) {
	codec, _ := NewCodec("test-secret")
	other, _ := NewCodec("other-secret")
	token, _ := other.Mint(Payload{AgreementID: "a", SignerID: "s", Email: "e@x.io", Purpose: PurposeGuest})

	for _, tok := range []string{token, "", "not-a-token", "a.b.c"} {
		if _, err := codec.Verify(tok); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Verify(%q) err=%v, want ErrMalformed", tok, err)
		}
	}
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	codec, _ := NewCodec("test-secret")
	other, _ := NewCodec("test-secret", WithIssuer("someone-else"))
	token, _ := other.Mint(Payload{AgreementID: "a", SignerID: "s", Email: "e@x.io", Purpose: PurposeGuest})
	if _, err := codec.Verify(token); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err=%v, want ErrMalformed", err)
	}
}

func TestLinks(t *testing.T) {
	if got := GuestLink("https://app.muwise.io/", "a.b+c"); got != "https://app.muwise.io/sign/a.b+c" {
		t.Fatalf("GuestLink=%q", got)
	}
	if got := UserLink("https://app.muwise.io", "a.b+c"); got != "https://app.muwise.io/sign?token=a.b%2Bc" {
		t.Fatalf("UserLink=%q", got)
	}
	if got := Link("http://x", "t", PurposeUser); !strings.Contains(got, "?token=") {
		t.Fatalf("Link(user)=%q", got)
	}
}
