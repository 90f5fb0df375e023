package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                     "/",
		"/metrics":                             "/metrics",
		"/v1/agreements":                       "/v1/agreements",
		"/v1/agreements/01HZX":                 "/v1/agreements/:id",
		"/v1/agreements/01HZX/signers":         "/v1/agreements/:id/signers",
		"/v1/agreements/01HZX/finalize":        "/v1/agreements/:id/finalize",
		"/v1/agreements/01HZX/events":          "/v1/agreements/:id/events",
		"/v1/agreements/01HZX/extra":           "/v1/agreements/01HZX/extra",
		"/v1/agreements/a/signers/s-1/resend":  "/v1/agreements/:id/signers/:sid/resend",
		"/v1/sign/eyJhbGciOi.payload.sig":      "/v1/sign/:token",
		"/v1/sign/resume":                      "/v1/sign/resume",
		"/v1/sign?token=abc":                   "/v1/sign",
		"/v1/agreements/01HZX?include=signers": "/v1/agreements/:id",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
