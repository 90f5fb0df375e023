// Command smoke-signing drives one guest signature against a running API.
// The API must run with MUWISE_EXPOSE_SIGNING_LINKS=true.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"muwise.app/internal/ids"
)

const drawnSignature = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+M9QDwADhgGAWjR9awAAAABJRU5ErkJggg=="

type client struct {
	base  string
	http  *http.Client
	token string
}

func (c *client) call(ctx context.Context, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func main() {
	apiURL := os.Getenv("MUWISE_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	grpcAddr := os.Getenv("MUWISE_GRPC_ADDR")
	if grpcAddr == "" {
		grpcAddr = "localhost:9090"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial grpc at %s: %v", grpcAddr, err)
	}
	defer conn.Close()
	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if health.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("api not serving: %s", health.GetStatus())
	}

	c := &client{base: apiURL, http: &http.Client{Timeout: 10 * time.Second}}
	suffix := ids.Nonce()[:8]

	var session struct {
		Token string `json:"token"`
	}
	status, err := c.call(ctx, http.MethodPost, "/v1/auth/register", map[string]string{
		"email":       "smoke-" + suffix + "@example.com",
		"password":    "smoke-password-" + suffix,
		"displayName": "Smoke Creator",
	}, &session)
	if err != nil || status != http.StatusCreated {
		log.Fatalf("register: status=%d err=%v", status, err)
	}
	c.token = session.Token

	var created struct {
		ID string `json:"id"`
	}
	status, err = c.call(ctx, http.MethodPost, "/v1/agreements", map[string]string{
		"title":    "Smoke split sheet " + suffix,
		"category": "split-sheet",
	}, &created)
	if err != nil || status != http.StatusCreated {
		log.Fatalf("create agreement: status=%d err=%v", status, err)
	}

	var added struct {
		Outcome string `json:"outcome"`
		Link    string `json:"link"`
	}
	status, err = c.call(ctx, http.MethodPost, "/v1/agreements/"+created.ID+"/signers", map[string]string{
		"name":  "Smoke Guest",
		"email": "guest-" + suffix + "@example.com",
		"role":  "Producer",
	}, &added)
	if err != nil || status != http.StatusCreated {
		log.Fatalf("add signer: status=%d err=%v", status, err)
	}
	if added.Link == "" {
		log.Fatal("no signing link in response; start the API with MUWISE_EXPOSE_SIGNING_LINKS=true")
	}
	link, err := url.Parse(added.Link)
	if err != nil {
		log.Fatalf("parse link: %v", err)
	}

	guest := &client{base: apiURL, http: c.http}
	var verified struct {
		Valid bool   `json:"valid"`
		State string `json:"state"`
	}
	status, err = guest.call(ctx, http.MethodGet, "/v1"+link.Path, nil, &verified)
	if err != nil || !verified.Valid {
		log.Fatalf("verify link: status=%d state=%s err=%v", status, verified.State, err)
	}

	var submitted struct {
		Status string `json:"status"`
		Data   struct {
			Completed bool `json:"completed"`
		} `json:"data"`
	}
	status, err = guest.call(ctx, http.MethodPost, "/v1"+link.Path, map[string]string{"signatureDataUrl": drawnSignature}, &submitted)
	if err != nil || submitted.Status != "success" {
		log.Fatalf("submit signature: status=%d err=%v", status, err)
	}

	status, _ = guest.call(ctx, http.MethodGet, "/v1"+link.Path, nil, nil)
	if status != http.StatusConflict {
		log.Fatalf("reused link: expected 409, got %d", status)
	}

	fmt.Printf("signing smoke test passed: agreement=%s completed=%v\n", created.ID, submitted.Data.Completed)
}
