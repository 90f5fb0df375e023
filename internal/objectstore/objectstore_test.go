package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryPutGet(t *testing.T) {
	store := NewMemory("https://api.example.com/v1/files/")
	url, err := store.Put(context.Background(), AgreementKey("agr 1"), []byte("%PDF"), "application/pdf")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if want := "https://api.example.com/v1/files/agreements/agr%201/signed.pdf"; url != want {
		t.Fatalf("url = %s, want %s", url, want)
	}
	obj, err := store.Get(AgreementKey("agr 1"))
	if err != nil || string(obj.Data) != "%PDF" || obj.ContentType != "application/pdf" {
		t.Fatalf("get = %+v, %v", obj, err)
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectsTraversalKeys(t *testing.T) {
	store := NewMemory("http://x")
	for _, key := range []string{"", "/abs", "a/../b"} {
		if _, err := store.Put(context.Background(), key, nil, ""); err == nil {
			t.Fatalf("key %q accepted", key)
		}
	}
}

func TestMinioPublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  MinioConfig
		want string
	}{
		{"http", MinioConfig{Endpoint: "localhost:9000", Bucket: "agreements"}, "http://localhost:9000/agreements/agreements/a1/signed.pdf"},
		{"https", MinioConfig{Endpoint: "s3.example.com", Bucket: "docs", UseSSL: true}, "https://s3.example.com/docs/agreements/a1/signed.pdf"},
		{"public base", MinioConfig{Endpoint: "minio:9000", Bucket: "docs", PublicBaseURL: "https://cdn.example.com/docs/"}, "https://cdn.example.com/docs/agreements/a1/signed.pdf"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewMinio(tc.cfg)
			if err != nil {
				t.Fatalf("new minio: %v", err)
			}
			if got := store.PublicURL(AgreementKey("a1")); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}
