// Package objectstore keeps finalized agreement documents.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("object not found")

// Store uploads an object and returns the URL it can be fetched from.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// Memory keeps objects in process memory and serves them below baseURL.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
	baseURL string
}

var _ Store = (*Memory)(nil)

// NewMemory returns a Memory store whose URLs are baseURL + "/" + key.
func NewMemory(baseURL string) *Memory {
	return &Memory{objects: make(map[string]Object), baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Data: bytes.Clone(data), ContentType: contentType}
	return m.baseURL + "/" + escapeKey(key), nil
}

// Get returns a stored object.
func (m *Memory) Get(key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj, nil
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// AgreementKey is the object key of an agreement's signed PDF.
func AgreementKey(agreementID string) string {
	return "agreements/" + agreementID + "/signed.pdf"
}
