package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steemit/feedsync/pkg/config"
)

func TestHashKey(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
	}{
		{
			name:  "single part",
			parts: []string{"https://files.example/avatars/1.png"},
		},
		{
			name:  "multiple parts",
			parts: []string{"media", "https://files.example/avatars/1.png"},
		},
		{
			name:  "empty parts",
			parts: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hashed1 := HashKey(tt.parts...)
			hashed2 := HashKey(tt.parts...)

			if hashed1 != hashed2 {
				t.Errorf("HashKey() should be consistent, got %s and %s", hashed1, hashed2)
			}
			if len(hashed1) != 32 {
				t.Errorf("HashKey() should return 32 character hex string, got length %d", len(hashed1))
			}
		})
	}

	if HashKey("a", "b") == HashKey("b", "a") {
		t.Error("HashKey() should depend on part order")
	}
}

func TestCache_NamespaceKey(t *testing.T) {
	cache := &Cache{}

	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{
			name:     "simple key",
			key:      "test",
			expected: "feedsync:test",
		},
		{
			name:     "key with colon",
			key:      "media:abc",
			expected: "feedsync:media:abc",
		},
		{
			name:     "empty key",
			key:      "",
			expected: "feedsync:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := cache.namespaceKey(tt.key)
			if result != tt.expected {
				t.Errorf("namespaceKey() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestDisabledCache(t *testing.T) {
	c, err := New(&config.RedisConfig{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c != nil {
		t.Fatal("New() with Redis disabled should return nil")
	}

	ctx := context.Background()
	if _, err := c.GetBytes(ctx, "k"); !errors.Is(err, ErrCacheDisabled) {
		t.Errorf("GetBytes() error = %v, want ErrCacheDisabled", err)
	}
	if err := c.SetBytes(ctx, "k", []byte("v"), time.Minute); !errors.Is(err, ErrCacheDisabled) {
		t.Errorf("SetBytes() error = %v, want ErrCacheDisabled", err)
	}
	if err := c.Flush(ctx, "media:"); !errors.Is(err, ErrCacheDisabled) {
		t.Errorf("Flush() error = %v, want ErrCacheDisabled", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
}
