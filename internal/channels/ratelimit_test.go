package channels

import "testing"

func TestWebhookRateLimiterAllowsWithinLimit(t *testing.T) {
	r := NewWebhookRateLimiter()
	for i := 0; i < rateLimitMaxHits; i++ {
		if !r.Allow("key") {
			t.Fatalf("expected hit %d to be allowed within the limit", i)
		}
	}
}

func TestWebhookRateLimiterBlocksOverLimit(t *testing.T) {
	r := NewWebhookRateLimiter()
	for i := 0; i < rateLimitMaxHits; i++ {
		r.Allow("key")
	}
	if r.Allow("key") {
		t.Error("expected the hit past the limit to be rejected")
	}
}

func TestWebhookRateLimiterTracksKeysIndependently(t *testing.T) {
	r := NewWebhookRateLimiter()
	for i := 0; i < rateLimitMaxHits; i++ {
		r.Allow("key-a")
	}
	if !r.Allow("key-b") {
		t.Error("expected a different key to have its own independent budget")
	}
}
