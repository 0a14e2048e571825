package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(config *Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(config)
	l.now = clock.now
	return l, clock
}

func TestLimiter_Allow(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/sessions", "GET")
		if !allowed {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
		if info.Limit != 10 {
			t.Errorf("Expected limit 10, got %d", info.Limit)
		}
		if info.Remaining != 9-i {
			t.Errorf("Expected remaining %d, got %d", 9-i, info.Remaining)
		}
	}

	allowed, info := limiter.Allow("127.0.0.1", "/sessions", "GET")
	if allowed {
		t.Error("Expected 11th request to be denied")
	}
	if info.Remaining != 0 {
		t.Errorf("Expected remaining 0, got %d", info.Remaining)
	}
	if info.RetryAfter <= 0 {
		t.Error("Expected retry after to be positive")
	}
	if !info.ResetTime.After(limiter.now()) {
		t.Error("Reset time should be in the future")
	}
}

func TestLimiter_Refill(t *testing.T) {
	limiter, clock := newTestLimiter(&Config{Enabled: true, DefaultLimit: 60, DefaultWindow: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 60; i++ {
		limiter.Allow("c", "/sessions", "GET")
	}
	if allowed, _ := limiter.Allow("c", "/sessions", "GET"); allowed {
		t.Fatal("Expected bucket to be empty")
	}

	clock.advance(time.Second)
	if allowed, _ := limiter.Allow("c", "/sessions", "GET"); !allowed {
		t.Error("Expected request to be allowed after one token refilled")
	}
	if allowed, _ := limiter.Allow("c", "/sessions", "GET"); allowed {
		t.Error("Expected request to be denied after consuming refilled token")
	}
}

func TestLimiter_Whitelist(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1,
		DefaultWindow: time.Minute,
		Whitelist:     map[string]bool{"127.0.0.1": true},
	})
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/sessions", "GET")
		if !allowed {
			t.Errorf("Expected whitelisted request %d to be allowed", i+1)
		}
		if info.Limit != 0 {
			t.Errorf("Expected limit 0 for whitelisted, got %d", info.Limit)
		}
	}
}

func TestLimiter_Blacklist(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		Blacklist:     map[string]bool{"192.168.1.1": true},
	})
	defer limiter.Stop()

	if allowed, _ := limiter.Allow("192.168.1.1", "/sessions", "GET"); allowed {
		t.Error("Expected blacklisted request to be denied")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{Enabled: false})
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/sessions", "GET")
		if !allowed {
			t.Errorf("Expected request %d to be allowed when disabled", i+1)
		}
		if info.Limit != 0 {
			t.Errorf("Expected limit 0 when disabled, got %d", info.Limit)
		}
	}
}

func TestLimiter_EndpointSpecific(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		EndpointConfigs: []EndpointConfig{
			{Path: "/jobs/enrich", Method: "POST", Limit: 5, Window: time.Hour, Burst: 5},
		},
	})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/jobs/enrich", "POST")
		if !allowed {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
		if info.Limit != 5 {
			t.Errorf("Expected limit 5, got %d", info.Limit)
		}
	}

	allowed, info := limiter.Allow("127.0.0.1", "/jobs/enrich", "POST")
	if allowed {
		t.Error("Expected 6th request to be denied")
	}
	if info.Limit != 5 {
		t.Errorf("Expected limit 5, got %d", info.Limit)
	}

	allowed, info = limiter.Allow("127.0.0.1", "/sessions", "GET")
	if !allowed {
		t.Error("Expected different endpoint to be allowed")
	}
	if info.Limit != 1000 {
		t.Errorf("Expected default limit 1000, got %d", info.Limit)
	}
}

func TestLimiter_PrefixConfigSharesBucket(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		EndpointConfigs: []EndpointConfig{
			{Path: "/jobs/runs/", Method: "GET", Limit: 2, Window: time.Minute, Burst: 2},
		},
	})
	defer limiter.Stop()

	limiter.Allow("c", "/jobs/runs/a", "GET")
	limiter.Allow("c", "/jobs/runs/b", "GET")
	if allowed, _ := limiter.Allow("c", "/jobs/runs/c", "GET"); allowed {
		t.Error("Expected prefix-matched paths to share one bucket")
	}
	if allowed, _ := limiter.Allow("other", "/jobs/runs/c", "GET"); !allowed {
		t.Error("Expected other clients to have their own bucket")
	}
}

func TestLimiter_HealthIsUnlimited(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		if allowed, _ := limiter.Allow("c", "/health", "GET"); !allowed {
			t.Fatalf("Expected health check %d to be allowed", i+1)
		}
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{Enabled: true, DefaultLimit: 100, DefaultWindow: time.Minute})
	defer limiter.Stop()

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		allowedCount int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := limiter.Allow("127.0.0.1", "/sessions", "GET"); allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowedCount != 100 {
		t.Errorf("Expected 100 allowed requests, got %d", allowedCount)
	}
}

func TestLimiter_CleanupRemovesIdleBuckets(t *testing.T) {
	limiter, clock := newTestLimiter(&Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute})
	defer limiter.Stop()

	limiter.Allow("old", "/sessions", "GET")
	clock.advance(2 * time.Hour)
	limiter.Allow("fresh", "/sessions", "GET")

	removed := limiter.cleanupBuckets(clock.now().Add(-idleBucketTTL))
	if removed != 1 {
		t.Errorf("Expected 1 bucket removed, got %d", removed)
	}
	if _, ok := limiter.buckets["fresh:GET:/sessions"]; !ok {
		t.Error("Expected recently used bucket to survive cleanup")
	}
}

func TestLimiter_Burst(t *testing.T) {
	limiter, _ := newTestLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  10,
		DefaultWindow: time.Minute,
		EndpointConfigs: []EndpointConfig{
			{Path: "/live/stream", Method: "GET", Limit: 10, Window: time.Minute, Burst: 5},
		},
	})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if allowed, _ := limiter.Allow("c", "/live/stream", "GET"); !allowed {
			t.Errorf("Expected burst request %d to be allowed", i+1)
		}
	}
	if allowed, _ := limiter.Allow("c", "/live/stream", "GET"); allowed {
		t.Error("Expected request after burst to be denied")
	}
}

func TestNewLimiter_NilConfig(t *testing.T) {
	limiter := NewLimiter(nil)
	defer limiter.Stop()

	allowed, info := limiter.Allow("127.0.0.1", "/sessions", "GET")
	if !allowed {
		t.Error("Expected request to be allowed with default config")
	}
	if info.Limit != 1000 {
		t.Errorf("Expected default limit 1000, got %d", info.Limit)
	}
	limiter.Stop()
}

func TestLoadConfig(t *testing.T) {
	env := map[string]string{
		"RATE_LIMIT_DEFAULT_LIMIT":    "50",
		"RATE_LIMIT_DEFAULT_WINDOW":   "30s",
		"RATE_LIMIT_WHITELIST":        "10.0.0.1, 10.0.0.2",
		"RATE_LIMIT_BLACKLIST":        "bad",
		"RATE_LIMIT_CLEANUP_INTERVAL": "not-a-duration",
	}
	cfg := loadConfig(func(k string) string { return env[k] })

	if !cfg.Enabled {
		t.Fatal("Expected limiting to default to enabled")
	}
	if cfg.DefaultLimit != 50 || cfg.DefaultWindow != 30*time.Second {
		t.Errorf("Unexpected defaults: %d per %s", cfg.DefaultLimit, cfg.DefaultWindow)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("Expected invalid duration to fall back, got %s", cfg.CleanupInterval)
	}
	if !cfg.Whitelist["10.0.0.2"] || !cfg.Blacklist["bad"] {
		t.Error("Expected IP lists to be parsed")
	}
	if MatchEndpoint("/jobs/enrich", "POST", cfg.EndpointConfigs) == nil {
		t.Error("Expected an endpoint config for starting runs")
	}

	disabled := loadConfig(func(k string) string {
		if k == "RATE_LIMIT_ENABLED" {
			return "false"
		}
		return ""
	})
	if disabled.Enabled {
		t.Error("Expected RATE_LIMIT_ENABLED=false to disable limiting")
	}
}

func TestMatchEndpoint(t *testing.T) {
	configs := DefaultEndpointConfigs()
	tests := []struct {
		path, method string
		wantPath     string
	}{
		{"/jobs/enrich", "POST", "/jobs/enrich"},
		{"/jobs/runs/123", "GET", "/jobs/runs/"},
		{"/live/stream", "GET", "/live/stream"},
		{"/jobs/enrich", "GET", ""},
		{"/sessions", "GET", ""},
	}
	for _, tt := range tests {
		got := MatchEndpoint(tt.path, tt.method, configs)
		switch {
		case tt.wantPath == "" && got != nil:
			t.Errorf("%s %s: expected no match, got %s", tt.method, tt.path, got.Path)
		case tt.wantPath != "" && (got == nil || got.Path != tt.wantPath):
			t.Errorf("%s %s: expected %s, got %v", tt.method, tt.path, tt.wantPath, got)
		}
	}

	health := MatchEndpoint("/health", "GET", configs)
	if health == nil || health.Limit != 0 {
		t.Error("Expected health check to be unlimited")
	}
}
