package cache

import (
	"testing"
	"time"

	"github.com/tradebridge/mt5-gateway/pkg/webapi"
)

func TestEntry_Fresh(t *testing.T) {
	ttl := 60 * time.Second

	tests := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"just stored", 0, true},
		{"well within ttl", 30 * time.Second, true},
		{"just under ttl", ttl - time.Second, true},
		{"at ttl", ttl, false},
		{"past ttl", 2 * ttl, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &Entry{
				Data:     []byte(`{}`),
				Kind:     webapi.KindUser,
				StoredAt: time.Now().Add(-tt.age),
			}
			if got := entry.Fresh(ttl); got != tt.want {
				t.Errorf("Fresh(%s) with age %s = %v, want %v", ttl, tt.age, got, tt.want)
			}
		})
	}
}

func TestDefaultTTLPolicy(t *testing.T) {
	p := DefaultTTLPolicy()

	if got := p.For(webapi.KindUser); got != 60*time.Second {
		t.Errorf("user TTL = %s, want 60s", got)
	}
	if got := p.For(webapi.KindPosition); got != 30*time.Second {
		t.Errorf("position TTL = %s, want 30s", got)
	}
	if got := p.For(webapi.Kind("trade/balance")); got != 0 {
		t.Errorf("unknown kind TTL = %s, want 0 (never cached)", got)
	}
}
