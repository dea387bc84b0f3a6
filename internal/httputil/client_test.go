package httputil

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout != 300*time.Second {
		t.Errorf("Timeout = %v, want 300s", cfg.Timeout)
	}
	if cfg.ResponseHeaderTimeout != 60*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v, want 60s", cfg.ResponseHeaderTimeout)
	}
	if cfg.DialTimeout != 10*time.Second {
		t.Errorf("DialTimeout = %v, want 10s", cfg.DialTimeout)
	}
}

func TestNewClient(t *testing.T) {
	cfg := ClientConfig{
		Timeout:             42 * time.Second,
		DialTimeout:         time.Second,
		MaxIdleConns:        5,
		MaxIdleConnsPerHost: 2,
	}

	client := NewClient(cfg)

	if client.Timeout != 42*time.Second {
		t.Errorf("client.Timeout = %v, want 42s", client.Timeout)
	}
	if client.Transport == nil {
		t.Fatal("client.Transport should be set")
	}
}

func TestDefaultClient(t *testing.T) {
	client := DefaultClient()

	if client.Timeout != 300*time.Second {
		t.Errorf("client.Timeout = %v, want 300s", client.Timeout)
	}
}
