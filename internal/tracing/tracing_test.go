package tracing

import (
	"context"
	"testing"
)

func TestNewTracingProvider(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		expectError bool
	}{
		{
			name:        "disabled provider",
			cfg:         Config{Enabled: false},
			expectError: false,
		},
		{
			name:        "enabled without endpoint",
			cfg:         Config{Enabled: true},
			expectError: true,
		},
		{
			name: "plaintext connection",
			cfg: Config{
				Enabled:  true,
				Endpoint: "localhost:4317",
			},
			expectError: false,
		},
		{
			name: "TLS with insecure skip verify",
			cfg: Config{
				Enabled:     true,
				Endpoint:    "localhost:4317",
				TLSInsecure: true,
			},
			expectError: false,
		},
		{
			name: "TLS with missing CA file",
			cfg: Config{
				Enabled:   true,
				Endpoint:  "localhost:4317",
				TLSCAPath: "/nonexistent/ca.crt",
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewTracingProvider(tt.cfg)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if provider.enabled != tt.cfg.Enabled {
				t.Errorf("Provider enabled=%v, want %v", provider.enabled, tt.cfg.Enabled)
			}
			if provider.GetTracer("test") == nil {
				t.Errorf("GetTracer returned nil")
			}
			_ = provider.Stop(context.Background())
		})
	}
}

func TestDisabledProviderLifecycle(t *testing.T) {
	provider, err := NewTracingProvider(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if provider.IsEnabled() {
		t.Errorf("Provider should report disabled")
	}
	if err := provider.Start(context.Background()); err != nil {
		t.Errorf("Start on disabled provider: %v", err)
	}
	if err := provider.Stop(context.Background()); err != nil {
		t.Errorf("Stop on disabled provider: %v", err)
	}
}
