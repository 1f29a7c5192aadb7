package bootstrap

import (
	"testing"

	"github.com/ClearPeaks/knime-audit/config"
)

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 0,
		},
		{
			name:  "pipeline only",
			modes: []config.ServiceMode{config.ServiceModePipeline},
			want:  1,
		},
		{
			name:  "relay and retention",
			modes: []config.ServiceMode{config.ServiceModeOutboxRelay, config.ServiceModeRetention},
			want:  2,
		},
		{
			name:  "all services enabled",
			modes: config.ValidServiceModes(),
			want:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelCapacity(enabled); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
			if got := errorChannelBufferSize(enabled); got != tt.want+1 {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want+1)
			}
		})
	}
}

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "retention,pipeline"}
	got := GetEnabledServices(cfg)
	if len(got) != 2 || got[0] != "pipeline" || got[1] != "retention" {
		t.Fatalf("GetEnabledServices() = %v", got)
	}
	if got := GetEnabledServices(&config.AppConfig{Services: "bogus"}); len(got) != 0 {
		t.Fatalf("expected no services for invalid config, got %v", got)
	}
}

func TestValidateServiceConfig(t *testing.T) {
	if err := ValidateServiceConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
	cfg := &config.AppConfig{Services: "outbox-relay"}
	if err := ValidateServiceConfig(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg = &config.AppConfig{
		Services: "pipeline",
		Source:   config.SourceConfig{AuthMode: config.SourceAuthOAuth2},
	}
	if err := ValidateServiceConfig(cfg); err == nil {
		t.Fatal("expected oauth2 source without client id to be rejected")
	}
}

func TestObservabilityContainer_NilSink(t *testing.T) {
	var o ObservabilityContainer
	if o.Sink() != nil {
		t.Fatal("expected nil sink when metrics are disabled")
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close on disabled metrics: %v", err)
	}
}
