package echost

import "testing"

func TestDefaultDispatcherConfigValid(t *testing.T) {
	if err := DefaultDispatcherConfig().Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestDispatcherConfigRejectsSmallBuffer(t *testing.T) {
	cfg := DefaultDispatcherConfig()
	cfg.BufferSize = 64
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for buffer below minimum")
	}
}

func TestDispatcherConfigRejectsWrongProtocolVersion(t *testing.T) {
	cfg := DefaultDispatcherConfig()
	cfg.ProtocolVersion = 2
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for wrong protocol version")
	}
}
