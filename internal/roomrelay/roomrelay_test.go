package roomrelay

import "testing"

func TestDefaultConfigReconnectsIndefinitely(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxReconnects != -1 {
		t.Fatalf("MaxReconnects = %d, want -1 (reconnect forever)", cfg.MaxReconnects)
	}
	if cfg.URL == "" {
		t.Fatal("URL must have a usable default")
	}
}
