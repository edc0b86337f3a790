package appconfig

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Config{ListenAddr: ":8080", OrchestratorConfigPath: "x.json", LogLevel: "verbose"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidateRejectsEmptyListenAddr(t *testing.T) {
	cfg := Config{OrchestratorConfigPath: "x.json", LogLevel: "info"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty listen addr")
	}
}

func TestGetEnvStringSliceSplitsAndTrims(t *testing.T) {
	t.Setenv("GRADEFORGE_TEST_ORIGINS", "a, b ,c")
	got := getEnvStringSlice("GRADEFORGE_TEST_ORIGINS", nil)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
