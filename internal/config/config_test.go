package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Generation.CFGValue != 2.0 || cfg.Generation.InferenceTimesteps != 10 {
		t.Fatalf("unexpected generation defaults %+v", cfg.Generation)
	}
	if cfg.Silence.MaxGapMS != 800 || cfg.Silence.TargetGapMS != 500 {
		t.Fatalf("unexpected silence defaults %+v", cfg.Silence)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vox.yaml")
	data := `
runtime_name: vox-test
synth:
  mode: exec
  command: python3 -m voxcpm.worker
  sample_rate: 16000
generation:
  cfg_value: 3.5
  inference_timesteps: 25
silence:
  enabled: true
  top_db: 40
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "vox-test" || cfg.Synth.Mode != "exec" || cfg.Synth.SampleRate != 16000 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Generation.CFGValue != 3.5 || cfg.Generation.InferenceTimesteps != 25 {
		t.Fatalf("unexpected generation config %+v", cfg.Generation)
	}
	if !cfg.Silence.Enabled || cfg.Silence.TopDB != 40 || cfg.Silence.MaxGapMS != 800 {
		t.Fatalf("unexpected silence config %+v", cfg.Silence)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOX_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOX_BUS_USERNAME", "alice")
	t.Setenv("VOX_BUS_PASSWORD", "secret")
	t.Setenv("VOX_BUS_TLS_INSECURE", "true")
	t.Setenv("VOX_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("VOX_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("VOX_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("VOX_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("VOX_EVENT_STORE_MAX_JOBS", "123")
	t.Setenv("VOX_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("VOX_SYNTH_MODE", "exec")
	t.Setenv("VOX_SYNTH_COMMAND", "voxcpm-worker --device cuda")
	t.Setenv("VOX_GENERATION_CFG_VALUE", "1.5")
	t.Setenv("VOX_GENERATION_INFERENCE_TIMESTEPS", "30")
	t.Setenv("VOX_GENERATION_NORMALIZE", "true")
	t.Setenv("VOX_SILENCE_ENABLED", "true")
	t.Setenv("VOX_TELEMETRY_LOG_FILE", "/var/log/voxd.log")
	t.Setenv("VOX_SERVICE_OUTPUT_KEEP", "25")
	t.Setenv("VOX_SERVICE_REFERENCE_DIR", "/srv/refs")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxJobs != 123 {
		t.Fatalf("expected event store max jobs override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Synth.Mode != "exec" || cfg.Synth.Command != "voxcpm-worker --device cuda" {
		t.Fatalf("expected synth override, got %+v", cfg.Synth)
	}
	if cfg.Generation.CFGValue != 1.5 || cfg.Generation.InferenceTimesteps != 30 || !cfg.Generation.Normalize {
		t.Fatalf("expected generation override, got %+v", cfg.Generation)
	}
	if !cfg.Silence.Enabled {
		t.Fatal("expected silence override")
	}
	if cfg.Telemetry.LogFile != "/var/log/voxd.log" {
		t.Fatalf("expected log file override")
	}
	if cfg.Service.OutputKeep != 25 || cfg.Service.ReferenceDir != "/srv/refs" {
		t.Fatalf("expected service override, got %+v", cfg.Service)
	}
}

func TestValidateGenerationRanges(t *testing.T) {
	cases := []struct {
		name  string
		cfg   float64
		steps int
		want  string
	}{
		{"low cfg", 0.05, 10, "cfg_value"},
		{"high cfg", 10.5, 10, "cfg_value"},
		{"zero steps", 2, 0, "inference_timesteps"},
		{"too many steps", 2, 101, "inference_timesteps"},
		{"lower bounds", 0.1, 1, ""},
		{"upper bounds", 10, 100, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateGeneration(tc.cfg, tc.steps)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %s error, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"VOX_SYNTH_MODE":           "remote",
		"VOX_GENERATION_CFG_VALUE": "20",
		"VOX_HTTP_PORT":            "70000",
		"VOX_SERVICE_OUTPUT_KEEP":  "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected validation error for %s=%s", key, value)
			}
		})
	}

	t.Run("exec without command", func(t *testing.T) {
		t.Setenv("VOX_SYNTH_MODE", "exec")
		if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "synth.command") {
			t.Fatalf("expected synth.command error, got %v", err)
		}
	})
}
