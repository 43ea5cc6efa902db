package config

import (
	"strings"
	"testing"
	"time"
)

// setBase sets the minimum environment Load accepts.
func setBase(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"APP_ENV":             "dev",
		"STORAGE":             "memory",
		"JWT_SECRET":          "secret",
		"PAYMENT_VERIFY":      "razorpay",
		"RAZORPAY_KEY_SECRET": "rzp",
		"REDIS_URL":           "",
		"REDIS_ADDR":          "",
		"CORS_ORIGINS":        "",
		"LOCK_WINDOW":         "",
		"CALL_RING_TIMEOUT":   "",
		"POSTGRES_DSN":        "",
	} {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LockWindow != 10*time.Minute {
		t.Errorf("LockWindow = %s", cfg.LockWindow)
	}
	if cfg.RedisAddr != "127.0.0.1:6379" {
		t.Errorf("RedisAddr = %s", cfg.RedisAddr)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.Call.RingTimeout != 45*time.Second || cfg.WS.MaxMessageSize != 1<<20 {
		t.Errorf("call/ws defaults = %+v %+v", cfg.Call, cfg.WS)
	}
}

func TestLoadOverrides(t *testing.T) {
	setBase(t)
	t.Setenv("LOCK_WINDOW", "90")
	t.Setenv("CALL_RING_TIMEOUT", "1m30s")
	t.Setenv("CORS_ORIGINS", "https://a.test, https://b.test,")
	t.Setenv("REDIS_URL", "redis://app:pw@cache:6380")
	t.Setenv("WORKER_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LockWindow != 90*time.Second {
		t.Errorf("LockWindow = %s", cfg.LockWindow)
	}
	if cfg.Call.RingTimeout != 90*time.Second {
		t.Errorf("RingTimeout = %s", cfg.Call.RingTimeout)
	}
	if strings.Join(cfg.CORSOrigins, "|") != "https://a.test|https://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.RedisAddr != "cache:6380" || cfg.RedisUsername != "app" || cfg.RedisPassword != "pw" {
		t.Errorf("redis = %s %s %s", cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	}
	if cfg.WorkerInterval != time.Minute {
		t.Errorf("invalid duration should fall back, got %s", cfg.WorkerInterval)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing jwt secret", map[string]string{"JWT_SECRET": ""}, "JWT_SECRET"},
		{"postgres without dsn", map[string]string{"STORAGE": "postgres"}, "POSTGRES_DSN"},
		{"unknown storage", map[string]string{"STORAGE": "sqlite"}, "STORAGE"},
		{"missing razorpay secret", map[string]string{"RAZORPAY_KEY_SECRET": ""}, "RAZORPAY_KEY_SECRET"},
		{"skip in prod", map[string]string{"APP_ENV": "prod", "PAYMENT_VERIFY": "skip"}, "not allowed in prod"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setBase(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadWorkerSkipsServerSecrets(t *testing.T) {
	setBase(t)
	t.Setenv("JWT_SECRET", "")
	t.Setenv("RAZORPAY_KEY_SECRET", "")
	t.Setenv("STORAGE", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://app@db/telecare")

	cfg, err := LoadWorker()
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if cfg.PostgresDSN != "postgres://app@db/telecare" || cfg.LockWindow != 10*time.Minute {
		t.Errorf("worker config = %+v", cfg)
	}
	if _, err := Load(); err == nil {
		t.Error("Load must still demand JWT_SECRET")
	}

	t.Setenv("POSTGRES_DSN", "")
	if _, err := LoadWorker(); err == nil || !strings.Contains(err.Error(), "POSTGRES_DSN") {
		t.Fatalf("worker without dsn err = %v", err)
	}
}
