package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hookflow/hookflow/internal/egress"
	"github.com/hookflow/hookflow/internal/mailer"
)

// Config is the daemon's environment-driven configuration. A .env file in
// the working directory is loaded first; real environment variables win.
type Config struct {
	DatabaseURL   string
	Production    bool
	APIAddr       string
	WorkerID      string
	Concurrency   int
	LeaseSeconds  int
	RetentionDays int
	RunawayLimit  int

	EgressAllow       []string
	EgressDeny        []string
	EgressDefaultDeny bool

	Secrets []string

	VaultMasterKey  string
	VaultPassphrase string
	VaultSalt       string

	SMTP mailer.SMTPConfig
}

func loadConfig() Config {
	return Config{
		DatabaseURL:   envStr("HOOKFLOW_DB_URL", "file:hookflow.db"),
		Production:    envBool("HOOKFLOW_PRODUCTION", false),
		APIAddr:       envStr("HOOKFLOW_API_ADDR", ":8080"),
		WorkerID:      envStr("HOOKFLOW_WORKER_ID", ""),
		Concurrency:   envInt("HOOKFLOW_WORKER_CONCURRENCY", 4),
		LeaseSeconds:  envInt("HOOKFLOW_LEASE_SECONDS", 60),
		RetentionDays: envInt("HOOKFLOW_RETENTION_DAYS", 30),
		RunawayLimit:  envInt("HOOKFLOW_RUNAWAY_LIMIT", 0),

		EgressAllow:       egress.NormalizeHosts(envList("HOOKFLOW_EGRESS_ALLOW")),
		EgressDeny:        egress.NormalizeHosts(envList("HOOKFLOW_EGRESS_DENY")),
		EgressDefaultDeny: envBool("HOOKFLOW_EGRESS_DEFAULT_DENY", false),

		Secrets: envList("HOOKFLOW_MASKED_SECRETS"),

		VaultMasterKey:  envStr("HOOKFLOW_VAULT_MASTER_KEY", ""),
		VaultPassphrase: envStr("HOOKFLOW_VAULT_PASSPHRASE", ""),
		VaultSalt:       envStr("HOOKFLOW_VAULT_SALT", ""),

		SMTP: mailer.SMTPConfig{
			Host:     envStr("HOOKFLOW_SMTP_HOST", ""),
			Port:     envInt("HOOKFLOW_SMTP_PORT", 587),
			Username: envStr("HOOKFLOW_SMTP_USERNAME", ""),
			Password: envStr("HOOKFLOW_SMTP_PASSWORD", ""),
			From:     envStr("HOOKFLOW_SMTP_FROM", ""),
			StartTLS: envBool("HOOKFLOW_SMTP_STARTTLS", true),
			Timeout:  time.Duration(envInt("HOOKFLOW_SMTP_TIMEOUT_SECONDS", 15)) * time.Second,
		},
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
