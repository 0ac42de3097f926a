package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.TurnTimeout)
	assert.Equal(t, 3, cfg.Orchestrator.MaxConsecutiveFailures)
	assert.False(t, cfg.Orchestrator.StopOnEmptyRoster)
	assert.Equal(t, 0.9, cfg.Orchestrator.SafetyMargin)

	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 3, cfg.Store.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Store.InitialBackoff)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "roundtable", cfg.Metrics.Namespace)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "zero turn timeout",
			mutate:  func(c *Config) { c.Orchestrator.TurnTimeout = 0 },
			wantErr: "turn_timeout",
		},
		{
			name:    "failure threshold",
			mutate:  func(c *Config) { c.Orchestrator.MaxConsecutiveFailures = 0 },
			wantErr: "max_consecutive_failures",
		},
		{
			name:    "safety margin above one",
			mutate:  func(c *Config) { c.Orchestrator.SafetyMargin = 1.5 },
			wantErr: "safety_margin",
		},
		{
			name: "database with unknown driver",
			mutate: func(c *Config) {
				c.Store.Type = "database"
				c.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name:    "sample rate",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 2 },
			wantErr: "sample_rate",
		},
		{
			name:    "metrics without addr",
			mutate:  func(c *Config) { c.Metrics.Addr = "" },
			wantErr: "metrics.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DefaultDatabaseConfig()
	pg.Password = "secret"
	assert.Equal(t, "host=localhost port=5432 user=roundtable password=secret dbname=roundtable sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "rt"}
	assert.Equal(t, "u:p@tcp(db:3306)/rt?parseTime=true", my.DSN())

	assert.Equal(t, "", (&DatabaseConfig{Driver: "oracle"}).DSN())
}
