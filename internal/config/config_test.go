package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("op-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "op-1", cfg.Operator.ID)
	assert.Equal(t, []string{"Safety Engineer", "Maintenance Planner", "Compliance Manager"}, cfg.Governance.Roles)
	assert.Equal(t, RemediationResubmit, cfg.Governance.Remediation)
	assert.False(t, cfg.Governance.EnforceAuthority)
	assert.Equal(t, []string{"parsed_data", "impact_analysis", "work_orders", "completion_certificate"}, cfg.Evidence.Require)
	assert.Equal(t, "4 hours", cfg.WorkOrders.DefaultDowntime)
	assert.True(t, cfg.RequiresRole("Compliance Manager"))
	assert.False(t, cfg.RequiresRole("Chief Pilot"))

	initial, max := cfg.RetryIntervals()
	assert.Equal(t, 200*time.Millisecond, initial)
	assert.Equal(t, 5*time.Second, max)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"missing operator":    func(c *Config) { c.Operator.ID = "" },
		"no roles":            func(c *Config) { c.Governance.Roles = nil },
		"duplicate role":      func(c *Config) { c.Governance.Roles = append(c.Governance.Roles, "Safety Engineer") },
		"unknown remediation": func(c *Config) { c.Governance.Remediation = "escalate" },
		"unknown evidence":    func(c *Config) { c.Evidence.Require = append(c.Evidence.Require, "x_ray") },
		"bad interval":        func(c *Config) { c.Collaborators.Retry.InitialInterval = "soon" },
		"negative attempts":   func(c *Config) { c.Collaborators.Retry.MaxAttempts = -1 },
		"webhook without url": func(c *Config) { c.Webhooks = []WebhookConfig{{Events: []string{"update.cancelled"}}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default("op-1")
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "cl config import")

	src := Default("op-2")
	src.Governance.Remediation = RemediationCancel
	src.Collaborators.Retry.InitialInterval = "50ms"
	data, err := src.ToYAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "complyline.yml"), data, 0o644))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "op-2", loaded.Operator.ID)
	assert.Equal(t, RemediationCancel, loaded.Governance.Remediation)
	initial, _ := loaded.RetryIntervals()
	assert.Equal(t, 50*time.Millisecond, initial)
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	_, err := FromYAML([]byte("governance: [unterminated"))
	assert.ErrorContains(t, err, "invalid config yaml")
}
