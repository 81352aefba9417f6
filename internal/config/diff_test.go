package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Admin:   AdminConfig{Enabled: true, Token: "a"},
		Jobs: []JobConfig{
			{ID: "keep", Cron: "@daily"},
			{ID: "edit", Cron: "@daily"},
			{ID: "drop", Cron: "@daily"},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Admin:   AdminConfig{Enabled: true, Token: "b"},
		Jobs: []JobConfig{
			{ID: "keep", Cron: "@daily"},
			{ID: "edit", Cron: "@hourly"},
			{ID: "new", Cron: "@daily"},
		},
	}

	sections, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"admin", "jobs", "logging"}, sections)
	require.NotEmpty(t, attrs)
	require.Equal(t, []string{"drop", "edit", "new"}, jobs)
	require.Equal(t, []string{"admin"}, RestartRequired(sections))

	sections, _, jobs = SummarizeConfigChange(newCfg, newCfg)
	require.Empty(t, sections)
	require.Empty(t, jobs)
}
