package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxReflectionLoops)
	assert.Equal(t, 15*time.Minute, cfg.ApprovalTimeout)
	assert.Equal(t, 15*time.Second, cfg.ApprovalPollInterval)
	assert.Equal(t, 5*time.Second, cfg.AlertPollInterval)
	assert.Equal(t, 10, cfg.AlertBatchSize)
	assert.Equal(t, 5, cfg.MaxPollErrors)
	assert.Equal(t, 0.7, cfg.TriageInvestigateThreshold)
	assert.Equal(t, 0.4, cfg.TriageSuppressThreshold)
	assert.Equal(t, 5*time.Second, cfg.TriageDeadline)
	assert.Equal(t, 55*time.Second, cfg.InvestigationDeadline)
	assert.Equal(t, 45*time.Second, cfg.SweepDeadline)
	assert.Equal(t, 40*time.Second, cfg.PlanningDeadline)
	assert.Equal(t, 280*time.Second, cfg.ExecutorDeadline)
	assert.Equal(t, 120*time.Second, cfg.WorkflowTimeout)
	assert.Equal(t, 120*time.Second, cfg.MonitoringDeadline)
	assert.Equal(t, 2.0, cfg.AnomalyStddevThreshold)
	assert.Equal(t, 5*time.Minute, cfg.HighConfidenceWindow)
	assert.Equal(t, 120*time.Second, cfg.AnalystDeadline)
	assert.Equal(t, 300*time.Second, cfg.BatchDeadline)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_REFLECTION_LOOPS", "5")
	t.Setenv("ALERT_POLL_INTERVAL_MS", "250")
	t.Setenv("TRIAGE_SUPPRESS_THRESHOLD", "0.3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxReflectionLoops)
	assert.Equal(t, 250*time.Millisecond, cfg.AlertPollInterval)
	assert.Equal(t, 0.3, cfg.TriageSuppressThreshold)
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Setenv("MAX_REFLECTION_LOOPS", "many")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := Default()
	cfg.TriageSuppressThreshold = 0.9
	cfg.TriageInvestigateThreshold = 0.5
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroReflectionLoops(t *testing.T) {
	cfg := Default()
	cfg.MaxReflectionLoops = 0
	assert.Error(t, cfg.Validate())
}

func TestDefaultTriageWeightsSumToOne(t *testing.T) {
	assert.True(t, DefaultTriageWeights().Valid())
}

func TestTriageWeightsValidation(t *testing.T) {
	bad := TriageWeights{Severity: 0.5, AssetCriticality: 0.5, Corroboration: 0.5}
	assert.False(t, bad.Valid())

	negative := TriageWeights{Severity: 1.2, AssetCriticality: -0.2, Corroboration: 0, FPClearance: 0}
	assert.False(t, negative.Valid())
}
