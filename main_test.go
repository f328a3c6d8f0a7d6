package main

import (
	"testing"
	"time"

	"ridehail/sos/internal/alert"
	"ridehail/sos/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyFromAppliesTypeWindows(t *testing.T) {
	p, err := policyFrom(config.EngineConfig{
		PanicWindow: 20 * time.Second,
		TypeWindows: map[string]string{"fire": "10s", " Medical ": "15s"},
	})
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, p.Panic)
	assert.Equal(t, 10*time.Second, p.ByType[alert.TypeFire])
	assert.Equal(t, 15*time.Second, p.ByType[alert.TypeMedical])
}

func TestPolicyFromRejectsBadTypeWindow(t *testing.T) {
	_, err := policyFrom(config.EngineConfig{TypeWindows: map[string]string{"fire": "soon"}})
	assert.Error(t, err)
}
