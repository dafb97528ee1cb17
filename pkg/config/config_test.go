package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultCoversEveryComponent(t *testing.T) {
	cfg := Default()

	require.Equal(t, 60*time.Second, cfg.Session.IdleTimeout)
	require.Equal(t, uint32(128), cfg.Session.MaximumSessions)
	require.False(t, cfg.Session.Reliable)

	require.Equal(t, time.Duration(0), cfg.Mixer.MinDelay)
	require.Equal(t, 200*time.Millisecond, cfg.Mixer.DelayRange)
	require.Greater(t, cfg.Mixer.Capacity, 0)

	require.Equal(t, 90*time.Second, cfg.ActionQueue.MaxActionConfirmationWait)
	require.Equal(t, 100*time.Millisecond, cfg.ActionQueue.InterActionDelay)
	require.Equal(t, 15*time.Minute, cfg.ActionQueue.ChallengePeriod)

	require.Equal(t, 0.5, cfg.Strategy.NetworkQualityThreshold)
	require.False(t, cfg.Strategy.PrecheckBalance)

	require.Equal(t, 14, cfg.Ping.MaxParallel)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestMinimumPeerVersionConstraint(t *testing.T) {
	s := StrategyConfig{MinimumPeerVersion: ">=2.0.0"}
	c, err := s.MinimumPeerVersionConstraint()
	require.NoError(t, err)
	require.NotNil(t, c)

	none := StrategyConfig{}
	c, err = none.MinimumPeerVersionConstraint()
	require.NoError(t, err)
	require.Nil(t, c)

	bad := StrategyConfig{MinimumPeerVersion: "not-a-version"}
	_, err = bad.MinimumPeerVersionConstraint()
	require.Error(t, err)
}

func TestLoadFallsBackToDefaultsWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Session.MaximumSessions, cfg.Session.MaximumSessions)
	require.Equal(t, Default().Mixer.DelayRange, cfg.Mixer.DelayRange)
}
