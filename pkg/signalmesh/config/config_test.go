package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewReturnsDefaults(t *testing.T) {
	c := New()
	require.Equal(t, DefaultHost, c.Host)
	require.Equal(t, DefaultPort, c.Port)
	require.Equal(t, DefaultLogLevel, c.LogLevel)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SIGNALMESH_HOST", "127.0.0.1")
	t.Setenv("SIGNALMESH_PORT", "9090")
	t.Setenv("SIGNALMESH_LOG_LEVEL", "debug")

	c := New()
	require.NoError(t, c.LoadFromEnv())

	require.Equal(t, "127.0.0.1", c.Host)
	require.Equal(t, 9090, c.Port)
	require.Equal(t, "debug", c.LogLevel)
}

func TestLoadFromEnvRejectsBadPort(t *testing.T) {
	t.Setenv("SIGNALMESH_PORT", "not-a-number")
	c := New()
	require.Error(t, c.LoadFromEnv())
}
