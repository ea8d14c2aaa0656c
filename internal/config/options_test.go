package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_UsesConstants(t *testing.T) {
	opts := &Options{}
	opts.ApplyDefaults()

	require.Equal(t, DefaultSendTimeout, opts.SendTimeout)
	require.Equal(t, DefaultConnectTimeout, opts.ConnectTimeout)
}

func TestApplyDefaults_EnvOverride(t *testing.T) {
	t.Setenv("HUSHVAULT_NATIVE_TIMEOUT", "2s")
	t.Setenv("HUSHVAULT_CONNECT_TIMEOUT", "5s")

	opts := &Options{}
	opts.ApplyDefaults()

	require.Equal(t, 2*time.Second, opts.SendTimeout)
	require.Equal(t, 5*time.Second, opts.ConnectTimeout)
}

func TestApplyDefaults_ExplicitValuesWin(t *testing.T) {
	t.Setenv("HUSHVAULT_NATIVE_TIMEOUT", "2s")

	opts := &Options{SendTimeout: 250 * time.Millisecond}
	opts.ApplyDefaults()

	require.Equal(t, 250*time.Millisecond, opts.SendTimeout)
}

func TestApplyDefaults_MalformedEnvFallsBack(t *testing.T) {
	t.Setenv("HUSHVAULT_NATIVE_TIMEOUT", "not-a-duration")

	opts := &Options{}
	opts.ApplyDefaults()

	require.Equal(t, DefaultSendTimeout, opts.SendTimeout)
}
