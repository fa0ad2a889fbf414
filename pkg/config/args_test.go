package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeArgs(t *testing.T) {
	out, err := NormalizeArgs([]string{
		"-port", "8000",
		"-server", "localhost", "7001",
		"-server", "::1", "7002",
		"--log.level", "debug",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--port", "8000",
		"--server", "localhost:7001",
		"--server", "[::1]:7002",
		"--log.level", "debug",
	}, out)
}

func TestNormalizeArgs_PassThrough(t *testing.T) {
	in := []string{"--port=8000", "--server=localhost:7001"}
	out, err := NormalizeArgs(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = NormalizeArgs(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNormalizeArgs_Missing(t *testing.T) {
	for _, args := range [][]string{
		{"-port"},
		{"-server", "localhost"},
		{"-port", "8000", "-server"},
	} {
		_, err := NormalizeArgs(args)
		assert.ErrorIs(t, err, ErrMissingArgument, "%v", args)
	}
}
