package svcbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandSuccess(t *testing.T) {
	assert.NoError(t, runCommand("/bin/sh", "-c", "exit 0"))
}

func TestRunCommandPropagatesExitStatus(t *testing.T) {
	err := runCommand("/bin/sh", "-c", "exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 3")
}

func TestRunCommandMissingBinary(t *testing.T) {
	assert.Error(t, runCommand("/nonexistent/wg", "setconf"))
}
