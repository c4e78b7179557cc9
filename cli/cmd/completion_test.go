package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCompletion(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		t.Run(shell, func(t *testing.T) {
			var buf bytes.Buffer
			completionCmd.SetOut(&buf)
			defer completionCmd.SetOut(nil)

			require.NoError(t, generateCompletion(completionCmd, []string{shell}))
			assert.Contains(t, buf.String(), "custody")
		})
	}

	assert.Error(t, generateCompletion(completionCmd, []string{"tcsh"}))
}

func TestCompletionHelpDescribesCommands(t *testing.T) {
	for _, word := range []string{"keyring", "record", "audit", "ledger", "--store-type"} {
		assert.Contains(t, completionCmd.Long, word)
	}
	assert.NotContains(t, completionCmd.Long, "vault")
}

func TestRegisterCompletionRequiresFlag(t *testing.T) {
	assert.Panics(t, func() { registerCompletion(completionCmd, "no-such-flag", "a") })
}
