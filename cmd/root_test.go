package cmd

import (
	"bytes"
	"testing"

	"github.com/endorses/sslkeylog/internal/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args, restoring every flag afterwards
// since cobra keeps parsed values between executions.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})

	err := rootCmd.Execute()
	return buf.String(), err
}

func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		contains []string
	}{
		{
			name:     "No arguments shows help",
			args:     []string{},
			contains: []string{"TLS secret extraction", "dial", "serve", "watch"},
		},
		{
			name:     "Help flag",
			args:     []string{"--help"},
			contains: []string{"SSLKEYLOGFILE"},
		},
		{
			name:     "Version flag",
			args:     []string{"--version"},
			contains: []string{version.GetFullVersion()},
		},
		{
			name:     "Dial help",
			args:     []string{"dial", "--help"},
			contains: []string{"--keylog", "--export-label", "--tls-max"},
		},
		{
			name:     "Watch help",
			args:     []string{"watch", "--help"},
			contains: []string{"--poll"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(t, tt.args...)
			require.NoError(t, err)

			for _, want := range tt.contains {
				assert.Contains(t, output, want)
			}
		})
	}
}

func TestDialRequiresAddress(t *testing.T) {
	_, err := execute(t, "dial")
	assert.Error(t, err)
}
