package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv points the configuration at a fresh database and clears any
// context inherited from the environment.
func testEnv(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "campaignsync.db")
	t.Setenv("CAMPAIGNSYNC_DATABASE", db)
	t.Setenv("CAMPAIGNSYNC_USER_ID", "")
	t.Setenv("CAMPAIGNSYNC_CAMPAIGN_ID", "")
	t.Setenv("CAMPAIGNSYNC_OTEL_ENDPOINT", "")
	return db
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "campaignsync", cmd.Use)
	assert.Contains(t, cmd.Long, "offline")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"connect"},
		{"queue"},
		{"queue", "list"},
		{"queue", "add"},
		{"queue", "retry"},
		{"queue", "discard"},
		{"queue", "history"},
		{"scenario"},
	}

	for _, path := range commands {
		t.Run(filepath.Join(path...), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestConnectCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	connectCmd, _, err := cmd.Find([]string{"connect"})
	require.NoError(t, err)

	for _, name := range []string{"user", "campaign", "once"} {
		assert.NotNil(t, connectCmd.Flags().Lookup(name), name)
	}
	timeout := connectCmd.Flags().Lookup("timeout")
	require.NotNil(t, timeout)
	assert.Equal(t, "30s", timeout.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	testEnv(t)
	_, _, err := execute(t, "--format", "yaml", "queue", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfigFile(t *testing.T) {
	testEnv(t)
	_, _, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "queue", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}
