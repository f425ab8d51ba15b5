package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "lockstep", cmd.Use)
	assert.Contains(t, cmd.Long, "suspended to an archive")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"worker"},
		{"archive", "list"},
		{"archive", "inspect"},
		{"archive", "verify"},
		{"archive", "purge"},
		{"sessions", "list"},
		{"test"},
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

func TestWorkerCommandIsHidden(t *testing.T) {
	cmd := NewRootCommand()
	workerCmd, _, err := cmd.Find([]string{"worker"})
	require.NoError(t, err)
	assert.True(t, workerCmd.Hidden)
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
	assert.Equal(t, "", configFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	listenFlag := serveCmd.Flags().Lookup("listen")
	require.NotNil(t, listenFlag)
	assert.Equal(t, "", listenFlag.DefValue)

	workersFlag := serveCmd.Flags().Lookup("workers")
	require.NotNil(t, workersFlag)
	assert.Equal(t, "0", workersFlag.DefValue)
}

func TestVerifyCommandRequiresApp(t *testing.T) {
	cmd := NewRootCommand()
	verifyCmd, _, err := cmd.Find([]string{"archive", "verify"})
	require.NoError(t, err)

	appFlag := verifyCmd.Flags().Lookup("app")
	require.NotNil(t, appFlag)
	assert.Equal(t, []string{"true"}, appFlag.Annotations[cobra.BashCompOneRequiredFlag])
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "archive", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "archive", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWorkerArgs(t *testing.T) {
	args, err := workerArgs(&ServeOptions{RootOptions: &RootOptions{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"worker"}, args)

	dir := t.TempDir()
	path := filepath.Join(dir, "lockstep.yaml")
	args, err = workerArgs(&ServeOptions{RootOptions: &RootOptions{Config: path, Verbose: true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"worker", "--config", path, "--verbose"}, args)
}

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lockstep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}
