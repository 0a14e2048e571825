package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/openorbit/internal/config"
	"github.com/jonathan/openorbit/internal/server"
)

// execute runs the root command in-process with flags reset to their
// defaults, returning stdout and the command error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "")

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if strings.HasSuffix(f.Value.Type(), "Array") || strings.HasSuffix(f.Value.Type(), "Slice") {
			return
		}
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func writeManifest(t *testing.T, root, pkg, body string) {
	t.Helper()
	dir := filepath.Join(root, "node_modules", filepath.FromSlash(pkg))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(body), 0o644))
}

func TestRootCommand_InvalidConfigPath(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.json"), "adapters")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRootCommand_InvalidLogLevel(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "adapters", "--root", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config error")
}

func TestRootCommand_ConfigFileApplied(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "indeed-adapter", `{"name":"indeed-adapter","version":"0.1.0","keywords":["openorbit-adapter"]}`)

	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"plugin_root":`+quote(root)+`,"log_level":"debug"}`), 0o644))
	t.Setenv("PLUGIN_ROOT", "")

	out, err := execute(t, "--config", cfgPath, "adapters")
	require.NoError(t, err)
	assert.Contains(t, out, "indeed-adapter@0.1.0")
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestAdaptersCommand_ListsAdapters(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "@openorbit/lever", `{
		"name": "@openorbit/lever",
		"version": "1.2.0",
		"keywords": ["openorbit-adapter"],
		"openorbit": {"platform": "*.lever.co"}
	}`)
	writeManifest(t, root, "left-pad", `{"name":"left-pad","version":"1.0.0"}`)

	out, err := execute(t, "adapters", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "ADAPTERS (1)")
	assert.Contains(t, out, "@openorbit/lever@1.2.0")
	assert.Contains(t, out, "platform: *.lever.co")
	assert.NotContains(t, out, "left-pad")
}

func TestAdaptersCommand_Host(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "@openorbit/lever", `{
		"name": "@openorbit/lever",
		"version": "1.2.0",
		"keywords": ["openorbit-adapter"],
		"platform": "*.lever.co"
	}`)

	out, err := execute(t, "adapters", "--root", root, "--host", "jobs.lever.co")
	require.NoError(t, err)
	assert.Contains(t, out, "@openorbit/lever@1.2.0")

	_, err = execute(t, "adapters", "--root", root, "--host", "boards.greenhouse.io")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no adapter matches host")
}

func TestAdaptersCommand_EmptyRoot(t *testing.T) {
	out, err := execute(t, "adapters", "--root", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No adapters found.")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-that-is-long-enough")
	t.Setenv("JWT_EXPIRATION_HOURS", "")

	out, err := execute(t, "token", "--operator", "alice")
	require.NoError(t, err)

	svc := server.NewJWTService(&config.JWTConfig{Secret: "test-secret-that-is-long-enough", ExpirationHours: 24})
	claims, err := svc.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator())
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := execute(t, "token", "--operator", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is not set")
}

func TestTokenCommand_RequiresOperator(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-that-is-long-enough")

	_, err := execute(t, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestRunsCommand_RequiresDatabase(t *testing.T) {
	_, err := execute(t, "runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")
}

func TestRunsCommand_ValidatesFlags(t *testing.T) {
	_, err := execute(t, "runs", "--limit", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--limit must be between 1 and 500")

	_, err = execute(t, "runs", "--id", "not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --id")
}

func TestEnrichCommand_RequiresPipeline(t *testing.T) {
	_, err := execute(t, "enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestMigrateCommand_RequiresDatabase(t *testing.T) {
	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")
}

func quote(s string) string {
	b := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
	return `"` + b + `"`
}
