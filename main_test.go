package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutputPath(t *testing.T) {
	require.Equal(t, "foo.clamped.ll", outputPath("foo.ll", ""))
	require.Equal(t, "foo.clamped.ll", outputPath("foo.bc", ""))
	require.Equal(t, "out.ll", outputPath("foo.ll", "out.ll"))
}

func TestLoadFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	content := `relaxed: true
allow_untracked: true
kernels:
  - square
  - blur
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	fc, err := loadFileConfig(path)
	require.NoError(t, err)
	require.True(t, fc.Relaxed)
	require.True(t, fc.AllowUntracked)
	require.Equal(t, []string{"square", "blur"}, fc.Kernels)
}

func TestLoadFileConfigErrors(t *testing.T) {
	_, err := loadFileConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("relaxed: [not/a/bool"), 0644))
	_, err = loadFileConfig(bad)
	require.Error(t, err)
}

func TestFlagsOverrideFileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relaxed: true\nkernels: [square]\n"), 0644))

	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", path, "--relaxed=false", "--kernel", "blur",
	}))

	opts := &cliOptions{configPath: path, relaxed: false, kernels: []string{"blur"}}
	cfg, err := mergeConfig(cmd, opts, nil)
	require.NoError(t, err)
	require.False(t, cfg.Relaxed)
	require.Equal(t, []string{"blur"}, cfg.Kernels)
}
