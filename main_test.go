package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/tudolapse/stabilize"
)

// execute runs the CLI against a fresh app
func execute(t *testing.T, args ...string) (*App, error) {
	t.Helper()
	a := NewApp()
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return a, cmd.Execute()
}

func TestCLI_Version(t *testing.T) {
	_, err := execute(t, "version")
	assert.NoError(t, err)
}

func TestCLI_ConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "--data-dir", dir, "config", "init")
	require.NoError(t, err)
	cfg, err := stabilize.LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, stabilize.DefaultConfig().Jobs, cfg.Jobs)

	_, err = execute(t, "--data-dir", dir, "config", "init")
	assert.Error(t, err, "init must not overwrite")

	a, err := execute(t, "--data-dir", dir, "config", "show")
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", a.ConfigFile)
}

func TestCLI_Stabilize(t *testing.T) {
	dir := t.TempDir()
	jobs := filepath.Join(dir, "jobs")
	require.NoError(t, os.Mkdir(jobs, 0755))
	writeJob(t, jobs, faceJob("cli-1"))

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"slow", []string{"--data-dir", dir, "stabilize", "--mode", "slow", "--overlays=false", jobs}, false},
		{"bad mode", []string{"--data-dir", dir, "stabilize", "--mode", "medium", jobs}, true},
		{"no args", []string{"--data-dir", dir, "stabilize"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	_, err := os.Stat(filepath.Join(dir, "out", "cli-1.overlay.svg"))
	assert.True(t, os.IsNotExist(err), "overlays were disabled")

	_, err = execute(t, "--data-dir", dir, "results", "--limit", "5")
	assert.NoError(t, err)
}

func TestCLI_Render(t *testing.T) {
	_, err := execute(t, "--data-dir", t.TempDir(), "render", "--format", "bmp", "x")
	assert.Error(t, err)

	_, err = execute(t, "--data-dir", t.TempDir(), "render", "missing")
	assert.ErrorIs(t, err, stabilize.ErrResultNotFound)
}

func TestCLI_ServeNeedsASurface(t *testing.T) {
	_, err := execute(t, "--data-dir", t.TempDir(), "serve", "--http=false", "--mqtt=false")
	assert.Error(t, err)
}
