package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codedj.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"datastore: /srv/codedj\n"+
			"github_tokens: /srv/tokens.csv\n"+
			"num_threads: 4\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/srv/codedj", cfg.Datastore)
	require.Equal(t, "/srv/tokens.csv", cfg.GithubTokens)
	require.Equal(t, 4, cfg.NumThreads)
	require.False(t, cfg.Verbose)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codedj.yaml")
	require.NoError(t, os.WriteFile(path, []byte("datastore: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
