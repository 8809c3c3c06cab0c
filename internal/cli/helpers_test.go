package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/syncd/internal/config"
)

func textFormatter() (*OutputFormatter, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return &OutputFormatter{Format: "text", Writer: buf}, buf
}

// writeSchema replaces the contact schema beside the config file.
func writeSchema(t *testing.T, configPath, src string) {
	t.Helper()
	path := filepath.Join(filepath.Dir(configPath), "schemas", "contact.cue")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
}

func mustLoadConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	cfg, err := loadConfig(&RootOptions{ConfigPath: path})
	require.NoError(t, err)
	return cfg
}
