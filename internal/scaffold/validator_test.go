package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "globals.yml")

	assert.NoError(t, CheckExisting(path))

	require.NoError(t, os.WriteFile(path, []byte("version: \"1.0\"\n"), 0644))
	err := CheckExisting(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
}
