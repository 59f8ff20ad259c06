package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "labexec dev")
}

func TestResultsDelete_RequiresIDs(t *testing.T) {
	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"results", "delete"})

	assert.Error(t, cmd.Execute())
}

func TestReadExperiment(t *testing.T) {
	t.Run("generates id", func(t *testing.T) {
		exp, err := readExperiment(strings.NewReader(`{"name":"mnist","image":"busybox"}`), "-")
		require.NoError(t, err)
		_, err = uuid.Parse(exp.ID)
		assert.NoError(t, err)
		assert.Equal(t, "mnist", exp.Name)
	})

	t.Run("rejects non uuid id", func(t *testing.T) {
		_, err := readExperiment(strings.NewReader(`{"id":"x","image":"busybox"}`), "-")
		assert.Error(t, err)
	})

	t.Run("requires image", func(t *testing.T) {
		_, err := readExperiment(strings.NewReader(`{"name":"mnist"}`), "-")
		assert.Error(t, err)
	})

	t.Run("reads file", func(t *testing.T) {
		id := uuid.NewString()
		path := filepath.Join(t.TempDir(), "exp.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"id":"`+id+`","image":"busybox","command":["sh","-c","true"]}`), 0o600))

		exp, err := readExperiment(nil, path)
		require.NoError(t, err)
		assert.Equal(t, id, exp.ID)
		assert.Equal(t, []string{"sh", "-c", "true"}, exp.Command)
	})
}
