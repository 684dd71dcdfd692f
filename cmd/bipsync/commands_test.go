package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresuchdata/bipsync/internal/domain"
	"github.com/andresuchdata/bipsync/pkg/logger"
)

func TestFilterSources(t *testing.T) {
	all := []domain.Source{{Name: "aci"}, {Name: "acme"}, {Name: "globex"}}

	got, err := filterSources(all, nil)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = filterSources(all, []string{"GLOBEX", " aci "})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "aci", got[0].Name)
	assert.Equal(t, "globex", got[1].Name)

	_, err = filterSources(all, []string{"aci", "initech"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
	assert.Contains(t, err.Error(), "initech")
}

func setupCheckEnv(t *testing.T) (staging, sent string) {
	t.Helper()
	root := t.TempDir()
	staging = filepath.Join(root, "uploads")
	sent = filepath.Join(root, "sent")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.MkdirAll(sent, 0o755))

	t.Setenv("LOG_FILE", filepath.Join(root, "app.log"))
	t.Cleanup(logger.Close)
	t.Setenv("SOURCE_NAMES", "solo")
	t.Setenv("SOLO_HOSTNAME", "sftp.solo.example")
	t.Setenv("SOLO_USERNAME", "solo")
	t.Setenv("SOLO_PASSWORD", "pw")
	t.Setenv("SOLO_LOCAL_PATH", staging)
	t.Setenv("SOLO_SENT_ITEMS_PATH", sent)
	return staging, sent
}

func TestCheckCommand(t *testing.T) {
	setupCheckEnv(t)
	err := newApp().Run([]string{"bipsync", "--env-file", "", "check"})
	assert.NoError(t, err)
}

func TestCheckCommand_MissingSentDir(t *testing.T) {
	_, sent := setupCheckEnv(t)
	require.NoError(t, os.Remove(sent))

	err := newApp().Run([]string{"bipsync", "--env-file", "", "check"})
	assert.ErrorContains(t, err, "1 of 1 source(s) failed the check")
}

func TestCheckCommand_NoAuthMaterial(t *testing.T) {
	setupCheckEnv(t)
	t.Setenv("SOLO_PASSWORD", "")

	err := newApp().Run([]string{"bipsync", "--env-file", "", "check"})
	assert.Error(t, err)
}

func TestCheckCommand_UnresolvedSourceDoesNotHideOthers(t *testing.T) {
	setupCheckEnv(t)
	t.Setenv("SOURCE_NAMES", "solo,broken")
	t.Setenv("BROKEN_HOSTNAME", "")

	err := newApp().Run([]string{"bipsync", "--env-file", "", "check"})
	assert.ErrorContains(t, err, "1 of 2 source(s) failed the check")
}
