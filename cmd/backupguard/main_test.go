package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denkoushi/backupguard/pkg/config"
)

// pointFlags redirects the package flag vars at a temp config and ledger for
// the duration of one test.
func pointFlags(t *testing.T, cfgPath string) {
	t.Helper()
	oldCfg, oldHist := cfgFile, historyFile
	cfgFile = cfgPath
	historyFile = filepath.Join(filepath.Dir(cfgPath), "history.json")
	t.Cleanup(func() { cfgFile, historyFile = oldCfg, oldHist })
}

func TestBuildEngineRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	store := config.NewStore(cfgPath)
	require.NoError(t, store.Save(&config.BackupConfiguration{
		Targets: []config.TargetConfig{{Kind: "floppy", Source: "/dev/fd0", Enabled: true}},
	}))
	pointFlags(t, cfgPath)

	_, _, _, _, err := buildEngine()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestBuildEngineAcceptsDefaultedConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	store := config.NewStore(cfgPath)
	require.NoError(t, store.Save(&config.BackupConfiguration{}))
	pointFlags(t, cfgPath)

	eng, _, _, _, err := buildEngine()
	require.NoError(t, err)
	assert.NotNil(t, eng)
}
