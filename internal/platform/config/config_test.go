package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "erp-workflow", cfg.Service.Name)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, 4, cfg.Workflow.MaxSteps)
	assert.Equal(t, 10, cfg.Workflow.CancelReasonMinLength)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Empty(t, cfg.Notification.CCEmployeeIDs)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadTimezone(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("ERP_WORKFLOW_SERVICE_TIMEZONE", "Asia/Taipei")
	cfg, err := Load("")
	require.NoError(t, err)
	loc := cfg.Location()
	assert.Equal(t, "Asia/Taipei", loc.String())
	_, offset := time.Date(2024, 1, 31, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 8*3600, offset)

	t.Setenv("ERP_WORKFLOW_SERVICE_TIMEZONE", "Mars/Olympus")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := `
storage: memory
workflow:
  max_steps: 3
notification:
  cc_employee_ids: ["E100", "E200"]
callbacks:
  LEAVE: leave_requests
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	t.Setenv("ERP_WORKFLOW_SERVER_PORT", "9999")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, 3, cfg.Workflow.MaxSteps)
	assert.Equal(t, []string{"E100", "E200"}, cfg.Notification.CCEmployeeIDs)
	assert.Equal(t, "leave_requests", cfg.Callbacks["leave"])
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("storage: redis\n"), 0o600))

	_, err := Load(file)
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadWithFlagsOverridesEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ERP_WORKFLOW_STORAGE", "postgres")
	t.Setenv("ERP_WORKFLOW_SERVER_PORT", "9999")

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.String("storage", "", "")
	flags.Int("http-port", 0, "")
	flags.String("unrelated", "", "")
	require.NoError(t, flags.Parse([]string{"--storage=memory"}))

	cfg, err := LoadWithFlags("", flags)
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.Storage)
	// unset flags leave env and defaults alone
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 9086, cfg.Server.GRPCPort)
}

func TestLoadDirectorySeed(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := `
storage: memory
directory:
  - employee_id: A
    company_id: C
    supervisor_id: S1
  - employee_id: P1
    company_id: C
    position_id: MGR
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	cfg, err := Load(file)
	require.NoError(t, err)
	require.Len(t, cfg.Directory, 2)
	assert.Equal(t, DirectoryEntry{EmployeeID: "A", CompanyID: "C", SupervisorID: "S1"}, cfg.Directory[0])
	assert.Equal(t, "MGR", cfg.Directory[1].PositionID)
}
