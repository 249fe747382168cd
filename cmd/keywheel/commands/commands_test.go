package commands

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/store"
)

func testOptions(mem *store.Memory) *Options {
	return &Options{
		ConfigPath: "keywheel.yaml",
		Logger:     logging.New(false, true),
		Store:      mem,
	}
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func assertSubcommands(t *testing.T, cmd *cobra.Command, expected ...string) {
	t.Helper()
	for _, name := range expected {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "subcommand %s should exist", name)
	}
}

func TestCommandTree(t *testing.T) {
	t.Parallel()

	opts := testOptions(store.NewMemory())

	assertSubcommands(t, NewCredentialCommand(opts), "add", "list", "show", "revoke")
	assertSubcommands(t, NewRotationCommand(opts), "initiate", "complete", "rollback", "cancel", "status", "history")
	assertSubcommands(t, NewHealthCommand(opts), "check", "sweep", "status", "uptime", "history", "dashboard")
	assertSubcommands(t, NewAccessCommand(opts), "check", "allow-ips", "allow-domains", "limits", "stats", "metrics")
	assertSubcommands(t, NewEmergencyCommand(opts), "request", "revoke", "list", "check")
	assertSubcommands(t, NewAuditCommand(opts), "query", "stats", "report", "export")
	assertSubcommands(t, NewJobsCommand(opts), "trigger", "status", "history")

	run := NewRunCommand(opts)
	assert.Equal(t, "run", run.Use)
	assert.NotEmpty(t, run.Long)
}

func TestCredentialAddAndRevoke(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	opts := testOptions(mem)

	execute(t, NewCredentialCommand(opts),
		"add", "stripe",
		"--endpoint", "https://api.stripe.com/v1/charges",
		"--material", "sk_test_123")

	creds, err := mem.ListCredentials(t.Context(), store.CredentialFilter{})
	require.NoError(t, err)
	require.Len(t, creds, 1)
	cred := creds[0]
	assert.Equal(t, "stripe", cred.ServiceTemplate)
	assert.True(t, cred.IsPrimary)
	assert.Equal(t, store.CredentialActive, cred.Status)
	assert.Equal(t, store.ProbeHTTP, cred.ProbeType)

	execute(t, NewCredentialCommand(opts), "revoke", cred.ID)

	got, err := mem.GetCredential(t.Context(), cred.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CredentialRevoked, got.Status)

	// The trail has both actions.
	entries, _, err := mem.ListAudit(t.Context(), store.AuditFilter{CredentialID: cred.ID}, store.Page{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCredentialAddRequiresMaterial(t *testing.T) {
	t.Parallel()

	cmd := NewCredentialCommand(testOptions(store.NewMemory()))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"add", "stripe"})
	assert.Error(t, cmd.Execute())
}

func TestCredentialListOutput(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	opts := testOptions(mem)
	execute(t, NewCredentialCommand(opts),
		"add", "github", "--material", "ghp_x")

	out := execute(t, NewCredentialCommand(opts), "list")
	assert.Contains(t, out, "github")
	assert.Contains(t, out, "active")
}

func TestEmergencyRequestAndList(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	opts := testOptions(mem)
	execute(t, NewCredentialCommand(opts), "add", "stripe", "--material", "sk_x")

	creds, err := mem.ListCredentials(t.Context(), store.CredentialFilter{})
	require.NoError(t, err)
	require.Len(t, creds, 1)

	execute(t, NewEmergencyCommand(opts),
		"request", creds[0].ID,
		"--reason", "incident 4212: payment provider failover",
		"--hours", "2",
		"--actor", "ops@example.com")

	out := execute(t, NewEmergencyCommand(opts), "list")
	assert.Contains(t, out, creds[0].ID)
	assert.Contains(t, out, "ops@example.com")

	grants, err := mem.ListGrants(t.Context(), store.GrantFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, 2, grants[0].DurationHours)
}

func TestJobsTriggerRecordsRun(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	opts := testOptions(mem)

	out := execute(t, NewJobsCommand(opts), "trigger", "emergency_expiration")
	assert.Contains(t, out, "succeeded")

	runs, err := mem.ListJobRuns(t.Context(), store.JobEmergencyExpiration, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TriggerManual, runs[0].Trigger)
}

func TestAccessLimitsUpdate(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	opts := testOptions(mem)
	execute(t, NewCredentialCommand(opts), "add", "stripe", "--material", "sk_x")

	creds, err := mem.ListCredentials(t.Context(), store.CredentialFilter{})
	require.NoError(t, err)
	require.Len(t, creds, 1)

	execute(t, NewAccessCommand(opts), "limits", creds[0].ID, "--rate", "120", "--concurrent", "10")

	got, err := mem.GetCredential(t.Context(), creds[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got.RateLimit)
	assert.Equal(t, 120, *got.RateLimit)
	require.NotNil(t, got.ConcurrentLimit)
	assert.Equal(t, 10, *got.ConcurrentLimit)
}
