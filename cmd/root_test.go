package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const memoryConfig = `
db:
  driver: memory
queue:
  backend: memory
storage:
  backend: memory
sites:
  - key: bbc
    domain: bbc.co.uk
    listing_urls: ["https://www.bbc.co.uk/news"]
    selectors:
      article_link: "a.promo"
      body: "article p"
  - key: cnn
    domain: cnn.com
    listing_urls: ["https://edition.cnn.com/world"]
    selectors:
      article_link: "a.card"
      body: "div.article p"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "newswire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(memoryConfig), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootRegistersCommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"dispatcher", "worker", "ledger", "schedule"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, cmd.Name())
	}
}

func TestScheduleListsNewUnitsInRegistryOrder(t *testing.T) {
	t.Parallel()

	out, err := run(t, "--config", writeConfig(t), "--env-file", "", "schedule")
	require.NoError(t, err)
	require.Equal(t, "1\tbbc\n2\tcnn\n", out)
}

func TestScheduleArchiveHasNoEligibleUnits(t *testing.T) {
	t.Parallel()

	out, err := run(t, "--config", writeConfig(t), "--env-file", "", "schedule", "archived-articles")
	require.NoError(t, err)
	require.Contains(t, out, "no units due for archived-articles")
}

func TestScheduleRejectsUnknownQueue(t *testing.T) {
	t.Parallel()

	_, err := run(t, "--config", writeConfig(t), "--env-file", "", "schedule", "weekly")
	require.ErrorContains(t, err, "unknown queue type")
}

func TestLedgerCommandsOnMemoryDriver(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t)
	out, err := run(t, "--config", cfgPath, "--env-file", "", "ledger", "migrate")
	require.NoError(t, err)
	require.Contains(t, out, "memory ledger needs no migration")

	_, err = run(t, "--config", cfgPath, "--env-file", "", "ledger", "reset")
	require.ErrorContains(t, err, "--yes")

	out, err = run(t, "--config", cfgPath, "--env-file", "", "ledger", "reset", "--yes", "--queue", "recent-articles")
	require.NoError(t, err)
	require.Contains(t, out, "deleted 0 runs")
}

func TestMissingConfigFails(t *testing.T) {
	t.Parallel()

	_, err := run(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "--env-file", "", "schedule")
	require.ErrorContains(t, err, "load config")
}

func TestExitCodeError(t *testing.T) {
	t.Parallel()

	require.Equal(t, "exit status 1", exitCodeError{code: 1}.Error())
}
