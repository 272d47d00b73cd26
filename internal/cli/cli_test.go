package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	consistency "github.com/c0deZ3R0/go-consistency-kit"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/payload"
	"github.com/c0deZ3R0/go-consistency-kit/record"
	"github.com/c0deZ3R0/go-consistency-kit/storage/sqlite"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func seedRecords(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "state.db")
	st, err := sqlite.New(&sqlite.Config{DataSourceName: dsn, Logger: logging.Discard()})
	require.NoError(t, err)
	reg, err := consistency.NewBuilder().WithStore(st).WithLogger(logging.Discard()).Build()
	require.NoError(t, err)
	require.NoError(t, reg.Start(context.Background()))
	_, err = reg.Records.CreateRecord("r1", payload.Payload{"title": "draft"}, "alice", record.CreateOptions{})
	require.NoError(t, err)
	_, err = reg.Records.CreateRecord("r2", payload.Payload{"title": "final"}, "bob", record.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, reg.Close())
	return dsn
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"inspect", "config", "serve"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "inspect", "records", "--store", "memory", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInspectText(t *testing.T) {
	dsn := seedRecords(t)
	out, err := execute(t, "inspect", "records", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "consistency:records")
	assert.Contains(t, out, "records:")
	assert.Contains(t, out, "2 item(s)")
}

func TestInspectJSON(t *testing.T) {
	dsn := seedRecords(t)
	out, err := execute(t, "inspect", "records", "--dsn", dsn, "--format", "json")
	require.NoError(t, err)

	var body struct {
		Key   string `json:"key"`
		Found bool   `json:"found"`
		State struct {
			Records []record.Record `json:"records"`
		} `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.True(t, body.Found)
	assert.Equal(t, "consistency:records", body.Key)
	assert.Len(t, body.State.Records, 2)
}

func TestInspectMissingState(t *testing.T) {
	dsn := seedRecords(t)
	out, err := execute(t, "inspect", "leases", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "consistency:leases: no persisted state")
}

func TestInspectRejects(t *testing.T) {
	_, err := execute(t, "inspect", "sessions", "--store", "memory")
	assert.Error(t, err)

	_, err = execute(t, "inspect", "records", "--store", "sqlite")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(good, []byte("lease:\n  sweep_interval: 5s\n"), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte("[freshness]\nstale_threshold = \"1h\"\n"), 0o600))

	out, err := execute(t, "config", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "good.yaml: ok")

	out, err = execute(t, "config", "validate", bad, "--format", "json")
	require.Error(t, err)
	var res ValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error)
	assert.NotEmpty(t, res.Code)
}

func TestLoadServeConfig(t *testing.T) {
	f, err := loadServeConfig(&serveOptions{})
	require.NoError(t, err)
	assert.Equal(t, defaultAddr, f.Server.Addr)

	path := filepath.Join(t.TempDir(), "serve.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": {"addr": ":9999"}}`), 0o600))
	f, err = loadServeConfig(&serveOptions{configPath: path})
	require.NoError(t, err)
	assert.Equal(t, ":9999", f.Server.Addr)

	f, err = loadServeConfig(&serveOptions{configPath: path, addr: ":7000"})
	require.NoError(t, err)
	assert.Equal(t, ":7000", f.Server.Addr)
}
