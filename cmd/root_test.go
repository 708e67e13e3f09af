package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/server"
)

func writeConfig(t *testing.T, schemasDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "schemas:\n  dir: " + schemasDir + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSchemaGet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	doc := `{"extract":{"isProduct":".product","product":{"name":["h1","innerText"]}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.example.com.json"), []byte(doc), 0o600))

	out, err := run(t, "--config", writeConfig(t, dir), "schema", "get", "Shop.Example.com")
	require.NoError(t, err)
	require.Contains(t, out, `"isProduct": ".product"`)

	_, err = run(t, "--config", writeConfig(t, dir), "schema", "get", "missing.example.com")
	require.Error(t, err)
}

func TestSchemaList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, host := range []string{"b.example.com", "a.example.com"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, host+".json"), []byte(`{"extract":{}}`), 0o600))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	out, err := run(t, "--config", writeConfig(t, dir), "schema", "list")
	require.NoError(t, err)
	require.Equal(t, "a.example.com\nb.example.com\n", out)
}

func TestDatabaseCommandsNeedDSN(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, t.TempDir())
	_, err := run(t, "--config", cfg, "enqueue", "https://shop.example.com/a")
	require.ErrorIs(t, err, server.ErrNoDatabase)

	_, err = run(t, "--config", cfg, "migrate")
	require.ErrorIs(t, err, server.ErrNoDatabase)
}

func TestMissingConfigFile(t *testing.T) {
	t.Parallel()

	_, err := run(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "schema", "get", "a.example.com")
	require.Error(t, err)
}
