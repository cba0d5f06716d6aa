package descriptor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/validation"
)

func writeTool(t *testing.T, dir, name, config, module string) {
	t.Helper()
	toolDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(toolDir, 0o755))
	if config != "" {
		require.NoError(t, os.WriteFile(filepath.Join(toolDir, ToolConfigFile), []byte(config), 0o644))
	}
	if module != "" {
		require.NoError(t, os.WriteFile(filepath.Join(toolDir, ToolModuleFile), []byte(module), 0o644))
	}
}

const webSearchConfig = `{
  "name": "web_search",
  "category": "search",
  "url": "https://example.com/search",
  "tools": ["search", "fetch"],
  "env": {"SEARCH_API_KEY": null}
}`

const browserConfig = `{
  "name": "browser",
  "category": "browsing",
  "tools_bundled": true,
  "tools": {
    "open_page": {"actions": ["read"]},
    "click": {"actions": ["read", "execute"]}
  }
}`

func TestLoadCatalog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTool(t, dir, "web_search", webSearchConfig, "")
	writeTool(t, dir, "browser", browserConfig, "")
	writeTool(t, dir, "scratch", "", "def helper():\n    pass\n")

	catalog, err := LoadCatalog(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"browser", "web_search"}, catalog.Names())

	ws, err := catalog.Get("web_search")
	require.NoError(t, err)
	assert.Equal(t, model.ToolDescriptor{
		Name:      "web_search",
		Category:  "search",
		URL:       "https://example.com/search",
		Callables: []string{"search", "fetch"},
	}, ws)

	browser, err := catalog.Get("browser")
	require.NoError(t, err)
	assert.True(t, browser.Bundled)
	assert.Equal(t, []string{"click", "open_page"}, browser.Callables)

	_, err = catalog.Get("scratch")
	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.ErrorIs(t, err, validation.ErrValidation)
}

func TestLoadCatalogMissingDir(t *testing.T) {
	t.Parallel()

	catalog, err := LoadCatalog(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, catalog.Names())
}

func TestParseToolConfigInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config string
		want   string
	}{
		{"missing tools", `{"name": "x", "category": "misc"}`, "missing property"},
		{"bad name", `{"name": "Web Search", "category": "misc", "tools": ["a"]}`, "/name:"},
		{"bad action", `{"name": "x", "category": "misc", "tools": {"a": {"actions": ["delete"]}}}`, "/tools"},
		{"empty tools", `{"name": "x", "category": "misc", "tools": []}`, "/tools"},
		{"not json", `{"name": `, "invalid descriptor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseToolConfig("tools/x/config.json", []byte(tt.config))
			var invalid *validation.InvalidDescriptorError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, "tools/x/config.json", invalid.Path)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCheckCapabilities(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTool(t, dir, "web_search", webSearchConfig, `import requests
from .client import fetch

def search(query: str) -> str:
    return requests.get(query).text
`)
	writeTool(t, dir, "browser", browserConfig, `def open_page(url):
    pass
`)
	writeTool(t, dir, "noop", `{"name": "noop", "category": "misc", "tools": ["run"]}`, "")

	catalog, err := LoadCatalog(dir)
	require.NoError(t, err)

	require.NoError(t, catalog.CheckCapabilities("web_search"))
	require.NoError(t, catalog.CheckCapabilities("noop"))

	err = catalog.CheckCapabilities("browser")
	var missing *validation.MissingCapabilitiesError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"click"}, missing.Missing)
	assert.Equal(t, "browser", missing.Tool)
}

func TestCheckCapabilitiesUnparsable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTool(t, dir, "web_search", webSearchConfig, "def search(:\n")

	catalog, err := LoadCatalog(dir)
	require.NoError(t, err)

	err = catalog.CheckCapabilities("web_search")
	var parseErr *validation.UnparsableSourceError
	require.ErrorAs(t, err, &parseErr)
}
