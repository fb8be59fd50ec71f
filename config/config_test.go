package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: memory
session:
  secret: s3cret
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Store.Timeout)
	assert.Equal(t, "topics", cfg.Store.TopicsTable)
	assert.Equal(t, "votes", cfg.Store.VotesTable)
	assert.Equal(t, "local", cfg.Gate.Backend)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	assert.Equal(t, "s3cret", AppConfig.Session.Secret)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: memory
session:
  secret: from-file
`)
	t.Setenv("TEAMVOTE_SESSION_SECRET", "from-env")
	t.Setenv("TEAMVOTE_SERVER_PORT", "9090")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Session.Secret)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	cases := map[string]string{
		"sheets without id": `
store:
  backend: sheets
session:
  secret: x
`,
		"unknown backend": `
store:
  backend: excel
session:
  secret: x
`,
		"etcd gate without endpoints": `
store:
  backend: memory
gate:
  backend: etcd
session:
  secret: x
`,
		"missing session secret": `
store:
  backend: memory
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLocationFallsBackToJST(t *testing.T) {
	cfg := &Config{Timezone: "Nowhere/Invalid"}
	_, offset := time.Date(2025, 1, 1, 0, 0, 0, 0, cfg.Location()).Zone()
	assert.Equal(t, 9*60*60, offset)
}
