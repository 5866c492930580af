package config_test

import (
	"crypto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veraseal/veraseal/config"
)

const configContent = `
[hsm]
endpoint = "https://eus.codesigning.example.net/sign/profile-a"
account = "veraseal-prod"
profile = "archive-seal"

[hsm.oauth]
token_url = "https://login.example.net/oauth2/token"
client_id = "veraseal"
client_secret = "secret"
scopes = ["https://codesigning.example.net/.default"]

[seal]
tsa_url = "https://tsa.example.net/rfc3161"
enable_lta_updates = true
reason = "Archival seal"
digest_algorithm = "SHA-384"
timeout_seconds = 120

[audit]
trust_roots = ["roots.pem"]
enable_semantic_audit = true
`

func TestConfig(t *testing.T) {
	var c config.Config
	_, err := toml.Decode(configContent, &c)
	require.NoError(t, err)

	assert.Equal(t, "https://eus.codesigning.example.net/sign/profile-a", c.HSM.Endpoint)
	assert.Equal(t, "veraseal-prod", c.HSM.Account)
	assert.Equal(t, "archive-seal", c.HSM.Profile)
	assert.True(t, c.HSM.OAuth.Enabled())

	assert.True(t, c.Seal.EnableLTAUpdates)
	assert.Equal(t, crypto.SHA384, c.Seal.Digest())
	assert.Equal(t, 2*time.Minute, c.Seal.Timeout())

	assert.Equal(t, []string{"roots.pem"}, c.Audit.TrustRoots)
	assert.True(t, c.Audit.EnableSemanticAudit)

	assert.NoError(t, c.ValidateFields())
}

func TestValidation(t *testing.T) {
	var c config.Config
	_, err := toml.Decode(`
[hsm]
endpoint = "not a url"
`, &c)
	require.NoError(t, err)

	assert.Error(t, c.ValidateFields())
}

func TestAuditOnlyConfig(t *testing.T) {
	var c config.Config
	_, err := toml.Decode(`
[audit]
trust_roots = ["roots.pem"]
`, &c)
	require.NoError(t, err)

	assert.False(t, c.HSM.Configured())
	assert.NoError(t, c.ValidateFields())
}

func TestDefaults(t *testing.T) {
	var c config.Config
	assert.Equal(t, crypto.SHA256, c.Seal.Digest())
	assert.Equal(t, 5*time.Minute, c.Seal.Timeout())

	pool, err := c.Audit.TrustPool()
	assert.NoError(t, err)
	assert.Nil(t, pool)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "veraseal.conf")
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o600))

	c, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "veraseal-prod", c.HSM.Account)

	_, err = config.Load(filepath.Join(dir, "missing.conf"))
	assert.Error(t, err)
}
