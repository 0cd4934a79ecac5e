package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"palindromepay/crypto"
)

func testAddress(t *testing.T, fill byte) string {
	t.Helper()
	raw := make([]byte, 20)
	for i := range raw {
		raw[i] = fill
	}
	return crypto.NewAddress(crypto.PalPrefix, raw).String()
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8545", cfg.ListenAddress)
	require.Equal(t, uint64(31337), cfg.ChainID)
	require.Equal(t, uint32(100), cfg.FeeBps)
	require.Equal(t, 2*time.Minute, cfg.AuthTimestampSkew.Duration)
	require.Equal(t, 10*time.Minute, cfg.AuthNonceTTL.Duration)

	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(cfg.OperatorKeystorePath)
	require.NoError(t, err)

	// The generated keystore must hold a usable operator key.
	key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, cfg.KeystorePassphrase)
	require.NoError(t, err)
	require.NotNil(t, key)
}

func TestLoadExistingConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	token := testAddress(t, 0x11)

	raw := `ListenAddress = ":9000"
ChainID = 777
FeeBps = 250
TokenAddress = "` + token + `"
AllowedTokens = ["` + token + `"]
AuthTimestampSkew = "90s"

[[APIKeys]]
Key = "ops"
Secret = "secret"
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, uint64(777), cfg.ChainID)
	require.Equal(t, uint32(250), cfg.FeeBps)
	require.Equal(t, token, cfg.TokenAddress)
	require.Equal(t, 90*time.Second, cfg.AuthTimestampSkew.Duration)
	require.Len(t, cfg.APIKeys, 1)
	require.NotEmpty(t, cfg.OperatorKeystorePath)
}

func TestValidate(t *testing.T) {
	valid := testAddress(t, 0x22)

	cfg := &Config{FeeBps: 10_001}
	require.Error(t, cfg.Validate())

	cfg = &Config{FeeBps: 100, TokenAddress: "nonsense"}
	require.Error(t, cfg.Validate())

	cfg = &Config{FeeBps: 100, AllowedTokens: []string{"nonsense"}}
	require.Error(t, cfg.Validate())

	cfg = &Config{FeeBps: 100, APIKeys: []APIKey{{Key: "ops"}}}
	require.Error(t, cfg.Validate())

	cfg = &Config{
		FeeBps:        100,
		TokenAddress:  valid,
		AllowedTokens: []string{valid},
		APIKeys:       []APIKey{{Key: "ops", Secret: "secret"}},
	}
	require.NoError(t, cfg.Validate())
}
