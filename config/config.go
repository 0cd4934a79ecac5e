package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"palindromepay/crypto"

	"github.com/BurntSushi/toml"
)

// APIKey describes a single API key + secret pair accepted by the HTTP
// gateway. The secret is used to verify HMAC request signatures.
type APIKey struct {
	Key    string `toml:"Key"`
	Secret string `toml:"Secret"`
}

// GenesisBalance seeds the built-in token ledger with an opening balance.
type GenesisBalance struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

type Config struct {
	ListenAddress        string           `toml:"ListenAddress"`
	DataDir              string           `toml:"DataDir"`
	ChainID              uint64           `toml:"ChainID"`
	FeeBps               uint32           `toml:"FeeBps"`
	OperatorKeystorePath string           `toml:"OperatorKeystorePath"`
	KeystorePassphrase   string           `toml:"KeystorePassphrase"`
	TokenAddress         string           `toml:"TokenAddress"`
	AllowedTokens        []string         `toml:"AllowedTokens"`
	APIKeys              []APIKey         `toml:"APIKeys"`
	GenesisBalances      []GenesisBalance `toml:"GenesisBalances"`
	AuthTimestampSkew    duration         `toml:"AuthTimestampSkew"`
	AuthNonceTTL         duration         `toml:"AuthNonceTTL"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 31337
	}
	if cfg.AuthTimestampSkew.Duration == 0 {
		cfg.AuthTimestampSkew.Duration = 2 * time.Minute
	}
	if cfg.AuthNonceTTL.Duration == 0 {
		cfg.AuthNonceTTL.Duration = 10 * time.Minute
	}
}

// Validate checks the configuration for values the engine cannot operate
// with.
func (c *Config) Validate() error {
	if c.FeeBps > 10_000 {
		return fmt.Errorf("config: FeeBps out of range: %d", c.FeeBps)
	}
	for _, addr := range c.AllowedTokens {
		if _, err := crypto.DecodeAddress(addr); err != nil {
			return fmt.Errorf("config: invalid allowed token %q: %w", addr, err)
		}
	}
	if strings.TrimSpace(c.TokenAddress) != "" {
		if _, err := crypto.DecodeAddress(c.TokenAddress); err != nil {
			return fmt.Errorf("config: invalid token address %q: %w", c.TokenAddress, err)
		}
	}
	for _, bal := range c.GenesisBalances {
		if _, err := crypto.DecodeAddress(bal.Address); err != nil {
			return fmt.Errorf("config: invalid genesis address %q: %w", bal.Address, err)
		}
	}
	for _, key := range c.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: API keys require both Key and Secret")
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		FeeBps: 100,
	}
	applyDefaults(cfg)
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}
	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, cfg.KeystorePassphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	cfg.OperatorKeystorePath = keystorePath
	return nil
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	return filepath.Join(dir, "operator.keystore")
}
