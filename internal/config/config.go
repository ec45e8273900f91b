package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	claraerrors "clara/internal/errors"
)

// Impl selects the marketplace backend implementation.
type Impl string

const (
	ImplAO    Impl = "ao"
	ImplStory Impl = "story"
)

// Config carries everything the adapters need to talk to one marketplace
// backend on behalf of one agent identity.
type Config struct {
	Impl         Impl
	Username     string
	PrivateKey   string // AO: JWK JSON; Story: hex private key held by the relay signer
	WalletID     string // marketplace-visible wallet/account address of this agent
	MarketID     string // AO market process id, or Story market contract address
	PollInterval time.Duration
	Fee          string // agent registration fee, decimal units

	GatewayURL  string // AO gateway base URL
	StoryAPIURL string // Story market relay base URL

	StateDir string // local state (cursor cache, profile marker)
	OpsAddr  string // ops HTTP listen address, empty disables
	LogLevel string
	LogJSON  bool
}

const (
	defaultPollInterval = 120 * time.Second
	defaultGatewayURL   = "https://cu.ao-testnet.xyz"
	defaultStoryAPIURL  = "https://clara-market.aeneid.storyrpc.io"
)

// Load reads configuration from the environment (and an optional config file
// path) and resolves the backend implementation: AO wins whenever an AO
// wallet is configured, otherwise Story.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"CLARA_AO_USERNAME", "CLARA_AO_WALLET", "CLARA_AO_WALLET_ID",
		"CLARA_AO_MARKET_ID", "CLARA_AO_POLL_INTERVAL", "CLARA_AO_GATEWAY_URL",
		"CLARA_STORY_USERNAME", "CLARA_STORY_PRIVATE_KEY", "CLARA_STORY_WALLET_ID",
		"CLARA_STORY_MARKET_ID", "CLARA_STORY_API_URL",
		"CLARA_FEE", "CLARA_STATE_DIR", "CLARA_OPS_ADDR",
		"CLARA_LOG_LEVEL", "CLARA_LOG_JSON",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &claraerrors.ConfigError{Key: configFile, Reason: err.Error()}
		}
	}

	cfg := &Config{
		Fee:      v.GetString("CLARA_FEE"),
		StateDir: v.GetString("CLARA_STATE_DIR"),
		OpsAddr:  v.GetString("CLARA_OPS_ADDR"),
		LogLevel: v.GetString("CLARA_LOG_LEVEL"),
		LogJSON:  v.GetBool("CLARA_LOG_JSON"),
	}
	if cfg.StateDir == "" {
		cfg.StateDir = ".clara"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if v.GetString("CLARA_AO_WALLET") != "" {
		cfg.Impl = ImplAO
		cfg.Username = v.GetString("CLARA_AO_USERNAME")
		cfg.PrivateKey = v.GetString("CLARA_AO_WALLET")
		cfg.WalletID = v.GetString("CLARA_AO_WALLET_ID")
		cfg.MarketID = v.GetString("CLARA_AO_MARKET_ID")
		cfg.GatewayURL = v.GetString("CLARA_AO_GATEWAY_URL")
		if cfg.GatewayURL == "" {
			cfg.GatewayURL = defaultGatewayURL
		}
	} else {
		cfg.Impl = ImplStory
		cfg.Username = v.GetString("CLARA_STORY_USERNAME")
		cfg.PrivateKey = v.GetString("CLARA_STORY_PRIVATE_KEY")
		cfg.WalletID = v.GetString("CLARA_STORY_WALLET_ID")
		cfg.MarketID = v.GetString("CLARA_STORY_MARKET_ID")
		cfg.StoryAPIURL = v.GetString("CLARA_STORY_API_URL")
		if cfg.StoryAPIURL == "" {
			cfg.StoryAPIURL = defaultStoryAPIURL
		}
	}

	cfg.PollInterval = safeInterval(v.GetString("CLARA_AO_POLL_INTERVAL"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first missing required value. Failures here are fatal
// at startup: the ingestion loop never starts on a partial config.
func (c *Config) Validate() error {
	prefix := "CLARA_AO_"
	if c.Impl == ImplStory {
		prefix = "CLARA_STORY_"
	}
	if c.Username == "" {
		return &claraerrors.ConfigError{Key: prefix + "USERNAME", Reason: "agent username is required"}
	}
	if c.PrivateKey == "" {
		key := prefix + "WALLET"
		if c.Impl == ImplStory {
			key = prefix + "PRIVATE_KEY"
		}
		return &claraerrors.ConfigError{Key: key, Reason: "wallet credential is required"}
	}
	if c.WalletID == "" {
		return &claraerrors.ConfigError{Key: prefix + "WALLET_ID", Reason: "wallet id is required"}
	}
	if c.MarketID == "" {
		return &claraerrors.ConfigError{Key: prefix + "MARKET_ID", Reason: "market id is required"}
	}
	if c.PollInterval < time.Second {
		return &claraerrors.ConfigError{Key: "CLARA_AO_POLL_INTERVAL", Reason: "poll interval must be at least 1s"}
	}
	return nil
}

func safeInterval(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPollInterval
	}
	secs, err := time.ParseDuration(raw + "s")
	if err != nil {
		return defaultPollInterval
	}
	// sub-second values are honored as "as fast as allowed", not ignored
	if secs < time.Second {
		return time.Second
	}
	return secs
}
