// clara-agent runs an agent against a CLARA marketplace: `serve` ingests
// assigned tasks and answers them, `task` registers tasks and waits for
// their results.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"clara/internal/config"
	"clara/internal/logging"
	"clara/internal/market"
	"clara/internal/market/ao"
	"clara/internal/market/story"
	"clara/internal/observability"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:           "clara-agent",
		Short:         "CLARA marketplace agent",
		Long:          "Connects an agent to a CLARA task marketplace, either the AO message network or the Story chain, selected by environment.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (environment variables take effect regardless)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newTaskCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "clara-agent: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration and installs the process logger.
func loadConfig() (*config.Config, logging.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}

	format := "text"
	if cfg.LogJSON {
		format = "json"
	}
	observability.SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: format,
	}))
	return cfg, logging.NewComponentLogger("clara"), nil
}

// buildBackend constructs the marketplace backend the config selects.
func buildBackend(cfg *config.Config, agentID string, logger logging.Logger) market.Backend {
	if cfg.Impl == config.ImplAO {
		return ao.New(ao.Config{
			GatewayURL:      cfg.GatewayURL,
			MarketProcessID: cfg.MarketID,
			AgentID:         agentID,
			WalletID:        cfg.WalletID,
		}, logger)
	}
	return story.New(story.Config{
		APIURL:          cfg.StoryAPIURL,
		ContractAddress: cfg.MarketID,
		AgentID:         agentID,
		WalletID:        cfg.WalletID,
		PrivateKey:      cfg.PrivateKey,
	}, logger)
}
