package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"clara/internal/client"
	"clara/internal/ingest"
	"clara/internal/market"
	"clara/internal/observability"
	"clara/internal/runtime"
	"clara/internal/server"
)

func newServeCommand() *cobra.Command {
	var (
		registerProfile bool
		profileTopic    string
		profileDesc     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ingest assigned marketplace tasks and answer them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			metrics := observability.DefaultMetrics()
			cache, err := runtime.NewFileCache(cfg.StateDir)
			if err != nil {
				return err
			}

			agentID := runtime.DeterministicID(cfg.Username + "@" + cfg.WalletID)
			store := runtime.NewMemoryStore()
			rt := runtime.NewLocalRuntime(agentID, cfg.Username, store)
			rt.RegisterAction(echoAction())

			backend := buildBackend(cfg, agentID.String(), logger)
			registry := client.NewRegistry()
			profileID := client.ProfileID(agentID.String(), cfg.Username)
			c, err := registry.GetOrCreate(profileID, func() (*client.Client, error) {
				return client.New(backend, cache, profileID, cfg.WalletID, logger, metrics), nil
			})
			if err != nil {
				return err
			}

			if registerProfile {
				// connect-if-exists: a marker in the state dir makes repeated
				// serve --register runs idempotent.
				markerKey := backend.Name() + "/" + profileID + "/registered"
				if _, registered, err := cache.Get(ctx, markerKey); err != nil {
					return err
				} else if !registered {
					if err := registerAgentProfile(ctx, backend, cfg.Fee, agentID.String(), profileTopic, profileDesc); err != nil {
						return err
					}
					if err := cache.Set(ctx, markerKey, profileTopic); err != nil {
						return err
					}
					logger.Info("Agent profile %s registered for topic %s", agentID, profileTopic)
				} else {
					logger.Info("Agent profile %s already registered, connecting", agentID)
				}
			}

			executor := ingest.NewTaskExecutor(rt, store, c, logger, metrics)
			handler, err := ingest.NewMessageHandler(c, store, executor, logger, metrics)
			if err != nil {
				return err
			}
			loop := ingest.NewLoop(c, handler, nil, cfg.PollInterval, logger, metrics)

			group, groupCtx := errgroup.WithContext(ctx)
			loop.Start(groupCtx)
			group.Go(func() error {
				<-groupCtx.Done()
				loop.Stop()
				return nil
			})
			if cfg.OpsAddr != "" {
				ops := server.New(cfg.OpsAddr, registry, logger)
				group.Go(func() error { return ops.Run(groupCtx) })
			}
			return group.Wait()
		},
	}

	cmd.Flags().BoolVar(&registerProfile, "register", false, "register the agent profile with the market before serving")
	cmd.Flags().StringVar(&profileTopic, "topic", "chat", "topic the agent profile serves")
	cmd.Flags().StringVar(&profileDesc, "description", "", "agent profile description")
	return cmd
}

func registerAgentProfile(ctx context.Context, backend market.Backend, fee, agentID, topic, description string) error {
	registrar, ok := backend.(market.AgentRegistrar)
	if !ok {
		return fmt.Errorf("backend %s does not support agent registration", backend.Name())
	}
	amount, err := market.ParseAmount(fee)
	if err != nil {
		return fmt.Errorf("invalid fee %q: %w", fee, err)
	}
	return registrar.RegisterAgent(ctx, market.AgentProfile{
		AgentID:     agentID,
		Topic:       topic,
		Fee:         amount,
		Description: description,
	})
}

// echoAction answers any routed task with the payload it received. It is
// the built-in capability used to verify marketplace connectivity end to
// end; hosts embedding the packages register their own actions instead.
func echoAction() runtime.Action {
	return runtime.Action{
		Name:        "chat",
		Similes:     []string{"echo", "reply", "respond"},
		Description: "Echoes the task payload back to the requester.",
		Handler: func(ctx context.Context, _ runtime.Runtime, message runtime.Memory, _ runtime.State, callback runtime.HandlerCallback) error {
			return callback(ctx, runtime.Content{
				Text:   message.Content.Text,
				Source: message.Content.Source,
			})
		},
	}
}
