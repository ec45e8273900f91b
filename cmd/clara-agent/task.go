package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"clara/internal/market"
	"clara/internal/observability"
)

// taskSpec is one entry of a task batch file.
type taskSpec struct {
	Topic    string `yaml:"topic"`
	Payload  string `yaml:"payload"`
	Strategy string `yaml:"strategy"`
	Reward   string `yaml:"reward"`
	Count    int    `yaml:"count"`
}

type taskBatchFile struct {
	Tasks []taskSpec `yaml:"tasks"`
}

func newTaskCommand() *cobra.Command {
	var (
		batchFile    string
		spec         taskSpec
		pollInterval time.Duration
		pollTimeout  time.Duration
		noWait       bool
	)

	cmd := &cobra.Command{
		Use:   "task",
		Short: "Register tasks on the marketplace and wait for results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			specs, err := resolveSpecs(batchFile, spec)
			if err != nil {
				return err
			}

			metrics := observability.DefaultMetrics()
			agentID := cfg.Username + "@" + cfg.WalletID
			backend := buildBackend(cfg, agentID, logger)
			service := market.NewRegistrationService(logger, metrics, backend)
			poller := market.NewResultPoller(backend, nil, logger, metrics)

			for _, s := range specs {
				reward, err := market.ParseAmount(s.Reward)
				if err != nil {
					return fmt.Errorf("invalid reward %q: %w", s.Reward, err)
				}
				strategy, err := market.ParseStrategy(s.Strategy)
				if err != nil {
					return err
				}
				req := market.TaskRequest{
					Topic:    s.Topic,
					Payload:  s.Payload,
					Strategy: strategy,
					Reward:   reward,
				}

				batch, err := service.RegisterTasks(cmd.Context(), req, s.Count)
				if err != nil {
					return err
				}
				printBatch(batch)

				if noWait {
					continue
				}
				results, err := poller.Poll(cmd.Context(), batch.Assignments, pollInterval, pollTimeout)
				if err != nil {
					return err
				}
				printResults(batch.Assignments, results)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&batchFile, "file", "f", "", "YAML batch file with a tasks list")
	cmd.Flags().StringVar(&spec.Topic, "topic", "", "task topic")
	cmd.Flags().StringVar(&spec.Payload, "payload", "", "task payload")
	cmd.Flags().StringVar(&spec.Strategy, "strategy", "", "matching strategy (cheapest|leastOccupied)")
	cmd.Flags().StringVar(&spec.Reward, "reward", "0", "task reward in market units")
	cmd.Flags().IntVar(&spec.Count, "count", 1, "number of copies to register")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 10*time.Second, "delay between result reads")
	cmd.Flags().DurationVar(&pollTimeout, "poll-timeout", 5*time.Minute, "maximum time to wait for results")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "register only, do not wait for results")
	return cmd
}

func resolveSpecs(batchFile string, single taskSpec) ([]taskSpec, error) {
	if batchFile == "" {
		if single.Topic == "" {
			return nil, fmt.Errorf("either --file or --topic is required")
		}
		return []taskSpec{single}, nil
	}

	data, err := os.ReadFile(batchFile)
	if err != nil {
		return nil, err
	}
	var batch taskBatchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse %s: %w", batchFile, err)
	}
	if len(batch.Tasks) == 0 {
		return nil, fmt.Errorf("%s contains no tasks", batchFile)
	}
	return batch.Tasks, nil
}

func printBatch(batch *market.Batch) {
	heading := color.New(color.FgCyan, color.Bold)
	heading.Printf("Registered %d task(s) on %s\n", len(batch.Assignments), batch.Backend)
	for _, assignment := range batch.Assignments {
		fmt.Print(assignment.Receipt)
	}
	if len(batch.Errors) > 0 {
		warn := color.New(color.FgYellow)
		for backend, err := range batch.Errors {
			warn.Printf("note: %s rejected the batch: %v\n", backend, err)
		}
	}
}

func printResults(expected map[string]market.Assignment, results map[string][]market.TaskResult) {
	success := color.New(color.FgGreen, color.Bold)
	pending := color.New(color.FgYellow)

	received := 0
	for taskID, taskResults := range results {
		for _, result := range taskResults {
			received++
			success.Printf("-- Result for task %s\n", taskID)
			if result.AssignedAgentID != "" {
				fmt.Printf("Agent: %s\n", result.AssignedAgentID)
			}
			fmt.Printf("%s\n", result.Result)
		}
	}

	missing := 0
	for taskID, assignment := range expected {
		want := assignment.NumberOfAgents
		if want < 1 {
			want = 1
		}
		if got := len(results[taskID]); got < want {
			missing += want - got
		}
	}
	if missing > 0 {
		pending.Printf("%d result(s) received, %d still outstanding at timeout\n", received, missing)
	}
}
