// Command steward is the CLI surface of the orchestration kernel:
// feature and bug pipelines, checkpoint approvals, autopilot sessions,
// and multi-day campaigns, all persisted under the state root.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"steward/internal/agent"
	"steward/internal/autopilot"
	"steward/internal/bug"
	"steward/internal/campaign"
	"steward/internal/checkpoint"
	"steward/internal/config"
	"steward/internal/contract"
	"steward/internal/embedding"
	"steward/internal/feature"
	"steward/internal/gate"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/preference"
	"steward/internal/recovery"
	"steward/internal/state"
	"steward/internal/validation"
)

var (
	flagConfig    string
	flagStateRoot string
	flagDebug     bool
)

var rootCmd = &cobra.Command{
	Use:           "steward",
	Short:         "Autonomous development orchestrator",
	Long:          "steward runs feature and bug pipelines through contract-checked agent roles,\nwith complexity gating, layered recovery, multi-critic validation, and\nhuman checkpoints persisted as crash-safe JSON state.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to steward.yaml")
	rootCmd.PersistentFlags().StringVar(&flagStateRoot, "state-root", "", "state directory (default .steward)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(featureCmd)
	rootCmd.AddCommand(bugCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(autopilotCmd)
	rootCmd.AddCommand(campaignCmd)
	rootCmd.AddCommand(locksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

// app holds the wired kernel. Every command boots one and tears it down
// when the command returns.
type app struct {
	cfg         *config.Config
	store       *state.Store
	invoker     agent.Invoker
	contracts   *contract.Registry
	episodes    *memory.Store
	learner     *preference.Learner
	feedback    *checkpoint.Incorporator
	checkpoints *checkpoint.Manager
	recovery    *recovery.Manager
	gate        *gate.Gate
	validator   *validation.Validator
	features    *feature.Orchestrator
	bugs        *bug.Orchestrator
	runner      *autopilot.Runner
	campaigns   *campaign.Executor
}

// boot loads configuration and wires the full component graph.
func boot(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagStateRoot != "" {
		cfg.StateRoot = flagStateRoot
	}
	if flagDebug {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.WriteStateConfig(); err != nil {
		return nil, err
	}
	if err := logging.Initialize(cfg.StateRoot); err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.StateRoot)
	if err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		Dimensions:     cfg.Embedding.Dimensions,
	})
	if err != nil {
		return nil, err
	}

	episodes, err := memory.Open(filepath.Join(cfg.StateRoot, "memory"), engine, memory.Config{
		TopK:               cfg.Memory.RetrievalTopK,
		DecayFactor:        cfg.Memory.DecayFactor,
		SummarizeAfterDays: cfg.Memory.SummarizeAfterDays,
		QueryCacheSize:     cfg.Memory.QueryCacheSize,
	})
	if err != nil {
		return nil, err
	}

	learner, err := preference.Open(cfg.StateRoot, engine)
	if err != nil {
		return nil, err
	}
	feedback, err := checkpoint.NewIncorporator(cfg.StateRoot)
	if err != nil {
		return nil, err
	}

	checkpoints := checkpoint.NewManager(store, cfg.Kernel, learner, episodes, feedback)

	invoker, err := newInvoker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	contracts := contract.NewRegistry(cfg.Kernel.StrictContracts)

	a := &app{
		cfg:         cfg,
		store:       store,
		invoker:     invoker,
		contracts:   contracts,
		episodes:    episodes,
		learner:     learner,
		feedback:    feedback,
		checkpoints: checkpoints,
	}

	a.recovery = recovery.New(invoker, episodes, a.clarify, recovery.Config{
		BaseBackoff:      time.Duration(cfg.Recovery.BaseBackoffSeconds * float64(time.Second)),
		BreakerThreshold: uint32(cfg.Recovery.BreakerThreshold),
		AlternativeCount: cfg.Recovery.AlternativeCount,
		MaxAttempts:      cfg.Kernel.MaxRecoveryAttempts,
	})
	a.gate = gate.New(invoker, contracts, cfg.Kernel.ComplexityMaxEstimatedTurns)
	a.validator = validation.New(invoker, contracts, validation.DefaultCritics())

	a.features = feature.New(feature.Deps{
		Store:       store,
		Invoker:     invoker,
		Contracts:   contracts,
		Gate:        a.gate,
		Recovery:    a.recovery,
		Validator:   a.validator,
		Checkpoints: checkpoints,
		Feedback:    feedback,
		Episodes:    episodes,
		Config:      cfg.Kernel,
	})
	a.bugs = bug.New(bug.Deps{
		Store:       store,
		Contracts:   contracts,
		Recovery:    a.recovery,
		Validator:   a.validator,
		Checkpoints: checkpoints,
		Feedback:    feedback,
		Config:      cfg.Kernel,
	})
	a.runner = autopilot.New(store, a.features, a.bugs, checkpoints, cfg.Kernel)
	a.campaigns = campaign.New(store, invoker, contracts, a.runner, checkpoints, cfg.Kernel)
	return a, nil
}

// newInvoker picks the agent backend. Only the Gemini backend exists
// today; the boundary stays an interface so tests can stub it.
func newInvoker(ctx context.Context, cfg *config.Config) (agent.Invoker, error) {
	key := cfg.Embedding.GenAIAPIKey
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		key = v
	}
	return agent.NewGenAIInvoker(ctx, agent.DefaultGenAIConfig(key))
}

// clarify routes a clarifying question to the operator as a pending
// checkpoint and blocks until it is resolved.
func (a *app) clarify(ctx context.Context, question string) (string, error) {
	cp, err := a.checkpoints.Create(ctx, checkpoint.CreateRequest{
		Triggers: []state.Trigger{state.TriggerApprovalRequired},
		Question: question,
		Context:  "An agent needs clarification before it can retry.",
	})
	if err != nil {
		return "", err
	}
	fmt.Printf("clarification needed: %s\nresolve with: steward checkpoint resolve %s <option> --notes \"...\"\n", question, cp.CheckpointID)
	resolved, err := a.checkpoints.WaitForResolution(ctx, cp.CheckpointID, 0)
	if err != nil {
		return "", err
	}
	if resolved.ResolutionNotes != "" {
		return resolved.ResolutionNotes, nil
	}
	return resolved.ResolvedOption, nil
}
