package main

import (
	"github.com/spf13/cobra"

	"github.com/matt-riley/assignz/internal/core"
	"github.com/matt-riley/assignz/internal/logging"
	"github.com/matt-riley/assignz/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// payloadFlags locate the configuration documents shared by the local
// evaluation commands.
type payloadFlags struct {
	flags     string
	bandits   string
	models    string
	weighting string
	strict    bool
	logLevel  string
}

func (p *payloadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.flags, "flags", "", "flags configuration file (required)")
	cmd.Flags().StringVar(&p.bandits, "bandits", "", "bandit references file")
	cmd.Flags().StringVar(&p.models, "models", "", "bandit models file")
	cmd.Flags().StringVar(&p.weighting, "weighting", string(core.WeightingSoftmax), "bandit weighting: softmax or inverse_gap")
	cmd.Flags().BoolVar(&p.strict, "strict", false, "fail instead of falling back to defaults")
	cmd.Flags().StringVar(&p.logLevel, "log-level", "warn", "log level for evaluation diagnostics")
	_ = cmd.MarkFlagRequired("flags")
}

// client builds a service client and loads the payload files into it.
// Diagnostics go to stderr so stdout stays machine readable.
func (p *payloadFlags) client(cmd *cobra.Command) (*service.Client, error) {
	weighting, err := core.ParseWeighting(p.weighting)
	if err != nil {
		return nil, err
	}
	log := logging.NewWithWriter(p.logLevel, "text", cmd.ErrOrStderr())
	c := service.New(
		service.WithLogger(log),
		service.WithGraceful(!p.strict),
		service.WithWeighting(weighting),
		service.WithAssignmentLogger(service.SlogAssignmentLogger{Logger: log}),
	)

	flags, err := readFile(p.flags)
	if err != nil {
		return nil, err
	}
	bandits, err := readFile(p.bandits)
	if err != nil {
		return nil, err
	}
	models, err := readFile(p.models)
	if err != nil {
		return nil, err
	}
	if err := c.LoadConfiguration(cmd.Context(), flags, bandits, models); err != nil {
		return nil, err
	}
	return c, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "assignctl",
		Short: "Evaluate assignz flags and bandits",
		Long: `assignctl evaluates flag and bandit configurations locally with the same
engine the assignz server uses, and follows or updates a running server
over gRPC.

Attribute and action files may be YAML or JSON.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newAssignCmd(),
		newBanditCmd(),
		newKeysCmd(),
		newPrecomputeCmd(),
		newHashKeyCmd(),
		newWatchCmd(),
		newPushCmd(),
	)
	return root
}
