package main

import (
	"github.com/spf13/cobra"

	"github.com/matt-riley/assignz/internal/core"
)

func newPrecomputeCmd() *cobra.Command {
	var (
		payload    payloadFlags
		subjectKey string
		attrsPath  string
	)

	cmd := &cobra.Command{
		Use:   "precompute",
		Short: "Print every assignment for one subject",
		Long: `Evaluate every enabled flag for one subject and print the matched
assignments keyed by flag. Unmatched and invalid flags are left out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			attrs, err := loadAttributes(attrsPath)
			if err != nil {
				return err
			}
			c, err := payload.client(cmd)
			if err != nil {
				return err
			}
			flags, err := c.Precompute(cmd.Context(), subjectKey, attrs)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				SubjectKey string                                `json:"subjectKey"`
				Flags      map[string]core.PrecomputedAssignment `json:"flags"`
			}{subjectKey, flags})
		},
	}

	payload.register(cmd)
	cmd.Flags().StringVar(&subjectKey, "subject", "", "subject key (required)")
	cmd.Flags().StringVar(&attrsPath, "attrs", "", "subject attributes file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
