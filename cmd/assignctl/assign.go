package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/assignz/internal/core"
)

type assignOutput struct {
	FlagKey       string                  `json:"flagKey"`
	SubjectKey    string                  `json:"subjectKey"`
	Value         core.Value              `json:"value"`
	Code          core.Code               `json:"code"`
	AllocationKey string                  `json:"allocationKey,omitempty"`
	VariationKey  string                  `json:"variationKey,omitempty"`
	Details       *core.EvaluationDetails `json:"details,omitempty"`
}

func newAssignCmd() *cobra.Command {
	var (
		payload      payloadFlags
		flagKey      string
		subjectKey   string
		attrsPath    string
		typeName     string
		defaultValue string
		details      bool
	)

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a flag for one subject",
		Long: `Evaluate one flag for one subject and print the assignment as JSON.

The default value is returned when the subject is not assigned. It is parsed
according to --type; STRING defaults may be given without quotes.

Examples:
  assignctl assign --flags flags.json --flag kill-switch --subject alice --type BOOLEAN --default false
  assignctl assign --flags flags.json --flag banner --subject bob --attrs bob.yaml --details`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			typ := core.VariationType(strings.ToUpper(typeName))
			if !typ.Valid() {
				return fmt.Errorf("unknown variation type %q", typeName)
			}
			def, err := parseDefault(typ, defaultValue)
			if err != nil {
				return fmt.Errorf("parse --default: %w", err)
			}
			attrs, err := loadAttributes(attrsPath)
			if err != nil {
				return err
			}
			c, err := payload.client(cmd)
			if err != nil {
				return err
			}

			a, err := c.Assign(cmd.Context(), core.AssignmentRequest{
				FlagKey:      flagKey,
				SubjectKey:   subjectKey,
				Attributes:   attrs,
				ExpectedType: typ,
				Details:      details,
			})
			if err != nil {
				return err
			}

			out := assignOutput{
				FlagKey:    flagKey,
				SubjectKey: subjectKey,
				Value:      def,
				Code:       a.Code,
				Details:    a.Details,
			}
			if a.Matched() {
				out.Value = a.Value
				out.AllocationKey = a.AllocationKey
				out.VariationKey = a.VariationKey
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	payload.register(cmd)
	cmd.Flags().StringVar(&flagKey, "flag", "", "flag key (required)")
	cmd.Flags().StringVar(&subjectKey, "subject", "", "subject key (required)")
	cmd.Flags().StringVar(&attrsPath, "attrs", "", "subject attributes file (YAML or JSON)")
	cmd.Flags().StringVar(&typeName, "type", string(core.VariationTypeString), "expected variation type: STRING, INTEGER, NUMERIC, BOOLEAN or JSON")
	cmd.Flags().StringVar(&defaultValue, "default", "", "value returned when the subject is not assigned")
	cmd.Flags().BoolVar(&details, "details", false, "include evaluation details")
	_ = cmd.MarkFlagRequired("flag")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
