package main

import (
	"github.com/spf13/cobra"

	"github.com/matt-riley/assignz/internal/core"
)

type banditOutput struct {
	FlagKey    string                  `json:"flagKey"`
	SubjectKey string                  `json:"subjectKey"`
	Variation  string                  `json:"variation"`
	Action     string                  `json:"action,omitempty"`
	Code       core.Code               `json:"code"`
	Result     *core.BanditResult      `json:"result,omitempty"`
	Details    *core.EvaluationDetails `json:"details,omitempty"`
}

func newBanditCmd() *cobra.Command {
	var (
		payload          payloadFlags
		flagKey          string
		subjectKey       string
		attrsPath        string
		actionsPath      string
		defaultVariation string
		details          bool
	)

	cmd := &cobra.Command{
		Use:   "bandit",
		Short: "Select a bandit action for one subject",
		Long: `Assign a bandit-backed flag and, when the variation maps to a bandit,
select one of the supplied actions.

The actions file maps each action key to its attributes. Numbers become
numeric attributes; strings and booleans become categorical attributes.

Example actions.yaml:
  nike:
    brand_affinity: 0.4
    loyalty_tier: gold
  adidas:
    brand_affinity: 2.0`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			attrs, err := loadAttributes(attrsPath)
			if err != nil {
				return err
			}
			actions, err := loadActions(actionsPath)
			if err != nil {
				return err
			}
			c, err := payload.client(cmd)
			if err != nil {
				return err
			}

			ev, err := c.BanditAction(cmd.Context(), core.BanditRequest{
				FlagKey:           flagKey,
				SubjectKey:        subjectKey,
				SubjectAttributes: core.AttributesFromMap(attrs),
				Actions:           actions,
				DefaultVariation:  defaultVariation,
				Details:           details,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), banditOutput{
				FlagKey:    flagKey,
				SubjectKey: subjectKey,
				Variation:  ev.Variation,
				Action:     ev.Action,
				Code:       ev.Code,
				Result:     ev.Result,
				Details:    ev.Details,
			})
		},
	}

	payload.register(cmd)
	cmd.Flags().StringVar(&flagKey, "flag", "", "flag key (required)")
	cmd.Flags().StringVar(&subjectKey, "subject", "", "subject key (required)")
	cmd.Flags().StringVar(&attrsPath, "attrs", "", "subject attributes file (YAML or JSON)")
	cmd.Flags().StringVar(&actionsPath, "actions", "", "actions file (YAML or JSON, required)")
	cmd.Flags().StringVar(&defaultVariation, "default", "", "variation returned when the subject is not assigned")
	cmd.Flags().BoolVar(&details, "details", false, "include evaluation details")
	_ = cmd.MarkFlagRequired("flag")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("actions")
	return cmd
}
