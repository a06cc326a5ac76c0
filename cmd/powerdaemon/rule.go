package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage alert rules",
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		includeDisabled, _ := cmd.Flags().GetBool("all")
		rules, err := apiClient().ListRules(cmd.Context(), includeDisabled)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSEVERITY\tCONDITION\tENABLED")
		for _, r := range rules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s %s %s %.1f\t%v\n",
				r.ID, r.Name, r.Severity,
				r.Condition.Aggregation, r.Condition.Metric, r.Condition.Operator, r.Condition.Threshold,
				r.Enabled)
		}
		return w.Flush()
	},
}

var ruleGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a rule as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rule, err := apiClient().GetRule(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(rule)
	},
}

var ruleEnableCmd = &cobra.Command{
	Use:   "enable ID",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rule, err := apiClient().SetRuleEnabled(cmd.Context(), args[0], true)
		if err != nil {
			return err
		}
		fmt.Printf("Rule %s enabled\n", rule.ID)
		return nil
	},
}

var ruleDisableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rule, err := apiClient().SetRuleEnabled(cmd.Context(), args[0], false)
		if err != nil {
			return err
		}
		fmt.Printf("Rule %s disabled\n", rule.ID)
		return nil
	},
}

func init() {
	ruleCmd.AddCommand(ruleListCmd)
	ruleCmd.AddCommand(ruleGetCmd)
	ruleCmd.AddCommand(ruleEnableCmd)
	ruleCmd.AddCommand(ruleDisableCmd)

	ruleListCmd.Flags().Bool("all", false, "Include disabled rules")
}
