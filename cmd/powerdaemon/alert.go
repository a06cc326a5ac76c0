package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/powerdaemon/powerdaemon/pkg/types"
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage alerts",
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		severity, _ := cmd.Flags().GetString("severity")
		limit, _ := cmd.Flags().GetInt("limit")

		alerts, err := apiClient().ListAlerts(cmd.Context(), types.AlertFilter{
			Status:   types.AlertStatus(status),
			Severity: types.AlertSeverity(severity),
			Limit:    limit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSEVERITY\tSTATUS\tTITLE\tAGE")
		for _, a := range alerts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Severity, a.Status, a.Title,
				time.Since(a.CreatedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

var alertGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show an alert as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alert, err := apiClient().GetAlert(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(alert)
	},
}

var alertAckCmd = &cobra.Command{
	Use:   "ack ID",
	Short: "Acknowledge an active alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		comment, _ := cmd.Flags().GetString("comment")
		alert, err := apiClient().AcknowledgeAlert(cmd.Context(), args[0], by, comment)
		if err != nil {
			return err
		}
		fmt.Printf("Alert %s acknowledged\n", alert.ID)
		return nil
	},
}

var alertResolveCmd = &cobra.Command{
	Use:   "resolve ID",
	Short: "Resolve an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		comment, _ := cmd.Flags().GetString("comment")
		alert, err := apiClient().ResolveAlert(cmd.Context(), args[0], by, comment)
		if err != nil {
			return err
		}
		fmt.Printf("Alert %s resolved\n", alert.ID)
		return nil
	},
}

var alertSuppressCmd = &cobra.Command{
	Use:   "suppress ID",
	Short: "Silence an alert for a duration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("for")
		reason, _ := cmd.Flags().GetString("reason")
		by, _ := cmd.Flags().GetString("by")
		alert, err := apiClient().SuppressAlert(cmd.Context(), args[0], duration, reason, by)
		if err != nil {
			return err
		}
		fmt.Printf("Alert %s suppressed for %s\n", alert.ID, duration)
		return nil
	},
}

func init() {
	alertCmd.AddCommand(alertListCmd)
	alertCmd.AddCommand(alertGetCmd)
	alertCmd.AddCommand(alertAckCmd)
	alertCmd.AddCommand(alertResolveCmd)
	alertCmd.AddCommand(alertSuppressCmd)

	alertListCmd.Flags().String("status", "", "Filter by status")
	alertListCmd.Flags().String("severity", "", "Filter by severity")
	alertListCmd.Flags().Int("limit", 0, "Maximum number of alerts")

	for _, c := range []*cobra.Command{alertAckCmd, alertResolveCmd} {
		c.Flags().String("by", "", "Acting user (defaults to the authenticated principal)")
		c.Flags().String("comment", "", "Comment recorded with the action")
	}

	alertSuppressCmd.Flags().Duration("for", time.Hour, "Suppression window")
	alertSuppressCmd.Flags().String("reason", "", "Why the alert is suppressed")
	alertSuppressCmd.Flags().String("by", "", "Acting user")
}
