package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/powerdaemon/powerdaemon/pkg/orchestrator"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage deployment workflows",
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		service, _ := cmd.Flags().GetString("service")
		limit, _ := cmd.Flags().GetInt("limit")

		workflows, err := apiClient().ListDeployments(cmd.Context(), types.WorkflowFilter{
			Status:      types.WorkflowStatus(status),
			ServiceName: service,
			Limit:       limit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSERVICE\tVERSION\tSTRATEGY\tSTATUS\tPROGRESS")
		for _, wf := range workflows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.0f%%\n",
				wf.ID, wf.Name, wf.ServiceName, wf.Version, wf.Strategy, wf.Status, wf.ProgressPercent)
		}
		return w.Flush()
	},
}

var workflowGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a workflow as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := apiClient().GetDeployment(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(wf)
	},
}

var workflowEventsCmd = &cobra.Command{
	Use:   "events ID",
	Short: "Show a workflow's event timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := apiClient().GetDeploymentEvents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tKIND\tMESSAGE")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Kind, ev.Message)
		}
		return w.Flush()
	},
}

var workflowStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Plan and start a deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		strategy, _ := cmd.Flags().GetString("strategy")
		service, _ := cmd.Flags().GetString("service")
		version, _ := cmd.Flags().GetString("version")
		packageURL, _ := cmd.Flags().GetString("package-url")
		hosts, _ := cmd.Flags().GetStringSlice("hosts")
		configFile, _ := cmd.Flags().GetString("config-file")

		req := &orchestrator.Request{
			Name:        name,
			Strategy:    types.DeployStrategy(strategy),
			ServiceName: service,
			Version:     version,
			PackageURL:  packageURL,
			TargetHosts: hosts,
		}
		if name == "" {
			req.Name = fmt.Sprintf("%s %s", service, version)
		}
		if configFile != "" {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return fmt.Errorf("reading configuration file: %w", err)
			}
			if err := json.Unmarshal(data, &req.Configuration); err != nil {
				return fmt.Errorf("parsing configuration file: %w", err)
			}
		}

		wf, err := apiClient().CreateDeployment(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Printf("Workflow %s started (%s, %d hosts, %d phases)\n",
			wf.ID, wf.Strategy, len(wf.TargetHosts), len(wf.Phases))
		return nil
	},
}

var workflowPauseCmd = &cobra.Command{
	Use:   "pause ID",
	Short: "Pause a running workflow at its next phase boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().PauseDeployment(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Workflow %s pausing\n", args[0])
		return nil
	},
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume ID",
	Short: "Resume a paused workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().ResumeDeployment(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Workflow %s resumed\n", args[0])
		return nil
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if err := apiClient().CancelDeployment(cmd.Context(), args[0], reason); err != nil {
			return err
		}
		fmt.Printf("Workflow %s cancelled\n", args[0])
		return nil
	},
}

var workflowRollbackCmd = &cobra.Command{
	Use:   "rollback ID",
	Short: "Roll a workflow back to the previous (or a specific) version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target-version")
		reason, _ := cmd.Flags().GetString("reason")
		wf, err := apiClient().RollbackDeployment(cmd.Context(), args[0], target, reason)
		if err != nil {
			return err
		}
		fmt.Printf("Workflow %s rolling back to %s\n", wf.ID, rollbackTarget(wf, target))
		return nil
	},
}

func rollbackTarget(wf *types.Workflow, requested string) string {
	if requested != "" {
		return requested
	}
	return "the previous version"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowEventsCmd)
	workflowCmd.AddCommand(workflowStartCmd)
	workflowCmd.AddCommand(workflowPauseCmd)
	workflowCmd.AddCommand(workflowResumeCmd)
	workflowCmd.AddCommand(workflowCancelCmd)
	workflowCmd.AddCommand(workflowRollbackCmd)

	workflowListCmd.Flags().String("status", "", "Filter by status")
	workflowListCmd.Flags().String("service", "", "Filter by service name")
	workflowListCmd.Flags().Int("limit", 0, "Maximum number of workflows")

	workflowStartCmd.Flags().String("name", "", "Workflow name (defaults to service + version)")
	workflowStartCmd.Flags().String("strategy", string(types.DeployStrategyRolling),
		"Deployment strategy: "+strings.Join([]string{
			string(types.DeployStrategyRolling),
			string(types.DeployStrategyBlueGreen),
			string(types.DeployStrategyCanary),
		}, ", "))
	workflowStartCmd.Flags().String("service", "", "Service to deploy")
	workflowStartCmd.Flags().String("version", "", "Version to deploy")
	workflowStartCmd.Flags().String("package-url", "", "Package artifact URL")
	workflowStartCmd.Flags().StringSlice("hosts", nil, "Target hosts")
	workflowStartCmd.Flags().String("config-file", "", "JSON file with strategy configuration sections")
	_ = workflowStartCmd.MarkFlagRequired("service")
	_ = workflowStartCmd.MarkFlagRequired("version")
	_ = workflowStartCmd.MarkFlagRequired("package-url")
	_ = workflowStartCmd.MarkFlagRequired("hosts")

	workflowCancelCmd.Flags().String("reason", "", "Why the workflow is being cancelled")

	workflowRollbackCmd.Flags().String("target-version", "", "Version to roll back to")
	workflowRollbackCmd.Flags().String("reason", "", "Why the workflow is being rolled back")
}
