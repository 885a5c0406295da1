package main

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/spf13/cobra"
)

func newDeploymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"deployment", "deploy", "d"},
		Short:   "Create, run and follow policy deployments",
	}

	cmd.AddCommand(
		newDeploymentsCreateCmd(),
		newDeploymentsListCmd(),
		newDeploymentsGetCmd(),
		newDeploymentsSummaryCmd(),
		newDeploymentsExecuteCmd(),
	)
	return cmd
}

func newDeploymentsCreateCmd() *cobra.Command {
	var (
		req                            models.CreateDeploymentRequest
		at                             string
		noBackup, noVerify, noRollback bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a deployment",
		Example: `  fleetctl deployments create --name baseline --package pkg-cis --tag prod --parallel --now
  fleetctl deployments create --package pkg-cis --all --at 2026-11-01T02:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if at != "" {
				when, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				req.ScheduledAt = &when
			}
			if noBackup {
				req.CreateBackup = boolPtr(false)
			}
			if noVerify {
				req.VerifyBeforeApply = boolPtr(false)
			}
			if noRollback {
				req.RollbackOnFailure = boolPtr(false)
			}

			var d models.RemoteDeployment
			if err := client().do(cmd.Context(), "POST", "/api/v1/deployments", nil, req, &d); err != nil {
				return err
			}
			if done, err := printJSON(cmd.OutOrStdout(), d); done {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s created (%s, %d targets)\n", d.ID, d.Phase, len(d.TargetMachines))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "deployment name")
	f.StringVar(&req.Description, "description", "", "deployment description")
	f.StringVar(&req.PolicyPackageID, "package", "", "policy package to deploy")
	f.StringSliceVar(&req.PolicyIDs, "policy", nil, "individual policies to deploy")
	f.StringSliceVar(&req.TargetMachines, "machine", nil, "target machine IDs")
	f.StringSliceVar(&req.TargetGroups, "group", nil, "target every machine in these groups")
	f.StringSliceVar(&req.TargetTags, "tag", nil, "target every machine with these tags")
	f.BoolVar(&req.TargetAll, "all", false, "target the whole fleet")
	f.BoolVar(&req.ParallelExecution, "parallel", false, "dispatch in parallel batches")
	f.IntVar(&req.MaxParallel, "max-parallel", models.DefaultMaxParallel, "batch size for parallel dispatch")
	f.IntVar(&req.MaxFailures, "max-failures", 0, "failure budget forwarded to agents")
	f.BoolVar(&req.ExecuteImmediately, "now", false, "start dispatching immediately")
	f.StringVar(&at, "at", "", "schedule the deployment (RFC3339)")
	f.BoolVar(&noBackup, "no-backup", false, "skip the pre-apply backup")
	f.BoolVar(&noVerify, "no-verify", false, "skip verification before apply")
	f.BoolVar(&noRollback, "no-rollback", false, "do not roll back on failure")
	return cmd
}

func newDeploymentsListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"limit": {strconv.Itoa(limit)}}
			if status != "" {
				query.Set("status", status)
			}

			var deployments []*models.RemoteDeployment
			if err := client().do(cmd.Context(), "GET", "/api/v1/deployments", query, nil, &deployments); err != nil {
				return err
			}
			if done, err := printJSON(cmd.OutOrStdout(), deployments); done {
				return err
			}
			printDeployments(cmd.OutOrStdout(), deployments)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only deployments in this phase")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of deployments")
	return cmd
}

func newDeploymentsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <deployment-id>",
		Short: "Show a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d models.RemoteDeployment
			if err := client().do(cmd.Context(), "GET", "/api/v1/deployments/"+url.PathEscape(args[0]), nil, nil, &d); err != nil {
				return err
			}
			if done, err := printJSON(cmd.OutOrStdout(), d); done {
				return err
			}
			printDeployments(cmd.OutOrStdout(), []*models.RemoteDeployment{&d})
			if d.ErrorMessage != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\nError: %s\n", d.ErrorMessage)
			}
			return nil
		},
	}
}

func newDeploymentsSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <deployment-id>",
		Short: "Show per-machine progress of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s models.DeploymentSummary
			if err := client().do(cmd.Context(), "GET", "/api/v1/deployments/"+url.PathEscape(args[0])+"/summary", nil, nil, &s); err != nil {
				return err
			}
			if done, err := printJSON(cmd.OutOrStdout(), s); done {
				return err
			}
			printSummary(cmd.OutOrStdout(), &s)
			return nil
		},
	}
}

func newDeploymentsExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <deployment-id>",
		Short: "Start a pending deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d models.RemoteDeployment
			if err := client().do(cmd.Context(), "POST", "/api/v1/deployments/"+url.PathEscape(args[0])+"/execute", nil, nil, &d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s started (%s)\n", d.ID, d.Phase)
			return nil
		},
	}
}

func printDeployments(out io.Writer, deployments []*models.RemoteDeployment) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPHASE\tTARGETS\tMODE\tCREATED\tBY")
	for _, d := range deployments {
		mode := "sequential"
		if d.ParallelExecution {
			mode = fmt.Sprintf("parallel/%d", d.MaxParallel)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			d.ID, d.Name, d.Phase, len(d.TargetMachines), mode,
			d.CreatedAt.Format(time.RFC3339), d.CreatedBy)
	}
	w.Flush()
}

func printSummary(out io.Writer, s *models.DeploymentSummary) {
	fmt.Fprintf(out, "Deployment %s: %s, %.1f%% overall\n", s.DeploymentID, s.Phase, s.OverallProgress)
	fmt.Fprintf(out, "%d machines: %d succeeded, %d failed, %d in progress, %d pending\n\n",
		s.TotalMachines, s.Succeeded, s.Failed, s.InProgress, s.Pending)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MACHINE\tPHASE\tPROGRESS\tSTEP\tAPPLIED\tFAILED")
	for _, p := range s.Machines {
		fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%s\t%d\t%d\n",
			p.MachineID, p.Phase, p.ProgressPercent, p.CurrentStep, p.PoliciesApplied, p.PoliciesFailed)
	}
	w.Flush()
}

func boolPtr(v bool) *bool {
	return &v
}
