package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/spf13/cobra"
)

func newMachinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "machines",
		Aliases: []string{"machine", "m"},
		Short:   "Inspect and label registered machines",
	}

	var status string
	var groups, tags []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			for _, g := range groups {
				query.Add("group", g)
			}
			for _, t := range tags {
				query.Add("tag", t)
			}

			var machines []*models.Machine
			if err := client().do(cmd.Context(), "GET", "/api/v1/machines", query, nil, &machines); err != nil {
				return err
			}
			if done, err := printJSON(cmd.OutOrStdout(), machines); done {
				return err
			}
			printMachines(cmd.OutOrStdout(), machines, time.Now())
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "only machines in this status")
	list.Flags().StringSliceVar(&groups, "group", nil, "only machines in any of these groups")
	list.Flags().StringSliceVar(&tags, "tag", nil, "only machines with any of these tags")

	get := &cobra.Command{
		Use:   "get <machine-id>",
		Short: "Show one machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m models.Machine
			if err := client().do(cmd.Context(), "GET", "/api/v1/machines/"+url.PathEscape(args[0]), nil, nil, &m); err != nil {
				return err
			}
			if done, err := printJSON(cmd.OutOrStdout(), m); done {
				return err
			}
			printMachine(cmd.OutOrStdout(), &m)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <machine-id>",
		Short: "Remove a machine from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().do(cmd.Context(), "DELETE", "/api/v1/machines/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Machine %s deleted\n", args[0])
			return nil
		},
	}

	var req models.BulkTagRequest
	tag := &cobra.Command{
		Use:   "tag <machine-id>...",
		Short: "Add or remove groups and tags on machines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.MachineIDs = args
			if req.Empty() {
				return fmt.Errorf("nothing to change: pass --add-tag, --remove-tag, --add-group or --remove-group")
			}

			var result models.BulkOperationResult
			if err := client().do(cmd.Context(), "POST", "/api/v1/machines/bulk", nil, req, &result); err != nil {
				return err
			}
			if done, err := printJSON(cmd.OutOrStdout(), result); done {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %d of %d machines\n", result.UpdatedCount, result.TotalCount)
			return nil
		},
	}
	tag.Flags().StringSliceVar(&req.AddTags, "add-tag", nil, "tags to add")
	tag.Flags().StringSliceVar(&req.RemoveTags, "remove-tag", nil, "tags to remove")
	tag.Flags().StringSliceVar(&req.AddGroups, "add-group", nil, "groups to add")
	tag.Flags().StringSliceVar(&req.RemoveGroups, "remove-group", nil, "groups to remove")

	cmd.AddCommand(list, get, del, tag)
	return cmd
}

func printMachines(out io.Writer, machines []*models.Machine, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOSTNAME\tSTATUS\tCOMPLIANCE\tLAST SEEN\tGROUPS\tTAGS")
	for _, m := range machines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s ago\t%s\t%s\n",
			m.ID, m.Hostname, m.Status, m.ComplianceScore,
			now.Sub(m.LastSeen).Round(time.Second),
			strings.Join(m.Groups, ","), strings.Join(m.Tags, ","))
	}
	w.Flush()
}

func printMachine(out io.Writer, m *models.Machine) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", m.ID)
	fmt.Fprintf(w, "Hostname:\t%s\n", m.Hostname)
	fmt.Fprintf(w, "IP address:\t%s\n", m.IPAddress)
	fmt.Fprintf(w, "OS:\t%s %s\n", m.OSVersion, m.OSBuild)
	fmt.Fprintf(w, "Agent:\t%s\n", m.AgentVersion)
	fmt.Fprintf(w, "Status:\t%s\n", m.Status)
	fmt.Fprintf(w, "Last seen:\t%s\n", m.LastSeen.Format(time.RFC3339))
	fmt.Fprintf(w, "Registered:\t%s\n", m.RegisteredAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Compliance:\t%.1f (%d applied, %d failed)\n", m.ComplianceScore, m.PoliciesApplied, m.PoliciesFailed)
	fmt.Fprintf(w, "Resources:\tcpu %.1f%%, memory %.1f%%, disk free %.1f GB\n", m.CPUUsage, m.MemoryUsed, m.DiskFree)
	fmt.Fprintf(w, "Groups:\t%s\n", strings.Join(m.Groups, ", "))
	fmt.Fprintf(w, "Tags:\t%s\n", strings.Join(m.Tags, ", "))
	if m.Location != "" {
		fmt.Fprintf(w, "Location:\t%s\n", m.Location)
	}
	if m.Department != "" {
		fmt.Fprintf(w, "Department:\t%s\n", m.Department)
	}
	w.Flush()
}
