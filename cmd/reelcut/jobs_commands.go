package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/reelcut/internal/server"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List a user's jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			list, err := ctx.client().userJobs(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if wantJSON(cmd.OutOrStdout(), asJSON) {
				return writeJSON(cmd, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobList(list))
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User identifier")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status and results of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := ctx.client().job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if wantJSON(cmd.OutOrStdout(), asJSON) {
				return writeJSON(cmd, view)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobView(view))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func renderJobList(list []server.JobSummary) string {
	rows := make([][]string, 0, len(list))
	for _, j := range list {
		rows = append(rows, []string{
			j.ID,
			string(j.Status),
			strconv.Itoa(j.Progress) + "%",
			string(j.OutputMode),
			strconv.Itoa(j.Clips),
			j.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(
		[]string{"ID", "Status", "Progress", "Mode", "Clips", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
	)
}

func renderJobView(v server.JobView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job:      %s\n", v.ID)
	fmt.Fprintf(&b, "Status:   %s (%d%%)\n", v.Status, v.Progress)
	fmt.Fprintf(&b, "Mode:     %s, target %s\n", v.OutputMode, formatSeconds(v.TargetDurationSeconds))
	fmt.Fprintf(&b, "Credits:  %d\n", v.Credits)
	if v.Message != "" {
		fmt.Fprintf(&b, "Message:  %s\n", v.Message)
	}
	if v.Error != "" {
		fmt.Fprintf(&b, "Error:    %s\n", v.Error)
	}
	if v.Description != "" {
		fmt.Fprintf(&b, "Summary:  %s\n", v.Description)
	}
	if len(v.Clips) == 0 {
		return strings.TrimRight(b.String(), "\n")
	}
	rows := make([][]string, 0, len(v.Clips))
	for i, c := range v.Clips {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			c.Title,
			formatSeconds(c.Start) + "-" + formatSeconds(c.End),
			formatSeconds(c.Duration),
			strconv.Itoa(c.Significance),
			c.PreviewURL,
		})
	}
	b.WriteString(renderTable(
		[]string{"#", "Title", "Source", "Length", "Score", "Preview"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
	return b.String()
}

// formatSeconds renders seconds as m:ss with one decimal.
func formatSeconds(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	m := int(sec) / 60
	return fmt.Sprintf("%d:%04.1f", m, sec-float64(m*60))
}
