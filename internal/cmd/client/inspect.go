package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type partitionStats struct {
	PartitionID           int32  `json:"partitionId"`
	LastSeq               uint64 `json:"lastSeq"`
	AppliedSeq            uint64 `json:"appliedSeq"`
	BufferedMessages      int64  `json:"bufferedMessages"`
	PendingHandshakes     int    `json:"pendingHandshakes"`
	Healthy               bool   `json:"healthy"`
	Correlated            uint64 `json:"correlated"`
	StartEventsTriggered  uint64 `json:"startEventsTriggered"`
	Expired               uint64 `json:"expired"`
	Duplicates            uint64 `json:"duplicates"`
	SubscriptionsRejected uint64 `json:"subscriptionsRejected"`
}

type statsBody struct {
	Partitions []partitionStats `json:"partitions"`
	Total      partitionStats   `json:"total"`
}

// NewStatsCommand constructs the `stats` command.
func NewStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-partition correlation stats",
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			var body statsBody
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/stats", nil, &body); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), body)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PARTITION\tAPPLIED\tLAST\tBUFFERED\tPENDING\tCORRELATED\tSTARTED\tEXPIRED\tHEALTHY")
			row := func(name string, s partitionStats) {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%t\n", name, s.AppliedSeq, s.LastSeq,
					s.BufferedMessages, s.PendingHandshakes, s.Correlated, s.StartEventsTriggered, s.Expired, s.Healthy)
			}
			for _, s := range body.Partitions {
				row(strconv.Itoa(int(s.PartitionID)), s)
			}
			row("total", body.Total)
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Print raw JSON")
	return cmd
}

type logPage struct {
	Partition int32             `json:"partition"`
	Entries   []json.RawMessage `json:"entries"`
	Next      string            `json:"next"`
}

// NewInspectCommand constructs the `inspect` command, which pages through a
// partition's command log and prints one JSON entry per line.
func NewInspectCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a partition's command log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid, _ := cmd.Flags().GetInt32("partition")
			limit, _ := cmd.Flags().GetInt("limit")
			reverse, _ := cmd.Flags().GetBool("reverse")
			start, _ := cmd.Flags().GetString("start")
			all, _ := cmd.Flags().GetBool("all")

			out := cmd.OutOrStdout()
			for {
				q := url.Values{}
				q.Set("partition", strconv.Itoa(int(pid)))
				q.Set("limit", strconv.Itoa(limit))
				if reverse {
					q.Set("reverse", "true")
				}
				if start != "" {
					q.Set("start", start)
				}
				var page logPage
				if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/log?"+q.Encode(), nil, &page); err != nil {
					return err
				}
				for _, e := range page.Entries {
					fmt.Fprintln(out, string(e))
				}
				if !all || page.Next == "" {
					if page.Next != "" {
						fmt.Fprintf(cmd.ErrOrStderr(), "next: %s\n", page.Next)
					}
					return nil
				}
				start = page.Next
			}
		},
	}
	cmd.Flags().Int32("partition", 1, "Partition id")
	cmd.Flags().Int("limit", 100, "Entries per page")
	cmd.Flags().Bool("reverse", false, "Newest first")
	cmd.Flags().String("start", "", "Resume token printed by a previous call")
	cmd.Flags().Bool("all", false, "Follow resume tokens to the end of the log")
	return cmd
}
