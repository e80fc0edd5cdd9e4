package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/router"
)

func newHealthCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running instance and print provider health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + addr + "/health")
			if err != nil {
				return fmt.Errorf("health endpoint unreachable: %w", err)
			}
			defer resp.Body.Close()

			var body struct {
				Status    string          `json:"status"`
				Providers []router.Health `json:"providers"`
				Timestamp string          `json:"timestamp"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("health response malformed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s  (%s)\n\n", body.Status, body.Timestamp)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tRANK\tSTATUS\tENABLED\tRECENT ERRORS\tUSAGE")
			for _, p := range body.Providers {
				fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%d\t%d\n",
					p.Name, p.Rank, p.Status, p.Enabled, p.RecentErrors, p.Usage)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if body.Status != "ok" {
				return fmt.Errorf("instance reports %s", body.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "ops server address")
	return cmd
}
