package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"request-governor/internal/config"
	"request-governor/internal/handler"
)

func statusCmd() *cobra.Command {
	var (
		addr    string
		output  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show learned limits and health of a running governor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st, raw, err := fetchStatus(ctx, addr)
			if err != nil {
				return err
			}
			switch output {
			case "json":
				_, err = cmd.OutOrStdout().Write(raw)
				return err
			case "table":
				fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
				return nil
			}
			return fmt.Errorf("unsupported output format: %s", output)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "governor base URL")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table|json)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (*handler.RateLimitStatus, []byte, error) {
	url := strings.TrimSuffix(addr, "/") + "/api/rate-limits/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var st handler.RateLimitStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, raw, nil
}

func renderStatus(st *handler.RateLimitStatus) string {
	ids := make([]string, 0, len(st.Endpoints))
	for id := range st.Endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Endpoint", "Health", "Active", "Ceiling", "Confidence", "Success", "Avg latency", "Samples", "Disabled until"})
	for _, id := range ids {
		ep := st.Endpoints[id]
		until := "-"
		if !ep.DisabledUntil.IsZero() {
			until = ep.DisabledUntil.Local().Format(time.TimeOnly)
		}
		t.AppendRow(table.Row{
			id,
			string(ep.Health),
			ep.Active,
			fmt.Sprintf("%.1f / %.0f", ep.Ceiling, ep.MaxCeiling),
			fmt.Sprintf("%.2f", ep.Confidence),
			fmt.Sprintf("%.0f%%", ep.RecentSuccessRate*100),
			fmt.Sprintf("%.0fms", ep.AvgLatencyMs),
			ep.Samples,
			until,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", len(ids), st.GeneratedAt.Local().Format(time.DateTime)})
	return t.Render()
}

func endpointsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List the endpoints declared in configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEndpoints(cfg))
			return nil
		},
	}
}

func renderEndpoints(cfg *config.Config) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Provider", "Capability", "URL", "Ceiling", "Max"})
	for _, ep := range cfg.Endpoints {
		ceiling, maxCeiling := ep.Ceiling, ep.MaxCeiling
		if ceiling == 0 {
			ceiling = cfg.Governor.DefaultCeiling
		}
		if maxCeiling == 0 {
			maxCeiling = cfg.Governor.HardMaxCeiling
		}
		t.AppendRow(table.Row{ep.ID, ep.Provider, ep.Capability, ep.URL, ceiling, maxCeiling})
	}
	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("window %s", cfg.Governor.Window), "", len(cfg.Endpoints)})
	return t.Render()
}
