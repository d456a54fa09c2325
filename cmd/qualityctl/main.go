// Command qualityctl inspects the control plane's quality-gate metrics from
// the terminal. It talks to a running server over its REST API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type clientOptions struct {
	serverURL string
	ownerID   string
	ownerRole string
	window    string
	timeout   time.Duration
}

func main() {
	opts := &clientOptions{}

	root := &cobra.Command{
		Use:           "qualityctl",
		Short:         "Inspect sigma-level quality metrics",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("CRUVZ_CONTROL_SERVER", "http://127.0.0.1:8080"), "base URL of the control-plane API")
	root.PersistentFlags().StringVar(&opts.ownerID, "owner", envOr("CRUVZ_CONTROL_OWNER", "qualityctl"), "owner identity sent with requests")
	root.PersistentFlags().StringVar(&opts.ownerRole, "role", "", "owner role sent with requests")
	root.PersistentFlags().StringVar(&opts.window, "window", "24h", "reporting window, e.g. 1h or 72h")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout")

	var category string
	aggregate := &cobra.Command{
		Use:   "aggregate",
		Short: "Show per-category sigma rollups",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"window": {opts.window}}
			if category != "" {
				query.Set("category", category)
			}
			return opts.fetch(cmd.OutOrStdout(), "/api/quality/aggregate", query)
		},
	}
	aggregate.Flags().StringVar(&category, "category", "", "restrict to one metric category")

	report := &cobra.Command{
		Use:   "report",
		Short: "Show the full compliance report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.fetch(cmd.OutOrStdout(), "/api/quality/report", url.Values{"window": {opts.window}})
		},
	}

	root.AddCommand(aggregate, report)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (o *clientOptions) fetch(out io.Writer, path string, query url.Values) error {
	base := strings.TrimRight(o.serverURL, "/")
	endpoint := base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Owner-Id", o.ownerID)
	if o.ownerRole != "" {
		req.Header.Set("X-Owner-Role", o.ownerRole)
	}

	client := &http.Client{Timeout: o.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(pretty)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
