package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/forkpool/internal/admin"
	"github.com/psantana5/forkpool/pkg/auth"
	"github.com/psantana5/forkpool/pkg/retry"
)

var (
	statusAddr    string
	statusJSON    bool
	statusRetries int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running pool",
	Long:  `Queries the admin endpoint of a running forkpool serve and prints the pool state and its workers.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusAddr, "admin", "", "admin endpoint address (default from config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw JSON status")
	statusCmd.Flags().IntVar(&statusRetries, "retries", 2, "retries for transient connection errors")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := statusAddr
	if addr == "" {
		addr = cfg.Admin.Addr
	}
	if addr == "" {
		return fmt.Errorf("admin endpoint is disabled; pass --admin")
	}
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	body, err := fetchStatus(cmd.Context(), url+"/status", cfg.Admin.Token)
	if err != nil {
		return err
	}

	if statusJSON {
		_, err := os.Stdout.Write(body)
		return err
	}

	var st admin.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return printStatus(cmd.OutOrStdout(), st)
}

func fetchStatus(ctx context.Context, url, token string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	cfg := retry.DefaultConfig()
	cfg.MaxRetries = statusRetries
	cfg.InitialBackoff = 200 * time.Millisecond
	cfg.Retryable = retry.IsRetryable

	var body []byte
	_, err := retry.Do(ctx, cfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		auth.SetBearer(req, token)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to connect to admin endpoint: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("admin error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		body = data
		return nil
	})
	return body, err
}

func printStatus(w io.Writer, st admin.StatusResponse) error {
	fmt.Fprintf(w, "Instance: %s\n", st.Instance)
	fmt.Fprintf(w, "State:    %s (%s)\n", st.State, st.Health)
	fmt.Fprintf(w, "Address:  %s [%s]\n", st.Addr, st.Mode)
	fmt.Fprintf(w, "Workers:  %d/%d live, %d respawns, %d crashes\n\n", st.Live, st.Target, st.Respawns, st.Crashes)

	if len(st.Workers) == 0 {
		fmt.Fprintln(w, "No workers")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("Slot", "PID", "State", "Restarts", "Uptime", "RSS", "CPU", "Last Exit")

	now := st.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	for _, rec := range st.Workers {
		rss, cpu := "-", "-"
		if u, ok := st.Usage[rec.PID]; ok && u.Alive {
			rss = formatBytes(u.RSSBytes)
			cpu = fmt.Sprintf("%.1f%%", u.CPUPercent)
		}
		lastExit := "-"
		if rec.LastExit != nil {
			lastExit = rec.LastExit.String()
		}
		table.Append(
			fmt.Sprintf("%d", rec.Slot),
			fmt.Sprintf("%d", rec.PID),
			string(rec.State),
			fmt.Sprintf("%d", rec.Restarts),
			rec.Uptime(now).Truncate(time.Second).String(),
			rss,
			cpu,
			lastExit,
		)
	}
	return table.Render()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
