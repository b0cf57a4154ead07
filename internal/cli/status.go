package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/threadkeeper/internal/config"
	"github.com/harun/threadkeeper/internal/daemon"
	"github.com/harun/threadkeeper/pkg/gateway"
	"github.com/spf13/cobra"
)

const statsTimeout = 3 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the Threadkeeper daemon.
When the gateway is enabled the conversation counts are fetched from its
/stats endpoint.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessRunning(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	if !cfg.Gateway.Enabled {
		return nil
	}
	payload, err := fetchStats(commandContext(cmd), statsURL(cfg.Gateway), cfg.Gateway.SharedSecret)
	if err != nil {
		fmt.Fprintf(out, "Stats: unavailable (%v)\n", err)
		return nil
	}
	printStats(out, payload)
	return nil
}

// statsURL points at the local gateway. A wildcard bind address is reached
// over loopback.
func statsURL(gw config.GatewayConfig) string {
	host := gw.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(gw.Port)) + "/stats"
}

func fetchStats(ctx context.Context, url, secret string) (gateway.StatusPayload, error) {
	var payload gateway.StatusPayload

	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return payload, err
	}
	if secret != "" {
		req.Header.Set("X-Threadkeeper-Secret", secret)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return payload, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return payload, fmt.Errorf("gateway returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return payload, fmt.Errorf("failed to decode stats: %w", err)
	}
	return payload, nil
}

func printStats(out io.Writer, p gateway.StatusPayload) {
	fmt.Fprintf(out, "Active conversations: %d\n", p.Active)
	fmt.Fprintf(out, "Total conversations: %d\n", p.Total)
	if p.StorageTarget != "" {
		fmt.Fprintf(out, "Storage: %s\n", p.StorageTarget)
	}
	fmt.Fprintf(out, "Gateway clients: %d\n", p.Clients)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
