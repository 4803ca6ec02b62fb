package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskgate/adminapi"
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Trigger or clear the emergency shutdown of an account",
	Long: `Talk to a running riskgate over its administrative API. Every action
is recorded in the audit log against --actor.

Examples:
  riskgate shutdown trigger acct-1 --actor alice --reason "broker outage"
  riskgate shutdown clear acct-1 --actor alice --reason "resumed"`,
}

var shutdownTriggerCmd = &cobra.Command{
	Use:   "trigger <account>",
	Short: "Latch emergency shutdown for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "/v1/accounts/"+url.PathEscape(args[0])+"/shutdown")
	},
}

var shutdownClearCmd = &cobra.Command{
	Use:   "clear <account>",
	Short: "Return an account to normal trading",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodDelete, "/v1/accounts/"+url.PathEscape(args[0])+"/shutdown")
	},
}

var strategyCmd = &cobra.Command{
	Use:   "strategy",
	Short: "Manage strategy risk budgets",
}

var strategyEnableCmd = &cobra.Command{
	Use:   "enable <strategy> <symbol>",
	Short: "Re-enable a strategy disabled by its losing streak",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "/v1/strategies/"+url.PathEscape(args[0])+"/"+url.PathEscape(args[1])+"/enable")
	},
}

var peakResetCmd = &cobra.Command{
	Use:   "reset-peak <account>",
	Short: "Reset the peak balance of an account to its current balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "/v1/accounts/"+url.PathEscape(args[0])+"/peak/reset")
	},
}

var (
	adminAddr   string
	adminActor  string
	adminReason string
)

func init() {
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(strategyCmd)
	rootCmd.AddCommand(peakResetCmd)
	shutdownCmd.AddCommand(shutdownTriggerCmd)
	shutdownCmd.AddCommand(shutdownClearCmd)
	strategyCmd.AddCommand(strategyEnableCmd)

	for _, c := range []*cobra.Command{shutdownCmd, strategyCmd, peakResetCmd} {
		c.PersistentFlags().StringVar(&adminAddr, "addr", "", "riskgate base URL (default http://<http.addr>)")
		c.PersistentFlags().StringVar(&adminActor, "actor", os.Getenv("USER"), "operator identity recorded in the audit log")
		c.PersistentFlags().StringVar(&adminReason, "reason", "", "free text recorded with the action")
	}
}

func adminBaseURL() string {
	if adminAddr != "" {
		return strings.TrimRight(adminAddr, "/")
	}
	addr := cfg.HTTP.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func adminCall(cmd *cobra.Command, method, path string) error {
	if strings.TrimSpace(adminActor) == "" {
		return fmt.Errorf("--actor is required")
	}
	body, err := json.Marshal(map[string]string{"reason": adminReason})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, adminBaseURL()+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(adminapi.ActorHeader, adminActor)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Write(data)
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(pretty.String()))
	return nil
}
