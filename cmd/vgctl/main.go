package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// vgctl is the operator's handle on a running supervisor: inspect state,
// throw or clear the kill switch, move the deployment phase, and work the
// approval queue.

var (
	serverURL string
	operator  string
)

func main() {
	root := &cobra.Command{
		Use:           "vgctl",
		Short:         "control a running volguard supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "supervisor admin address")
	root.PersistentFlags().StringVar(&operator, "by", os.Getenv("USER"), "operator id recorded in the audit trail")

	root.AddCommand(statusCmd(), historyCmd(), killSwitchCmd(), resetCmd(), shutdownCmd(), phaseCmd(), approvalsCmd(), proposeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show safety mode, phase and the effective action",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1/status", nil)
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "show safety transitions and emergency attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1/safety/history", nil)
		},
	}
}

func killSwitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill-switch",
		Short: "assert or clear the manual kill switch",
	}

	var reason string
	assert := &cobra.Command{
		Use:   "assert",
		Short: "pin EMERGENCY and flatten the book",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(); err != nil {
				return err
			}
			return call(http.MethodPost, "/api/v1/safety/kill-switch",
				map[string]string{"by": operator, "reason": reason})
		},
	}
	assert.Flags().StringVar(&reason, "reason", "", "why the switch is being thrown")

	clear := &cobra.Command{
		Use:   "clear",
		Short: "drop the flag (mode stays EMERGENCY until reset)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(); err != nil {
				return err
			}
			return call(http.MethodDelete, "/api/v1/safety/kill-switch", map[string]string{"by": operator})
		},
	}

	cmd.AddCommand(assert, clear)
	return cmd
}

func resetCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "manually recover from EMERGENCY into HALTED",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(); err != nil {
				return err
			}
			return call(http.MethodPost, "/api/v1/safety/reset",
				map[string]string{"by": operator, "reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "incident resolution note")
	return cmd
}

func shutdownCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "terminal stop; requires a process restart to resume",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(); err != nil {
				return err
			}
			return call(http.MethodPost, "/api/v1/safety/shutdown",
				map[string]string{"by": operator, "reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the process is being stopped")
	return cmd
}

func phaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase [shadow|semi_auto|full_auto]",
		Short: "show or change the deployment phase",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return call(http.MethodGet, "/api/v1/phase", nil)
			}
			if err := requireOperator(); err != nil {
				return err
			}
			return call(http.MethodPut, "/api/v1/phase",
				map[string]string{"phase": args[0], "by": operator})
		},
	}
	return cmd
}

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "work the pending approval queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "show pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(http.MethodGet, "/api/v1/approvals", nil)
		},
	}

	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "approve a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(); err != nil {
				return err
			}
			return call(http.MethodPost, "/api/v1/approvals/"+args[0]+"/approve",
				map[string]string{"by": operator})
		},
	}

	var reason string
	reject := &cobra.Command{
		Use:   "reject <id>",
		Short: "reject a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(); err != nil {
				return err
			}
			return call(http.MethodPost, "/api/v1/approvals/"+args[0]+"/reject",
				map[string]string{"by": operator, "reason": reason})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "why the decision is rejected")

	cmd.AddCommand(list, approve, reject)
	return cmd
}

func proposeCmd() *cobra.Command {
	var (
		instrument string
		side       string
		quantity   int64
		deltaAdd   float64
		marginAdd  float64
	)
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "submit a trade proposal for the next cycle's disposition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOperator(); err != nil {
				return err
			}
			if instrument == "" || quantity == 0 {
				return fmt.Errorf("--instrument and --quantity are required")
			}
			return call(http.MethodPost, "/api/v1/decisions", map[string]any{
				"by": operator, "instrument": instrument, "side": side,
				"quantity": quantity, "delta_add": deltaAdd, "margin_add": marginAdd,
			})
		},
	}
	cmd.Flags().StringVar(&instrument, "instrument", "", "instrument to trade")
	cmd.Flags().StringVar(&side, "side", "BUY", "BUY or SELL")
	cmd.Flags().Int64Var(&quantity, "quantity", 0, "lot quantity")
	cmd.Flags().Float64Var(&deltaAdd, "delta", 0, "incremental portfolio delta")
	cmd.Flags().Float64Var(&marginAdd, "margin", 0, "incremental margin requirement")
	return cmd
}

func requireOperator() error {
	if operator == "" {
		return fmt.Errorf("--by is required (or set USER)")
	}
	return nil
}

// call issues the request and pretty-prints the JSON response.
func call(method, path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, serverURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return nil
}
