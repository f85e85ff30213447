// Command ft is the FrankenTerm CLI: a thin cobra wrapper over ftd's
// unix-socket JSON-envelope API, the same split as wingthing's wt/wtd.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/frankenterm/internal/config"
	"github.com/Dicklesworthstone/frankenterm/internal/ftclient"
)

func main() {
	var dataDir string

	root := &cobra.Command{
		Use:   "ft",
		Short: "FrankenTerm CLI: observe, query, and act on swarm panes",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.frankenterm)")

	root.AddCommand(
		stateCmd(&dataDir),
		getCmd(&dataDir),
		sendCmd(&dataDir),
		waitCmd(&dataDir),
		searchCmd(&dataDir),
		eventsCmd(&dataDir),
		workflowCmd(&dataDir),
		muteCmd(&dataDir),
		doctorCmd(&dataDir),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func clientFor(dataDir *string) *ftclient.Client {
	dir := *dataDir
	if dir == "" {
		d, err := config.DefaultDataDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error resolving data dir: %v\n", err)
			os.Exit(1)
		}
		dir = d
	}
	return ftclient.New(config.SocketPath(dir))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func stateCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "List observed panes and their runtime state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			var panes []struct {
				PaneID       int64  `json:"pane_id"`
				Title        string `json:"title"`
				Domain       string `json:"domain"`
				AltScreen    bool   `json:"alt_screen"`
				PromptActive bool   `json:"prompt_active"`
				Closed       bool   `json:"closed"`
			}
			if err := c.Get(cmd.Context(), "/state", &panes); err != nil {
				return err
			}
			if len(panes) == 0 {
				fmt.Println("no panes observed")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PANE\tTITLE\tDOMAIN\tALT\tPROMPT\tCLOSED")
			for _, p := range panes {
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%v\t%v\n", p.PaneID, p.Title, p.Domain, p.AltScreen, p.PromptActive, p.Closed)
			}
			return w.Flush()
		},
	}
}

func getCmd(dataDir *string) *cobra.Command {
	var pane int64
	var mode string
	var lines int
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print a pane's captured text",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			path := fmt.Sprintf("/text?pane=%d&mode=%s&lines=%d", pane, mode, lines)
			var out struct {
				Text string `json:"text"`
			}
			if err := c.Get(cmd.Context(), path, &out); err != nil {
				return err
			}
			fmt.Print(out.Text)
			return nil
		},
	}
	cmd.Flags().Int64Var(&pane, "pane", 0, "pane id")
	cmd.Flags().StringVar(&mode, "mode", "scrollback", "scrollback|viewport|escapes")
	cmd.Flags().IntVar(&lines, "lines", 200, "scrollback lines")
	cmd.MarkFlagRequired("pane")
	return cmd
}

func sendCmd(dataDir *string) *cobra.Command {
	var pane int64
	var dryRun bool
	var pasteMode string
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send text to a pane, gated by the policy engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			req := map[string]any{
				"pane_id":    pane,
				"text":       args[0],
				"paste_mode": pasteMode,
				"dry_run":    dryRun,
			}
			var resp struct {
				Verdict           string `json:"verdict"`
				DenyCode          string `json:"deny_code"`
				DenyMessage       string `json:"deny_message"`
				ApprovalToken     string `json:"approval_token"`
				ApprovalExpiresMS int64  `json:"approval_expires_ms"`
				Sent              bool   `json:"sent"`
			}
			if err := c.Post(cmd.Context(), "/send", req, &resp); err != nil {
				return err
			}
			switch resp.Verdict {
			case "allow":
				fmt.Printf("sent: %v\n", resp.Sent)
			case "deny":
				fmt.Printf("denied: %s (%s)\n", resp.DenyMessage, resp.DenyCode)
			case "require_approval":
				fmt.Printf("approval required: token=%s expires_at_ms=%d\n", resp.ApprovalToken, resp.ApprovalExpiresMS)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&pane, "pane", 0, "pane id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate policy only, do not send")
	cmd.Flags().StringVar(&pasteMode, "paste-mode", "bracketed", "bracketed|keystroke")
	cmd.MarkFlagRequired("pane")
	return cmd
}

func waitCmd(dataDir *string) *cobra.Command {
	var pane int64
	var ruleID string
	var timeoutMS int64
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until a matching detection arrives on a pane",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			req := map[string]any{"pane_id": pane, "rule_id": ruleID, "timeout_ms": timeoutMS}
			var resp struct {
				Matched bool   `json:"matched"`
				RuleID  string `json:"rule_id"`
				Snippet string `json:"snippet"`
			}
			if err := c.Post(cmd.Context(), "/wait_for", req, &resp); err != nil {
				return err
			}
			if !resp.Matched {
				fmt.Println("timed out waiting for a match")
				return nil
			}
			fmt.Printf("matched %s: %s\n", resp.RuleID, resp.Snippet)
			return nil
		},
	}
	cmd.Flags().Int64Var(&pane, "pane", 0, "pane id")
	cmd.Flags().StringVar(&ruleID, "rule-id", "", "rule id to wait for (empty matches any)")
	cmd.Flags().Int64Var(&timeoutMS, "timeout-ms", 30000, "timeout in milliseconds")
	cmd.MarkFlagRequired("pane")
	return cmd
}

func searchCmd(dataDir *string) *cobra.Command {
	var pane int64
	var limit int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Full-text search over captured pane output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			path := fmt.Sprintf("/search?query=%s&limit=%d", args[0], limit)
			if pane != 0 {
				path += "&pane=" + strconv.FormatInt(pane, 10)
			}
			var hits []struct {
				PaneID       int64  `json:"PaneID"`
				Seq          int64  `json:"Seq"`
				CapturedAtMS int64  `json:"CapturedAtMS"`
				Snippet      string `json:"Snippet"`
			}
			if err := c.Get(cmd.Context(), path, &hits); err != nil {
				return err
			}
			for _, h := range hits {
				fmt.Printf("pane=%d seq=%d %s\n", h.PaneID, h.Seq, h.Snippet)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&pane, "pane", 0, "restrict to one pane")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func eventsCmd(dataDir *string) *cobra.Command {
	var pane int64
	var ruleID string
	var unhandled bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List detection events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			path := "/events?"
			if pane != 0 {
				path += "pane=" + strconv.FormatInt(pane, 10) + "&"
			}
			if ruleID != "" {
				path += "rule_id=" + ruleID + "&"
			}
			if unhandled {
				path += "unhandled=1&"
			}
			var events []json.RawMessage
			if err := c.Get(cmd.Context(), path, &events); err != nil {
				return err
			}
			for _, e := range events {
				printJSON(json.RawMessage(e))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&pane, "pane", 0, "restrict to one pane")
	cmd.Flags().StringVar(&ruleID, "rule-id", "", "restrict to one rule")
	cmd.Flags().BoolVar(&unhandled, "unhandled", false, "only unhandled events")
	cmd.AddCommand(eventsTriageCmd(dataDir), eventsLabelCmd(dataDir))
	return cmd
}

func eventsTriageCmd(dataDir *string) *cobra.Command {
	var handled bool
	cmd := &cobra.Command{
		Use:   "triage [event-id]",
		Short: "Mark an event handled or unhandled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			return c.Post(cmd.Context(), "/events/"+args[0]+"/triage", map[string]any{"handled": handled}, nil)
		},
	}
	cmd.Flags().BoolVar(&handled, "handled", true, "handled state to set")
	return cmd
}

func eventsLabelCmd(dataDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "label [event-id] [labels...]",
		Short: "Replace an event's label set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			return c.Post(cmd.Context(), "/events/"+args[0]+"/label", map[string]any{"labels": args[1:]}, nil)
		},
	}
	return cmd
}

func workflowCmd(dataDir *string) *cobra.Command {
	wfCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run, list, and inspect workflow executions",
	}
	wfCmd.AddCommand(workflowRunCmd(dataDir), workflowListCmd(dataDir), workflowStatusCmd(dataDir), workflowDryRunCmd(dataDir))
	return wfCmd
}

func workflowRunCmd(dataDir *string) *cobra.Command {
	var pane int64
	var force bool
	cmd := &cobra.Command{
		Use:   "run [name]",
		Short: "Run a named workflow against a pane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			var resp struct {
				ExecutionID string `json:"execution_id"`
			}
			req := map[string]any{"name": args[0], "pane_id": pane, "force": force}
			if err := c.Post(cmd.Context(), "/workflow/run", req, &resp); err != nil {
				return err
			}
			fmt.Printf("started: %s\n", resp.ExecutionID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&pane, "pane", 0, "pane id")
	cmd.Flags().BoolVar(&force, "force", false, "run even if the pane already has a running execution")
	cmd.MarkFlagRequired("pane")
	return cmd
}

func workflowListCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded workflow specs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			var specs []struct {
				Name    string `json:"name"`
				Trigger string `json:"trigger"`
				Steps   int    `json:"steps"`
			}
			if err := c.Get(cmd.Context(), "/workflow/list", &specs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTRIGGER\tSTEPS")
			for _, s := range specs {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.Name, s.Trigger, s.Steps)
			}
			return w.Flush()
		},
	}
}

func workflowStatusCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show a workflow execution's status and step log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			var resp map[string]any
			if err := c.Get(cmd.Context(), "/workflow/status/"+args[0], &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func workflowDryRunCmd(dataDir *string) *cobra.Command {
	var pane int64
	cmd := &cobra.Command{
		Use:   "dry-run [name]",
		Short: "Preview a workflow's steps without executing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			var report map[string]any
			req := map[string]any{"name": args[0], "pane_id": pane}
			if err := c.Post(cmd.Context(), "/workflow/dry_run", req, &report); err != nil {
				return err
			}
			printJSON(report)
			return nil
		},
	}
	cmd.Flags().Int64Var(&pane, "pane", 0, "pane id")
	cmd.MarkFlagRequired("pane")
	return cmd
}

func muteCmd(dataDir *string) *cobra.Command {
	muteRoot := &cobra.Command{
		Use:   "mute",
		Short: "Manage dedup-key mutes",
	}
	muteRoot.AddCommand(muteAddCmd(dataDir), muteListCmd(dataDir), muteRemoveCmd(dataDir))
	return muteRoot
}

func muteAddCmd(dataDir *string) *cobra.Command {
	var expiresAtMS int64
	cmd := &cobra.Command{
		Use:   "add [dedup-key]",
		Short: "Mute a dedup key, optionally until an expiry timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			req := map[string]any{"dedup_key": args[0]}
			if expiresAtMS > 0 {
				req["expires_at_ms"] = expiresAtMS
			}
			return c.Post(cmd.Context(), "/mute/add", req, nil)
		},
	}
	cmd.Flags().Int64Var(&expiresAtMS, "expires-at-ms", 0, "unix ms expiry (0 = indefinite)")
	return cmd
}

func muteListCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active mutes",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			var mutes []struct {
				DedupKey    string `json:"DedupKey"`
				ExpiresAtMS *int64 `json:"ExpiresAtMS"`
			}
			if err := c.Get(cmd.Context(), "/mute/list", &mutes); err != nil {
				return err
			}
			for _, m := range mutes {
				if m.ExpiresAtMS != nil {
					fmt.Printf("%s (expires %s)\n", m.DedupKey, time.UnixMilli(*m.ExpiresAtMS).Format(time.RFC3339))
				} else {
					fmt.Printf("%s (indefinite)\n", m.DedupKey)
				}
			}
			return nil
		},
	}
}

func muteRemoveCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove [dedup-key]",
		Short: "Remove a mute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			return c.Post(cmd.Context(), "/mute/remove", map[string]any{"dedup_key": args[0]}, nil)
		},
	}
}

func doctorCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run integrity and audit-chain self-checks against ftd",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(dataDir)
			var resp map[string]any
			if err := c.Get(cmd.Context(), "/doctor", &resp); err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}
