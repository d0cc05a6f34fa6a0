package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dispatchd/internal/app"
	"dispatchd/internal/dispatch"
)

type sendItem struct {
	To        string `json:"to"`
	JobID     string `json:"job_id,omitempty"`
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type sendOutput struct {
	Accepted int        `json:"accepted"`
	Sent     int        `json:"sent"`
	Failed   int        `json:"failed"`
	Items    []sendItem `json:"items"`
}

func newSendCmd() *cobra.Command {
	var (
		to       []string
		text     string
		priority string
		vars     []string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit one message to each --to, wait for the queue to drain, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			prio, err := dispatch.ParsePriority(priority)
			if err != nil {
				return err
			}
			kv, err := parseVars(vars)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopDone)
			}()

			items := make([]dispatch.BulkItem, len(to))
			for i, r := range to {
				items[i] = dispatch.BulkItem{To: r, Template: text, Vars: kv}
			}
			results := a.Dispatcher().BulkSubmit(ctx, items, prio)

			wctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			waitErr := a.WaitIdle(wctx)

			out := sendOutput{Items: make([]sendItem, len(results))}
			for i, r := range results {
				it := sendItem{To: r.To}
				if r.Err != nil {
					it.Status, it.Error = "rejected", r.Err.Error()
					out.Failed++
					out.Items[i] = it
					continue
				}
				out.Accepted++
				it.JobID = r.Receipt.JobID
				it.Status = string(dispatch.StatusQueued)
				if j, ok := a.Dispatcher().Job(r.Receipt.JobID); ok {
					it.Status, it.MessageID, it.Error = string(j.Status), j.MessageID, j.Error
				}
				switch dispatch.Status(it.Status) {
				case dispatch.StatusSent:
					out.Sent++
				default:
					out.Failed++
				}
				out.Items[i] = it
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if waitErr != nil {
				return fmt.Errorf("queue did not drain: %w", waitErr)
			}
			if out.Failed > 0 {
				return fmt.Errorf("%d of %d messages not sent", out.Failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&to, "to", nil, "Recipient phone number (repeatable, required)")
	cmd.Flags().StringVar(&text, "text", "", "Message text; a text/template rendered with --var values (required)")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Job priority: normal or high")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Template variable as key=value (repeatable)")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Minute, "Maximum time to wait for the queue to drain")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func parseVars(in []string) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for _, kv := range in {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.New("invalid --var " + kv + " (want key=value)")
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
