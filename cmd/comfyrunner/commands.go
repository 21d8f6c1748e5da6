package main

import (
	"fmt"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/richinsley/comfyrunner/client"
	"github.com/richinsley/comfyrunner/runner"
)

type runOutput struct {
	PromptID string                  `json:"prompt_id,omitempty"`
	Status   client.CompletionStatus `json:"status"`
	Skipped  bool                    `json:"skipped,omitempty"`
}

func (a *app) runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "wait for the server, submit the workflow and track it to completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			noProgress, _ := cmd.Flags().GetBool("no-progress")
			interrupt, _ := cmd.Flags().GetBool("interrupt-on-timeout")
			erase, _ := cmd.Flags().GetBool("erase-history")

			handlers := client.DefaultEventHandlers(a.logger)
			if !noProgress {
				a.attachProgress(handlers)
			}
			opts := []runner.Option{
				runner.WithLogger(a.logger),
				runner.WithEventHandlers(handlers),
			}
			if a.cfg.Workflow.CheckPath != "" {
				checker, err := runner.NewWorkflowCacheChecker(a.cfg, a.client, a.logger)
				if err != nil {
					return err
				}
				opts = append(opts, runner.WithCacheChecker(checker))
			}

			r, err := runner.New(a.cfg, a.client, opts...)
			if err != nil {
				return err
			}
			result, err := r.RunAsync(ctx).Wait()
			if err != nil {
				return err
			}

			if result.Status == client.StatusTimedOut && interrupt {
				if err := a.client.Interrupt(ctx); err != nil {
					a.logger.Error("Failed to interrupt prompt", "prompt_id", result.PromptID, "endpoint", "/interrupt", "error", err)
				} else {
					a.logger.Info("Interrupted prompt", "prompt_id", result.PromptID)
				}
			}
			if result.Status == client.StatusCompleted && erase && !result.Skipped {
				if err := a.client.EraseHistoryItem(ctx, result.PromptID); err != nil {
					a.logger.Error("Failed to erase history", "prompt_id", result.PromptID, "endpoint", "/history", "error", err)
				}
			}

			out := runOutput{PromptID: result.PromptID, Status: result.Status, Skipped: result.Skipped}
			text := fmt.Sprintf("%s %s", result.PromptID, result.Status)
			if result.Skipped {
				text = "skipped: already cached"
			}
			if err := a.print(cmd, out, text); err != nil {
				return err
			}
			if result.Status != client.StatusCompleted {
				return errUnconfirmed
			}
			return nil
		},
	}
	cmd.Flags().String("workflow", "", "workflow file in API format")
	cmd.Flags().String("check-path", "", "workflow that decides whether the run is needed")
	cmd.Flags().String("check-node", "", "node of the check workflow whose text output is read")
	cmd.Flags().String("cache-key", "", "key handed to the cache check")
	cmd.Flags().Bool("no-progress", false, "do not draw progress bars")
	cmd.Flags().Bool("interrupt-on-timeout", false, "interrupt the running prompt when tracking times out")
	cmd.Flags().Bool("erase-history", false, "delete the prompt's history record after it completed")
	return cmd
}

// attachProgress draws a bar per node from the progress events
func (a *app) attachProgress(handlers *client.EventHandlers) {
	var bar *progressbar.ProgressBar
	var current string
	prevExecuting := handlers.OnExecuting
	handlers.WithExecutingHandler(func(msg *client.WSMessageDataExecuting) {
		if prevExecuting != nil {
			prevExecuting(msg)
		}
		if bar != nil {
			bar.Finish()
			bar = nil
		}
		if msg.Node != nil {
			current = "node " + *msg.Node
		}
	}).WithProgressHandler(func(msg *client.WSMessageDataProgress) {
		if bar == nil {
			bar = progressbar.NewOptions(msg.Max,
				progressbar.OptionSetWriter(a.errOut),
				progressbar.OptionSetDescription(current),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(msg.Value)
	})
}

func (a *app) submitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "submit the workflow without waiting for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := runner.New(a.cfg, a.client, runner.WithLogger(a.logger))
			if err != nil {
				return err
			}
			promptID, err := r.SubmitOnly(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]string{"prompt_id": promptID, "client_id": a.client.ClientID()}
			return a.print(cmd, out, fmt.Sprintf("%s %s", promptID, a.client.ClientID()))
		},
	}
	cmd.Flags().String("workflow", "", "workflow file in API format")
	return cmd
}

func (a *app) waitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <prompt_id>",
		Short: "track an already submitted prompt to completion",
		Long: "Track an already submitted prompt to completion. Websocket events only reach the client id " +
			"the prompt was submitted with; pass it with --client-id, otherwise completion is read from the history.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.cfg.TrackOptions()
			opts.Handlers = client.DefaultEventHandlers(a.logger)
			status, err := a.client.AwaitCompletion(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			out := runOutput{PromptID: args[0], Status: status}
			if err := a.print(cmd, out, fmt.Sprintf("%s %s", args[0], status)); err != nil {
				return err
			}
			if status != client.StatusCompleted {
				return errUnconfirmed
			}
			return nil
		},
	}
}

func (a *app) inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <prompt_id> <node_id>",
		Short: "print the text output of a node of a finished prompt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := a.client.GetNodeValue(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := map[string]string{"prompt_id": args[0], "node_id": args[1], "value": value}
			return a.print(cmd, out, value)
		},
	}
}

func (a *app) locateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "locate",
		Short: "print the server address the other commands would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := map[string]string{"address": a.address, "strategy": a.cfg.Server.Locate}
			return a.print(cmd, out, a.address)
		},
	}
}

func (a *app) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print the server's system stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.client.GetSystemStats(cmd.Context())
			if err != nil {
				return err
			}
			var b strings.Builder
			fmt.Fprintf(&b, "OS: %s\n", stats.System.OS)
			fmt.Fprintf(&b, "Python Version: %s\n", stats.System.PythonVersion)
			fmt.Fprintln(&b, "Devices:")
			for _, dev := range stats.Devices {
				fmt.Fprintf(&b, "\tIndex: %d\n", dev.Index)
				fmt.Fprintf(&b, "\tName: %s\n", dev.Name)
				fmt.Fprintf(&b, "\tType: %s\n", dev.Type)
				fmt.Fprintf(&b, "\tVRAM Total %d\n", dev.VRAMTotal)
				fmt.Fprintf(&b, "\tVRAM Free %d\n", dev.VRAMFree)
				fmt.Fprintf(&b, "\tTorch VRAM Total %d\n", dev.TorchVRAMTotal)
				fmt.Fprintf(&b, "\tTorch VRAM Free %d\n", dev.TorchVRAMFree)
			}
			return a.print(cmd, stats, strings.TrimRight(b.String(), "\n"))
		},
	}
}
