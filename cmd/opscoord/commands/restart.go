package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pixperk/opscoord/pkg/client"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart SERVICE...",
	Short: "Ask a node to restart services once it holds the restart lock",
	Args:  cobra.MinimumNArgs(1),
	RunE:  requestRestart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a node's requests, grants and restart state",
	RunE:  printStatus,
}

func init() {
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)

	for _, c := range []*cobra.Command{restartCmd, statusCmd} {
		c.Flags().String("addr", "127.0.0.1:8080", "HTTP address of the node")
		c.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	}
	restartCmd.Flags().StringToString("context", nil, "Key=value pairs handed to the restart hooks")
}

func requestRestart(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	kv, _ := cmd.Flags().GetStringToString("context")

	opCtx := make(map[string]any, len(kv))
	for k, v := range kv {
		opCtx[k] = v
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c := client.NewClient(timeout, zerolog.Nop())
	if err := c.RequestRestart(ctx, addr, client.RestartRequest{Services: args, Context: opCtx}); err != nil {
		return fmt.Errorf("request restart: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restart of %v queued on %s\n", args, addr)
	return nil
}

func printStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c := client.NewClient(timeout, zerolog.Nop())
	status, err := c.Status(ctx, addr)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
