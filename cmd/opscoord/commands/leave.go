package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pixperk/opscoord/pkg/client"
	"github.com/pixperk/opscoord/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var leaveCmd = &cobra.Command{
	Use:   "leave NODE_ID",
	Short: "Remove a node from the raft cluster and withdraw its requests",
	Args:  cobra.ExactArgs(1),
	RunE:  leave,
}

func init() {
	rootCmd.AddCommand(leaveCmd)

	leaveCmd.Flags().String("addr", "127.0.0.1:7001", "HTTP address of the raft leader")
	leaveCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
}

func leave(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c := client.NewClient(timeout, zerolog.Nop())
	if err := c.Leave(ctx, addr, types.NodeID(args[0])); err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s left the cluster\n", args[0])
	return nil
}
