package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/roomdb/internal/node"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	DataDir string
	Name    string
	URL     string
	Token   string
}

// NewRunCommand creates the run command: start a node, join a room, and
// replicate until interrupted.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and join a room",
		Long: `Start a roomdb node, connect it to a signaling relay, and keep
replicating until interrupted.

Example:
  roomdb run --data ./data --url ws://localhost:8081 --token my-room
  roomdb run --data /tmp/n1 --name demo --url wss://relay.example --token shared-secret -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data", "", "directory for node-local stores (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "logical database name")
	cmd.Flags().StringVar(&opts.URL, "url", "", "signaling relay URL (required)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "room token (required)")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func runNode(opts *RunOptions) error {
	logger := setupLogging(opts.Verbose)

	n := node.New(node.Config{
		DataDir: opts.DataDir,
		Name:    opts.Name,
		Logger:  logger,
	})

	logger.Info("initializing node", "node", n.NodeID(), "data", opts.DataDir)
	if err := n.Init(); err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Error("error closing node", "error", err)
		}
	}()

	n.On(node.EventPeerReady, func(args ...any) {
		logger.Info("peer ready", "peer", args[0])
	})
	n.On(node.EventPeerLeave, func(args ...any) {
		logger.Info("peer left", "peer", args[0])
	})
	n.On(node.EventSync, func(args ...any) {
		logger.Info("synced", "ops", args[0], "peer", args[1])
	})
	n.On(node.EventReconnecting, func(args ...any) {
		logger.Warn("signaling reconnect", "attempt", args[0])
	})
	n.On(node.EventError, func(args ...any) {
		logger.Error("node error", "error", args[0])
	})

	logger.Info("connecting", "url", opts.URL)
	if err := n.Connect(opts.URL, opts.Token); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	logger.Info("connected; replicating until interrupted")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	return nil
}
