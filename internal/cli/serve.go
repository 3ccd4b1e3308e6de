package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	roomsignal "github.com/roach88/roomdb/internal/signal"
)

// DefaultRelayPort is the relay's listen port when none is given.
const DefaultRelayPort = 8081

// NewSignalCommand creates the signaling relay command. The port is a
// single optional positional argument.
func NewSignalCommand() *cobra.Command {
	verbose := false

	cmd := &cobra.Command{
		Use:   "roomdb-signal [port]",
		Short: "Run the signaling relay",
		Long: `Run the signaling relay that peers of a room use to find each other
and exchange connection handshakes.

The relay keeps no state beyond live room membership; peers authenticate
with nothing but the room token in the URL.

Example:
  roomdb-signal
  roomdb-signal 9000`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port := DefaultRelayPort
			if len(args) == 1 {
				p, err := strconv.Atoi(args[0])
				if err != nil || p < 0 || p > 65535 {
					return fmt.Errorf("invalid port %q", args[0])
				}
				port = p
			}
			return serveRelay(port, verbose)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	return cmd
}

func serveRelay(port int, verbose bool) error {
	logger := setupLogging(verbose)
	relay := roomsignal.NewRelay(logger)

	server := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(port)),
		Handler: relay,
	}

	// Bind before serving so a failure surfaces as a nonzero exit.
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("bind port %d: %w", port, err)
	}
	logger.Info("signaling relay listening", "port", port)

	errs := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case <-stop:
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
