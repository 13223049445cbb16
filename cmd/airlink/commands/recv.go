package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/airlink-dev/airlink/crypto"
	"github.com/airlink-dev/airlink/handshake"
	"github.com/airlink-dev/airlink/session"
	"github.com/airlink-dev/airlink/transfer"
	"github.com/airlink-dev/airlink/transport"
)

// recv: listen for one sender and write its files to a directory.
func recvCmd() *cobra.Command {
	var (
		listenAddr string
		destDir    string
	)

	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Receive files from a sending peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(destDir, 0o700); err != nil {
				return fmt.Errorf("cannot create destination directory: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			keys := crypto.NewKeyManager(crypto.DefaultRotationPolicy())
			defer keys.EndAllSessions()
			sessions := session.NewManager(keys, session.DefaultConfig())
			protocol := handshake.NewProtocol(sessions, handshake.DefaultConfig())

			t, err := transport.NewTCPTransport(listenAddr)
			if err != nil {
				return err
			}
			defer t.Close()
			fmt.Printf("listening on %s, writing to %s\n", t.LocalAddr(), destDir)

			token, rx, err := t.ReceiveAny(ctx)
			if err != nil {
				return err
			}
			ch := handshake.NewTransportChannelFromStream(t, token, rx)

			sid, err := protocol.Respond(ctx, ch, token)
			if err != nil {
				return fmt.Errorf("handshake failed: %w", err)
			}
			defer sessions.EndSession(sid)
			fmt.Printf("peer %s verified\n", token)

			recv := transfer.NewReceiver(sessions, sid, destDir)
			recv.AttachProtocol(protocol)
			recv.OnProgress(func(p transfer.TransferProgress) {
				switch p.Status {
				case transfer.ProgressCompleted:
					fmt.Printf("%s: received (%d bytes)\n", p.FileName, p.BytesTransferred)
				case transfer.ProgressFailed:
					fmt.Printf("%s: failed: %s\n", p.FileName, p.ErrorMessage)
				}
			})

			if err := recv.Run(ctx, ch); err != nil {
				return err
			}
			completed, failed := recv.Summary()
			fmt.Printf("received %d file(s), %d failed\n", len(completed), len(failed))
			return nil
		},
	}
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", ":7410", "listen address")
	cmd.Flags().StringVarP(&destDir, "dest", "d", ".", "destination directory")
	return cmd
}
