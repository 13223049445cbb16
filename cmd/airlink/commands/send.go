package commands

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/airlink-dev/airlink/crypto"
	"github.com/airlink-dev/airlink/handshake"
	"github.com/airlink-dev/airlink/session"
	"github.com/airlink-dev/airlink/transfer"
	"github.com/airlink-dev/airlink/transport"
)

// staticDiscovery resolves every device to one fixed address. The CLI
// takes the peer address on the command line instead of running a
// discovery service.
type staticDiscovery struct {
	token string
}

func (d staticDiscovery) GetConnectionInfo(string) (transfer.ConnectionInfo, error) {
	return transfer.ConnectionInfo{Token: d.token, Method: transfer.MethodPeerSocket}, nil
}

// send <host:port> <file>...: transfer files to a listening peer.
func sendCmd() *cobra.Command {
	var noCompress bool

	cmd := &cobra.Command{
		Use:   "send <host:port> <file> [file...]",
		Short: "Send files to a receiving peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
			files := make([]transfer.TransferFile, 0, len(args)-1)
			for _, path := range args[1:] {
				info, err := os.Stat(path)
				if err != nil {
					return fmt.Errorf("cannot read %s: %w", path, err)
				}
				if info.IsDir() {
					return fmt.Errorf("%s is a directory, only files are supported", path)
				}
				files = append(files, transfer.TransferFile{
					ID:       uuid.NewString(),
					Name:     filepath.Base(path),
					Path:     path,
					Size:     uint64(info.Size()),
					MimeType: mime.TypeByExtension(filepath.Ext(path)),
				})
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			keys := crypto.NewKeyManager(crypto.DefaultRotationPolicy())
			defer keys.EndAllSessions()
			sessions := session.NewManager(keys, session.DefaultConfig())
			protocol := handshake.NewProtocol(sessions, handshake.DefaultConfig())

			t, err := transport.NewTCPTransport("")
			if err != nil {
				return err
			}
			defer t.Close()

			cfg := transfer.DefaultConfig()
			cfg.EnableCompression = !noCompress
			orch := transfer.NewOrchestrator(sessions, protocol, t, staticDiscovery{token: addr}, cfg)
			orch.OnProgress(func(p transfer.TransferProgress) {
				switch p.Status {
				case transfer.ProgressCompleted:
					fmt.Printf("%s: done (%d bytes)\n", p.FileName, p.TotalBytes)
				case transfer.ProgressFailed:
					fmt.Printf("%s: failed: %s\n", p.FileName, p.ErrorMessage)
				default:
					fmt.Printf("\r%s: %5.1f%% (%.0f KB/s)", p.FileName, p.Progress*100, p.Speed/1024)
				}
			})

			sess, err := orch.StartSession(addr, files)
			if err != nil {
				return err
			}
			if err := orch.SendFiles(ctx, sess.ID); err != nil {
				return err
			}
			fmt.Printf("sent %d file(s) to %s\n", len(files), addr)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noCompress, "no-compress", false, "disable chunk compression")
	return cmd
}
