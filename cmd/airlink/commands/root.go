package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verbose bool

// Execute runs the airlink CLI.
func Execute() error {
	root := &cobra.Command{
		Use:   "airlink",
		Short: "Encrypted device-to-device file transfer",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(sendCmd(), recvCmd())
	return root.Execute()
}
