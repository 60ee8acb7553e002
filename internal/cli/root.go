package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unerue/studytube/internal/version"
)

// NewRootCmd builds the studytube command. Running it without a subcommand
// serves, same as "studytube serve".
func NewRootCmd(v *viper.Viper) *cobra.Command {
	serve := NewServeCmd(v)
	rootCmd := &cobra.Command{
		Use:           "studytube",
		Short:         "Live lecture subtitle server",
		Long:          "Serves lecture rooms over websocket: audio in, subtitles, chat, presence and WebRTC signaling out.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	flags := rootCmd.PersistentFlags()
	flags.Int("port", 0, "listen port (overrides config)")
	flags.String("mode", "", "gin mode: debug, release or test (overrides config)")
	_ = v.BindPFlag("port", flags.Lookup("port"))
	_ = v.BindPFlag("mode", flags.Lookup("mode"))

	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(NewVersionCmd())
	return rootCmd
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Full())
			return err
		},
	}
}
