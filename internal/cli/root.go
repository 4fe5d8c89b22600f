package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/wabridge/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		" __      ____ _| |__  _ __(_) __| | __ _  ___\n" +
		" \\ \\ /\\ / / _` | '_ \\| '__| |/ _` |/ _` |/ _ \\\n" +
		"  \\ V  V / (_| | |_) | |  | | (_| | (_| |  __/\n" +
		"   \\_/\\_/ \\__,_|_.__/|_|  |_|\\__,_|\\__, |\\___|\n" +
		"                                    |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "wabridge",
	Short: "wabridge - multi-tenant WhatsApp session bridge",
	Long:  color.CyanString(logo) + "\nKeeps many WhatsApp accounts connected and exposes them over HTTP.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(configCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
