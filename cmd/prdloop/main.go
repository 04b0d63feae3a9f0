package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "prdloop",
	Short: "Autonomous coding-agent loop over a PRD task list",
	Long: `prdloop repeatedly invokes an external coding-agent CLI against a PRD
task list until every story passes, the iteration budget runs out, the
dependency graph is blocked, or every agent is rate-limit cooling.`,
	SilenceUsage: true,
}

func init() {
	viper.SetEnvPrefix("PRDLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the prdloop version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("prdloop", version)
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfigurationError)
	}
}
