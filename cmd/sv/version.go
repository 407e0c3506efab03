package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			outputJSON(map[string]string{"version": version, "commit": commit})
			return
		}
		if commit != "" {
			fmt.Printf("sv %s (%s)\n", version, commit)
			return
		}
		fmt.Printf("sv %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
