package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/igmpproxy/igmpproxy/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "igmpproxy",
	Short:   "IGMPv2 multicast proxy daemon",
	Version: version.Version(),
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}
