// Ssdpctl is a command line utility for the SSDP discovery endpoint.
//
// It searches the local network for remote service instances and can
// advertise a local one until interrupted.
//
// Usage:
//
//	ssdpctl [command] [flags]
//
// See 'ssdpctl --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elum-utils/ssdp"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ssdpctl",
	Short: "SSDP service discovery utility",
	Long: `A standalone utility for the SSDP discovery endpoint.

Searches the local network for running service instances over IPv4 and
IPv6 multicast, and advertises a local instance so peers can find it.`,
	Version: ssdp.Version,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(advertiseCmd)
}
