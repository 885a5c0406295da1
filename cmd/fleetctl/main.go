// Command fleetctl is the operator CLI for the fleet orchestrator.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	token        string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Operate a fleet orchestrator",
	Long: `fleetctl manages machines and policy deployments through the fleet
orchestrator's operator API and streams live fleet events.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat != "text" && outputFormat != "json" {
			return fmt.Errorf("unsupported output format: %s", outputFormat)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnv("FLEET_SERVER", "http://localhost:8080"), "orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("FLEET_TOKEN"), "operator bearer token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format (text|json)")

	rootCmd.AddCommand(newMachinesCmd())
	rootCmd.AddCommand(newDeploymentsCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newHashPasswordCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func client() *apiClient {
	return newAPIClient(serverURL, token)
}

// printJSON writes v indented when the output format is json and reports
// whether it did
func printJSON(w io.Writer, v interface{}) (bool, error) {
	if outputFormat != "json" {
		return false, nil
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return true, encoder.Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
