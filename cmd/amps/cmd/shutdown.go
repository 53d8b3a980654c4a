package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the running server to stop",
	RunE:  runShutdown,
}

func init() {
	rootCmd.AddCommand(shutdownCmd)
}

func runShutdown(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := newAPIClient(cfg).call(http.MethodPost, "/api/shutdown", nil); err != nil {
		return err
	}
	fmt.Println("Server is shutting down.")
	return nil
}
