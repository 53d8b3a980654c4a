package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/amps-project/amps/internal/config"
)

var listRemote bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured streams",
	Long: `List the streams in the channels file.

With --remote the running server is queried instead, which also shows
channels created through the API and currently active scheduled ones.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listRemote, "remote", false,
		"query the running server instead of reading the config file")
	rootCmd.AddCommand(listCmd)
}

func runList(_ *cobra.Command, _ []string) error {
	var channels []*config.Channel

	if listRemote {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := newAPIClient(cfg).call(http.MethodGet, "/api/streams", &channels); err != nil {
			return err
		}
	} else {
		path := configPath()
		if path == "" {
			path = "config.yaml"
		}
		file, err := config.LoadChannels(path)
		if err != nil {
			return fmt.Errorf("loading channels: %w", err)
		}
		channels = file.Channels
	}

	if len(channels) == 0 {
		fmt.Println("No streams found.")
		return nil
	}

	fmt.Println("Available Streams:")
	for _, ch := range channels {
		fmt.Printf("  - ID: %d, Name: %s, Profile: %s, Logo: %s\n",
			ch.ID, ch.Name, profileLabel(ch), orDash(ch.Logo))
	}
	return nil
}

func profileLabel(ch *config.Channel) string {
	switch {
	case ch.Custom != nil && ch.Profile != "":
		return ch.Profile + " (custom override)"
	case ch.Custom != nil:
		return "custom command"
	default:
		return orDash(ch.Profile)
	}
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
