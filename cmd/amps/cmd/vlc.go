package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/amps-project/amps/internal/region"
)

var (
	vlcStreamID int
	vlcRegion   string
	vlcVariant  string
	vlcOverlap  bool
)

var vlcCmd = &cobra.Command{
	Use:   "vlc",
	Short: "Launch VLC pointed at a configured stream",
	Long: `Launch VLC against the running server.

The stream URL is built from the configured host and port, with
wildcard bind addresses rewritten to 127.0.0.1. --overlap requests a
private transcoder instance so existing viewers are not disturbed.`,
	RunE: runVLC,
}

func init() {
	vlcCmd.Flags().IntVar(&vlcStreamID, "stream-id", 1, "channel id to play")
	vlcCmd.Flags().StringVar(&vlcRegion, "region", "", "region code to present (ISO 3166-1 alpha-2)")
	vlcCmd.Flags().StringVar(&vlcVariant, "variant", "", "variant name to request")
	vlcCmd.Flags().BoolVar(&vlcOverlap, "overlap", false, "launch a private transcoder instance")
	rootCmd.AddCommand(vlcCmd)
}

func runVLC(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	q := url.Values{}
	if cfg.Server.Token != "" {
		q.Set("token", cfg.Server.Token)
	}
	if vlcRegion != "" {
		q.Set("region", region.Normalize(vlcRegion))
	}
	if vlcVariant != "" {
		q.Set("variant", vlcVariant)
	}
	if vlcOverlap {
		q.Set("overlap", "true")
	}

	streamURL := serverURL(cfg) + "/stream/" + strconv.Itoa(vlcStreamID)
	if len(q) > 0 {
		streamURL += "?" + q.Encode()
	}

	fmt.Println("Starting VLC with URL:", streamURL)
	vlc := exec.Command("vlc", streamURL)
	if err := vlc.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("vlc is not installed or not found in PATH")
		}
		return fmt.Errorf("running vlc: %w", err)
	}
	return nil
}
