package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var tunersCmd = &cobra.Command{
	Use:   "tuners",
	Short: "Show live transcoder instances on the running server",
	RunE:  runTuners,
}

func init() {
	rootCmd.AddCommand(tunersCmd)
}

// tunerView mirrors the /api/tuners response shape.
type tunerView struct {
	Channel     int       `json:"channel"`
	Variant     string    `json:"variant"`
	Shape       string    `json:"shape"`
	Overlap     string    `json:"overlap,omitempty"`
	State       string    `json:"state"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	Subscribers int       `json:"subscribers"`
	BytesOut    int64     `json:"bytes_out"`
	Spawns      int       `json:"spawns"`
}

func runTuners(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var tuners []tunerView
	if err := newAPIClient(cfg).call(http.MethodGet, "/api/tuners", &tuners); err != nil {
		return err
	}

	if len(tuners) == 0 {
		fmt.Println("No live tuners.")
		return nil
	}

	fmt.Println("Live Tuners:")
	for _, t := range tuners {
		key := fmt.Sprintf("%d/%s/%s", t.Channel, t.Variant, t.Shape)
		if t.Overlap != "" {
			key += " (private)"
		}
		fmt.Printf("  - %s: %s, pid %d, %d subscriber(s), %d bytes, up %s\n",
			key, t.State, t.PID, t.Subscribers, t.BytesOut,
			time.Since(t.StartedAt).Round(time.Second))
	}
	return nil
}
