package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/version"
)

const clientTimeout = 10 * time.Second

// apiClient is the thin HTTP client the remote subcommands share.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg *config.Config) *apiClient {
	return &apiClient{
		base:  serverURL(cfg),
		token: cfg.Server.Token,
		http:  &http.Client{Timeout: clientTimeout},
	}
}

// call performs one API request and decodes the JSON response into out
// (skipped when out is nil). Transport failures become unreachable
// errors so the process exits with code 2.
func (c *apiClient) call(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if c.token != "" {
		req.Header.Set("X-Amps-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &unreachableError{err: fmt.Errorf("reaching %s: %w", c.base, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		msg := resp.Status
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body) == nil && body.Error != "" {
			msg = body.Error
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
