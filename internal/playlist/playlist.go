// Package playlist renders the channel catalog as an extended M3U
// playlist. Beyond the standard #EXTINF attributes, channels carry
// #EXTREM:AMP-* hint lines that aware players use for programme and
// variant discovery; everything else ignores them.
package playlist

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/amps-project/amps/internal/config"
)

// Options controls filtering and URL construction for one render.
type Options struct {
	// BaseURL is the absolute prefix stream URLs are built on,
	// e.g. "http://host:8000".
	BaseURL string
	// Token, when non-empty, is propagated into stream URLs.
	Token string
	// Region is the caller's region; channels whose policy rejects it
	// are dropped and the value is propagated into stream URLs.
	Region string
	// Groups filters to channels in any of the named groups,
	// case-insensitively. Empty keeps everything.
	Groups []string
	// IDs filters to the listed channel ids. Empty keeps everything.
	IDs []int
	// Variants controls whether variant hint lines and their duplicate
	// entries are rendered.
	Variants bool
}

// Render writes the filtered playlist.
func Render(w io.Writer, channels []*config.Channel, opts Options) error {
	pw := newWriter(w, opts)
	if err := pw.writeHeader(); err != nil {
		return err
	}
	for _, ch := range channels {
		if !included(ch, opts) {
			continue
		}
		if err := pw.writeChannel(ch); err != nil {
			return err
		}
	}
	return nil
}

func included(ch *config.Channel, opts Options) bool {
	if len(opts.IDs) > 0 {
		found := false
		for _, id := range opts.IDs {
			if id == ch.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(opts.Groups) > 0 {
		found := false
		for _, g := range opts.Groups {
			if strings.EqualFold(g, ch.Group) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return ch.RegionPolicy().Permits(opts.Region)
}

type writer struct {
	w    io.Writer
	opts Options
}

func newWriter(w io.Writer, opts Options) *writer {
	return &writer{w: w, opts: opts}
}

func (pw *writer) writeHeader() error {
	if _, err := fmt.Fprintln(pw.w, "#EXTM3U"); err != nil {
		return fmt.Errorf("writing playlist header: %w", err)
	}
	return nil
}

// writeChannel emits the channel's main entry, its hint lines, and one
// duplicate entry per variant.
func (pw *writer) writeChannel(ch *config.Channel) error {
	if err := pw.writeEntry(ch, ""); err != nil {
		return err
	}
	for _, p := range ch.Programs {
		if p == nil || p.Title == "" {
			continue
		}
		if err := pw.hint("AMP-NEXT", fmt.Sprintf("%s|%s|%s", p.Start, p.Title, p.Description)); err != nil {
			return err
		}
	}
	if ch.ProgramFeed != "" {
		if err := pw.hint("AMP-PROGRAM-FEED", ch.ProgramFeed); err != nil {
			return err
		}
	}
	if ch.Description != "" {
		if err := pw.hint("AMP-DESCRIPTION", sanitizeLine(ch.Description)); err != nil {
			return err
		}
	}
	if ch.RegionPolicy().Restricted() {
		if err := pw.hint("AMP-REGION", fmt.Sprintf("allow=%s block=%s",
			strings.Join(ch.RegionsAllowed, ","), strings.Join(ch.RegionsBlocked, ","))); err != nil {
			return err
		}
	}
	if !pw.opts.Variants {
		return nil
	}
	for _, v := range ch.Variants {
		if err := pw.hint("AMP-VARIANT", fmt.Sprintf("%s|%s", v.Name, v.Label)); err != nil {
			return err
		}
		if err := pw.writeEntry(ch, v.Name); err != nil {
			return err
		}
	}
	return nil
}

func (pw *writer) writeEntry(ch *config.Channel, variant string) error {
	var attrs []string
	attrs = append(attrs, fmt.Sprintf(`tvg-id="%s"`, escapeQuotes(ch.EpgIdentity())))
	attrs = append(attrs, fmt.Sprintf(`tvg-name="%s"`, escapeQuotes(ch.DisplayTvgName())))
	if ch.Logo != "" {
		attrs = append(attrs, fmt.Sprintf(`tvg-logo="%s"`, escapeQuotes(ch.Logo)))
	}
	if ch.Group != "" {
		attrs = append(attrs, fmt.Sprintf(`group-title="%s"`, escapeQuotes(ch.Group)))
	}
	if ch.ChannelNumber > 0 {
		attrs = append(attrs, fmt.Sprintf(`channel-number="%d"`, ch.ChannelNumber))
	}

	title := ch.Name
	if variant != "" {
		title = fmt.Sprintf("%s (%s)", ch.Name, variant)
	}
	if _, err := fmt.Fprintf(pw.w, "#EXTINF:-1 %s,%s\n", strings.Join(attrs, " "), title); err != nil {
		return fmt.Errorf("writing channel %d: %w", ch.ID, err)
	}
	if _, err := fmt.Fprintln(pw.w, pw.streamURL(ch.ID, variant)); err != nil {
		return fmt.Errorf("writing channel %d url: %w", ch.ID, err)
	}
	return nil
}

func (pw *writer) hint(name, value string) error {
	if _, err := fmt.Fprintf(pw.w, "#EXTREM:%s %s\n", name, value); err != nil {
		return fmt.Errorf("writing %s hint: %w", name, err)
	}
	return nil
}

func (pw *writer) streamURL(id int, variant string) string {
	u := strings.TrimRight(pw.opts.BaseURL, "/") + "/stream/" + strconv.Itoa(id)
	q := url.Values{}
	if variant != "" {
		q.Set("variant", variant)
	}
	if pw.opts.Token != "" {
		q.Set("token", pw.opts.Token)
	}
	if pw.opts.Region != "" {
		q.Set("region", pw.opts.Region)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// sanitizeLine keeps hint values on one line.
func sanitizeLine(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
