// Package epg renders the programme guide. The XMLTV rendition feeds
// players and PVRs; the JSON rendition backs the API for lighter
// clients.
package epg

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/amps-project/amps/internal/config"
)

// Writer streams an XMLTV document. Channels must be written before
// programmes, matching the XMLTV DTD ordering.
type Writer struct {
	w             io.Writer
	headerWritten bool
	channelsDone  bool
}

// NewWriter creates an XMLTV writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader writes the XML declaration and opens the tv element.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return nil
	}
	if _, err := fmt.Fprintln(w.w, `<?xml version="1.0" encoding="UTF-8"?>`); err != nil {
		return fmt.Errorf("writing XML declaration: %w", err)
	}
	if _, err := fmt.Fprintln(w.w, `<tv source-info-name="Amps" generator-info-name="Amps">`); err != nil {
		return fmt.Errorf("writing tv element: %w", err)
	}
	w.headerWritten = true
	return nil
}

// WriteChannel writes one channel definition.
func (w *Writer) WriteChannel(ch *config.Channel) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}
	if w.channelsDone {
		return fmt.Errorf("channels must be written before programmes")
	}

	if _, err := fmt.Fprintf(w.w, "  <channel id=\"%s\">\n", xmlEscape(ch.EpgIdentity())); err != nil {
		return fmt.Errorf("writing channel start: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "    <display-name>%s</display-name>\n", xmlEscape(ch.DisplayTvgName())); err != nil {
		return err
	}
	if ch.Logo != "" {
		if _, err := fmt.Fprintf(w.w, "    <icon src=\"%s\"/>\n", xmlEscape(ch.Logo)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w.w, "  </channel>")
	return err
}

// WriteProgramme writes one programme entry for the given channel id.
// Entries whose start time cannot be parsed are skipped.
func (w *Writer) WriteProgramme(channelID string, p *config.Program) error {
	if err := w.WriteHeader(); err != nil {
		return err
	}
	w.channelsDone = true

	start, err := config.ParseTime(p.Start)
	if err != nil {
		return nil
	}

	if _, err := fmt.Fprintf(w.w, "  <programme start=\"%s\"", formatTime(start)); err != nil {
		return fmt.Errorf("writing programme start: %w", err)
	}
	if stop, err := config.ParseTime(p.End); err == nil {
		if _, err := fmt.Fprintf(w.w, " stop=\"%s\"", formatTime(stop)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.w, " channel=\"%s\">\n", xmlEscape(channelID)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.w, "    <title>%s</title>\n", xmlEscape(p.Title)); err != nil {
		return err
	}
	if p.Description != "" {
		if _, err := fmt.Fprintf(w.w, "    <desc>%s</desc>\n", xmlEscape(p.Description)); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(w.w, "  </programme>")
	return err
}

// WriteFooter closes the tv element.
func (w *Writer) WriteFooter() error {
	if err := w.WriteHeader(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w.w, `</tv>`)
	return err
}

// RenderXML writes the whole guide for a catalog snapshot.
func RenderXML(w io.Writer, channels []*config.Channel) error {
	xw := NewWriter(w)
	if err := xw.WriteHeader(); err != nil {
		return err
	}
	for _, ch := range channels {
		if err := xw.WriteChannel(ch); err != nil {
			return err
		}
	}
	for _, ch := range channels {
		id := ch.EpgIdentity()
		for _, p := range ch.Programs {
			if p == nil || p.Title == "" {
				continue
			}
			if err := xw.WriteProgramme(id, p); err != nil {
				return err
			}
		}
	}
	return xw.WriteFooter()
}

// ChannelGuide is the JSON form of one channel's programme listing.
type ChannelGuide struct {
	ID       int               `json:"id"`
	EpgID    string            `json:"epg_id"`
	Name     string            `json:"name"`
	Logo     string            `json:"logo,omitempty"`
	Group    string            `json:"group,omitempty"`
	Programs []*config.Program `json:"programs"`
}

// Guide builds the JSON guide for a catalog snapshot.
func Guide(channels []*config.Channel) []ChannelGuide {
	out := make([]ChannelGuide, 0, len(channels))
	for _, ch := range channels {
		programs := ch.Programs
		if programs == nil {
			programs = []*config.Program{}
		}
		out = append(out, ChannelGuide{
			ID:       ch.ID,
			EpgID:    ch.EpgIdentity(),
			Name:     ch.DisplayTvgName(),
			Logo:     ch.Logo,
			Group:    ch.Group,
			Programs: programs,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format("20060102150405 +0000")
}

// xmlEscape escapes special XML characters.
func xmlEscape(s string) string {
	var buf []byte
	xml.EscapeText((*xmlEscapeWriter)(&buf), []byte(s))
	return string(buf)
}

type xmlEscapeWriter []byte

func (w *xmlEscapeWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
