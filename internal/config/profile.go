package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a named transcode template. Two YAML forms are accepted:
//
//	copy: ["-re", "-i", "{source}", "-c", "copy", "-f", "mpegts", "pipe:1"]
//
// an argv template with {source}, {id}, {name} placeholders, or a
// structured mapping in FFmpeg output-option style:
//
//	hls_high:
//	  output_format: hls
//	  vcodec: libx264
//	  b:v: 4000k
//	  hls_time: 6
//
// where output_format, audio_only, ll_hls, no_bootstrap, and hwaccel are
// interpreted, and every other key becomes an output option in document
// order. A null value renders as a bare flag (vn: → -vn).
//
// Profiles are read-only after boot.
type Profile struct {
	Template     []string
	OutputFormat string
	AudioOnly    bool
	LLHLS        bool
	// NoBootstrap disables the ring-buffer flush for new subscribers;
	// for containers whose decoders cannot join mid-stream.
	NoBootstrap bool
	HWAccel     *HWAccel
	Options     []ProfileOption
}

// ProfileOption is one FFmpeg output option in declaration order.
type ProfileOption struct {
	Key   string
	Value string
	Flag  bool // value-less option, e.g. -vn
}

// IsTemplate reports whether the profile is the argv-template form.
func (p *Profile) IsTemplate() bool { return p.Template != nil }

func (p *Profile) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&p.Template)
	case yaml.MappingNode:
		return p.decodeMapping(node)
	default:
		return fmt.Errorf("profile must be an argument list or an option mapping")
	}
}

func (p *Profile) decodeMapping(node *yaml.Node) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		key := keyNode.Value

		switch key {
		case "output_format":
			p.OutputFormat = strings.ToLower(valNode.Value)
		case "audio_only":
			if err := valNode.Decode(&p.AudioOnly); err != nil {
				return fmt.Errorf("audio_only: %w", err)
			}
		case "ll_hls":
			if err := valNode.Decode(&p.LLHLS); err != nil {
				return fmt.Errorf("ll_hls: %w", err)
			}
		case "no_bootstrap":
			if err := valNode.Decode(&p.NoBootstrap); err != nil {
				return fmt.Errorf("no_bootstrap: %w", err)
			}
		case "hwaccel":
			p.HWAccel = &HWAccel{}
			if err := valNode.Decode(p.HWAccel); err != nil {
				return fmt.Errorf("hwaccel: %w", err)
			}
		default:
			opt, err := decodeProfileOption(key, valNode)
			if err != nil {
				return err
			}
			p.Options = append(p.Options, opt)
		}
	}
	return nil
}

func decodeProfileOption(key string, valNode *yaml.Node) (ProfileOption, error) {
	if valNode.Kind != yaml.ScalarNode {
		return ProfileOption{}, fmt.Errorf("profile option %q must be a scalar", key)
	}
	if valNode.Tag == "!!null" {
		return ProfileOption{Key: key, Flag: true}, nil
	}
	return ProfileOption{Key: key, Value: valNode.Value}, nil
}

// Validate checks the profile structure.
func (p *Profile) Validate() error {
	if p.IsTemplate() {
		if len(p.Template) == 0 {
			return fmt.Errorf("argument template must not be empty")
		}
		return nil
	}
	if p.OutputFormat != "" && !validOutputFormats[p.OutputFormat] {
		return fmt.Errorf("unknown output_format %q", p.OutputFormat)
	}
	return nil
}

// ExpandTemplate substitutes the channel placeholders into the argv
// template form.
func (p *Profile) ExpandTemplate(id int, name, source string) []string {
	rep := strings.NewReplacer(
		"{source}", source,
		"{id}", strconv.Itoa(id),
		"{name}", name,
	)
	argv := make([]string, len(p.Template))
	for i, arg := range p.Template {
		argv[i] = rep.Replace(arg)
	}
	return argv
}

// OptionsCopy returns a mutable copy of the ordered output options, so
// the launch path can consume defaults without touching the shared
// profile.
func (p *Profile) OptionsCopy() []ProfileOption {
	if len(p.Options) == 0 {
		return nil
	}
	out := make([]ProfileOption, len(p.Options))
	copy(out, p.Options)
	return out
}
