package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/amps-project/amps/internal/region"
)

// DefaultVariant is the implicit variant name of the base channel.
const DefaultVariant = "default"

// Output formats a channel or profile may declare.
const (
	FormatTS    = "ts"
	FormatHLS   = "hls"
	FormatLLHLS = "ll-hls"
	FormatDASH  = "dash"
	FormatRTSP  = "rtsp"
	FormatAudio = "audio"
)

var validOutputFormats = map[string]bool{
	FormatTS:    true,
	FormatHLS:   true,
	FormatLLHLS: true,
	FormatDASH:  true,
	FormatRTSP:  true,
	FormatAudio: true,
}

var variantNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ChannelsFile is the channel catalogue half of the config file: named
// FFmpeg profiles, static channels, and time-bounded scheduled channels.
type ChannelsFile struct {
	Profiles  map[string]*Profile `yaml:"ffmpeg_profiles"`
	Channels  []*Channel          `yaml:"streams"`
	Scheduled []*ScheduledChannel `yaml:"scheduled_streams"`

	// Warnings collects non-fatal findings from the last load, e.g.
	// unknown per-channel keys that were preserved opaquely.
	Warnings []string `yaml:"-"`
}

// Channel is one logical broadcast unit. Unknown YAML/JSON keys are kept
// in Extra so a read-modify-write over the API never sheds metadata.
type Channel struct {
	ID             int            `yaml:"id" json:"id"`
	Name           string         `yaml:"name" json:"name"`
	Source         string         `yaml:"source,omitempty" json:"source,omitempty"`
	Profile        string         `yaml:"ffmpeg_profile,omitempty" json:"ffmpeg_profile,omitempty"`
	Custom         *CustomCommand `yaml:"custom_ffmpeg,omitempty" json:"custom_ffmpeg,omitempty"`
	Logo           string         `yaml:"logo,omitempty" json:"logo,omitempty"`
	TvgName        string         `yaml:"tvg_name,omitempty" json:"tvg_name,omitempty"`
	EpgID          string         `yaml:"epg_id,omitempty" json:"epg_id,omitempty"`
	Group          string         `yaml:"group,omitempty" json:"group,omitempty"`
	ChannelNumber  int            `yaml:"channel_number,omitempty" json:"channel_number,omitempty"`
	Description    string         `yaml:"description,omitempty" json:"description,omitempty"`
	ProgramFeed    string         `yaml:"program_feed,omitempty" json:"program_feed,omitempty"`
	Programs       []*Program     `yaml:"next_programs,omitempty" json:"next_programs,omitempty"`
	RegionsAllowed []string       `yaml:"regions_allowed,omitempty" json:"regions_allowed,omitempty"`
	RegionsBlocked []string       `yaml:"regions_blocked,omitempty" json:"regions_blocked,omitempty"`
	Variants       []*Variant     `yaml:"variants,omitempty" json:"variants,omitempty"`
	SourceHandler  *SourceHandler `yaml:"source_handler,omitempty" json:"source_handler,omitempty"`
	UseYtDlp       bool           `yaml:"use_yt_dlp,omitempty" json:"use_yt_dlp,omitempty"`
	YtDlpFormat    string         `yaml:"yt_dlp_format,omitempty" json:"yt_dlp_format,omitempty"`
	InputOptions   map[string]any `yaml:"input_options,omitempty" json:"input_options,omitempty"`
	InputArgs      []string       `yaml:"input_args,omitempty" json:"input_args,omitempty"`
	OutputFormat   string         `yaml:"output_format,omitempty" json:"output_format,omitempty"`
	HWAccel        *HWAccel       `yaml:"hwaccel,omitempty" json:"hwaccel,omitempty"`
	AudioOnly      bool           `yaml:"audio_only,omitempty" json:"audio_only,omitempty"`
	LLHLS          bool           `yaml:"ll_hls,omitempty" json:"ll_hls,omitempty"`

	// Extra holds unrecognised keys verbatim.
	Extra map[string]any `yaml:"-" json:"-"`
}

// knownChannelKeys mirrors the tagged fields above; anything else lands
// in Extra.
var knownChannelKeys = map[string]bool{
	"id": true, "name": true, "source": true, "ffmpeg_profile": true,
	"custom_ffmpeg": true, "logo": true, "tvg_name": true, "epg_id": true,
	"group": true, "channel_number": true, "description": true,
	"program_feed": true, "next_programs": true, "regions_allowed": true,
	"regions_blocked": true, "variants": true, "source_handler": true,
	"use_yt_dlp": true, "yt_dlp_format": true, "input_options": true,
	"input_args": true, "output_format": true, "hwaccel": true,
	"audio_only": true, "ll_hls": true,
}

// IsKnownChannelKey reports whether key is a structured channel field.
// The API uses this to decide whether a null value removes the field.
func IsKnownChannelKey(key string) bool { return knownChannelKeys[key] }

// Program is one upcoming programme entry. Start and End stay verbatim
// strings so the API round-trips exactly what was submitted; they are
// parsed lazily when rendering the EPG.
type Program struct {
	Title       string `yaml:"title" json:"title"`
	Start       string `yaml:"start,omitempty" json:"start,omitempty"`
	End         string `yaml:"end,omitempty" json:"end,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Extra map[string]any `yaml:"-" json:"-"`
}

var knownProgramKeys = map[string]bool{
	"title": true, "start": true, "end": true, "description": true,
}

// Variant is an alternate rendition of its parent channel. Set fields
// override the channel's; unset fields inherit.
type Variant struct {
	Name          string         `yaml:"name" json:"name"`
	Label         string         `yaml:"label,omitempty" json:"label,omitempty"`
	Source        string         `yaml:"source,omitempty" json:"source,omitempty"`
	Profile       string         `yaml:"ffmpeg_profile,omitempty" json:"ffmpeg_profile,omitempty"`
	Custom        *CustomCommand `yaml:"custom_ffmpeg,omitempty" json:"custom_ffmpeg,omitempty"`
	SourceHandler *SourceHandler `yaml:"source_handler,omitempty" json:"source_handler,omitempty"`
	UseYtDlp      bool           `yaml:"use_yt_dlp,omitempty" json:"use_yt_dlp,omitempty"`
	YtDlpFormat   string         `yaml:"yt_dlp_format,omitempty" json:"yt_dlp_format,omitempty"`
	InputOptions  map[string]any `yaml:"input_options,omitempty" json:"input_options,omitempty"`
	InputArgs     []string       `yaml:"input_args,omitempty" json:"input_args,omitempty"`
	OutputFormat  string         `yaml:"output_format,omitempty" json:"output_format,omitempty"`
	HWAccel       *HWAccel       `yaml:"hwaccel,omitempty" json:"hwaccel,omitempty"`
	AudioOnly     bool           `yaml:"audio_only,omitempty" json:"audio_only,omitempty"`
	LLHLS         bool           `yaml:"ll_hls,omitempty" json:"ll_hls,omitempty"`
}

// SourceHandler configures pre-flight source resolution.
type SourceHandler struct {
	Type    string         `yaml:"type" json:"type"` // only "yt_dlp"
	Format  string         `yaml:"format,omitempty" json:"format,omitempty"`
	Options map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
}

// HWAccel requests hardware-accelerated decode for a channel or profile.
type HWAccel struct {
	Type   string `yaml:"type" json:"type"` // nvidia, vaapi, videotoolbox
	Device string `yaml:"device,omitempty" json:"device,omitempty"`
}

// GlobalArgs renders the hwaccel block as FFmpeg global arguments.
func (h *HWAccel) GlobalArgs() []string {
	if h == nil || h.Type == "" {
		return nil
	}
	var args []string
	switch h.Type {
	case "nvidia":
		args = append(args, "-hwaccel", "cuda")
	case "vaapi":
		args = append(args, "-hwaccel", "vaapi")
	case "videotoolbox":
		args = append(args, "-hwaccel", "videotoolbox")
	}
	if h.Device != "" {
		args = append(args, "-hwaccel_device", h.Device)
	}
	return args
}

// Schedule bounds a scheduled channel's lifetime. A missing start means
// immediately eligible; a missing end means never retired.
type Schedule struct {
	Start *time.Time `yaml:"start,omitempty" json:"start,omitempty"`
	End   *time.Time `yaml:"end,omitempty" json:"end,omitempty"`
}

// ScheduledChannel is a channel body plus its activation window.
type ScheduledChannel struct {
	Channel  Channel
	Schedule Schedule
}

// CustomCommand is the inline command override for a channel. The YAML
// and JSON forms accept either a bare command string or a mapping with
// command (string or argv list), shell, env, and cwd.
type CustomCommand struct {
	Command CommandLine       `yaml:"command" json:"command"`
	Shell   bool              `yaml:"shell,omitempty" json:"shell,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`

	// shorthand remembers the bare-string form for faithful re-marshal.
	shorthand bool
}

// CommandLine is a command given either as one string or as an argv list.
type CommandLine struct {
	Str  string
	List []string
}

// IsZero reports whether no command was supplied.
func (c CommandLine) IsZero() bool { return c.Str == "" && c.List == nil }

func (c *CommandLine) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&c.Str)
	case yaml.SequenceNode:
		return node.Decode(&c.List)
	default:
		return fmt.Errorf("command must be a string or list of arguments")
	}
}

func (c CommandLine) MarshalYAML() (any, error) {
	if c.List != nil {
		return c.List, nil
	}
	return c.Str, nil
}

func (c *CommandLine) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &c.List)
	}
	return json.Unmarshal(data, &c.Str)
}

func (c CommandLine) MarshalJSON() ([]byte, error) {
	if c.List != nil {
		return json.Marshal(c.List)
	}
	return json.Marshal(c.Str)
}

func (cc *CustomCommand) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		cc.shorthand = true
		return node.Decode(&cc.Command.Str)
	}
	type plain CustomCommand
	return node.Decode((*plain)(cc))
}

func (cc *CustomCommand) MarshalYAML() (any, error) {
	if cc.shorthand {
		return cc.Command.Str, nil
	}
	type plain CustomCommand
	return (*plain)(cc), nil
}

func (cc *CustomCommand) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		cc.shorthand = true
		return json.Unmarshal(data, &cc.Command.Str)
	}
	type plain CustomCommand
	return json.Unmarshal(data, (*plain)(cc))
}

func (cc *CustomCommand) MarshalJSON() ([]byte, error) {
	if cc.shorthand {
		return json.Marshal(cc.Command.Str)
	}
	type plain CustomCommand
	return json.Marshal((*plain)(cc))
}

// Validate checks the command structure without expanding it.
func (cc *CustomCommand) Validate() error {
	if cc == nil {
		return nil
	}
	if cc.Command.IsZero() {
		return fmt.Errorf("custom_ffmpeg requires a 'command' entry")
	}
	if cc.Command.List != nil && len(cc.Command.List) == 0 {
		return fmt.Errorf("custom_ffmpeg 'command' list must not be empty")
	}
	return nil
}

// Expand substitutes {source}, {id}, and {name} and returns the argv to
// execute. When Shell is set the command is a single string handed to
// the shell; otherwise string commands are split with quoting rules.
func (cc *CustomCommand) Expand(id int, name, source string) ([]string, error) {
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	rep := strings.NewReplacer(
		"{source}", source,
		"{id}", strconv.Itoa(id),
		"{name}", name,
	)
	if cc.Command.List != nil {
		argv := make([]string, len(cc.Command.List))
		for i, arg := range cc.Command.List {
			argv[i] = rep.Replace(arg)
		}
		return argv, nil
	}
	expanded := rep.Replace(cc.Command.Str)
	if cc.Shell {
		return []string{"/bin/sh", "-c", expanded}, nil
	}
	argv, err := shlex.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("splitting custom command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("custom command expanded to nothing")
	}
	return argv, nil
}

// Environ merges the custom env on top of the parent environment in the
// KEY=VALUE form exec.Cmd expects.
func (cc *CustomCommand) Environ(parent []string) []string {
	if len(cc.Env) == 0 {
		return nil // inherit as-is
	}
	env := make([]string, 0, len(parent)+len(cc.Env))
	env = append(env, parent...)
	for k, v := range cc.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (c *Channel) UnmarshalYAML(node *yaml.Node) error {
	type plain Channel
	if err := node.Decode((*plain)(c)); err != nil {
		return err
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Extra = extractExtra(raw, knownChannelKeys)
	return nil
}

func (c *Channel) UnmarshalJSON(data []byte) error {
	type plain Channel
	if err := json.Unmarshal(data, (*plain)(c)); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Extra = extractExtra(raw, knownChannelKeys)
	return nil
}

func (c *Channel) MarshalJSON() ([]byte, error) {
	type plain Channel
	return marshalWithExtra((*plain)(c), c.Extra)
}

func (p *Program) UnmarshalYAML(node *yaml.Node) error {
	type plain Program
	if err := node.Decode((*plain)(p)); err != nil {
		return err
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	p.Extra = extractExtra(raw, knownProgramKeys)
	return nil
}

func (p *Program) UnmarshalJSON(data []byte) error {
	type plain Program
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Extra = extractExtra(raw, knownProgramKeys)
	return nil
}

func (p *Program) MarshalJSON() ([]byte, error) {
	type plain Program
	return marshalWithExtra((*plain)(p), p.Extra)
}

// extractExtra returns raw minus the known keys, or nil when nothing
// unknown remains.
func extractExtra(raw map[string]any, known map[string]bool) map[string]any {
	for k := range raw {
		if known[k] {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// marshalWithExtra marshals v and splices extra keys into the object.
func marshalWithExtra(v any, extra map[string]any) ([]byte, error) {
	base, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, taken := merged[k]; !taken {
			merged[k] = val
		}
	}
	return json.Marshal(merged)
}

func (s *ScheduledChannel) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode(&s.Channel); err != nil {
		return err
	}
	var aux struct {
		Schedule rawSchedule `yaml:"schedule"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	sched, err := aux.Schedule.toSchedule()
	if err != nil {
		return fmt.Errorf("channel %d: %w", s.Channel.ID, err)
	}
	s.Schedule = sched
	delete(s.Channel.Extra, "schedule")
	if len(s.Channel.Extra) == 0 {
		s.Channel.Extra = nil
	}
	return nil
}

// rawSchedule tolerates both quoted ISO strings and native YAML
// timestamps for the boundary instants.
type rawSchedule struct {
	Start any `yaml:"start"`
	End   any `yaml:"end"`
}

func (r rawSchedule) toSchedule() (Schedule, error) {
	start, err := parseScheduleInstant(r.Start)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule.start: %w", err)
	}
	end, err := parseScheduleInstant(r.End)
	if err != nil {
		return Schedule{}, fmt.Errorf("schedule.end: %w", err)
	}
	if start != nil && end != nil && !end.After(*start) {
		return Schedule{}, fmt.Errorf("schedule end %s is not after start %s", end, start)
	}
	return Schedule{Start: start, End: end}, nil
}

func parseScheduleInstant(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		u := t.UTC()
		return &u, nil
	case string:
		parsed, err := ParseTime(t)
		if err != nil {
			return nil, err
		}
		return &parsed, nil
	default:
		return nil, fmt.Errorf("expected an ISO-8601 instant, got %T", v)
	}
}

// timeLayouts are the accepted programme/schedule instant forms, most
// specific first. Layouts without a zone are taken as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTime parses an ISO-8601-ish instant and normalises it to UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time value %q", s)
}

// LoadChannels parses the channel catalogue from path. Validation
// failures are fatal; unknown per-channel keys are preserved and noted
// in the returned file's Warnings.
func LoadChannels(path string) (*ChannelsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading channels file: %w", err)
	}
	return ParseChannels(data)
}

// ParseChannels parses and validates a channel catalogue document.
func ParseChannels(data []byte) (*ChannelsFile, error) {
	var f ChannelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing channels file: %w", err)
	}
	if f.Profiles == nil {
		f.Profiles = map[string]*Profile{}
	}
	f.normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *ChannelsFile) normalize() {
	for _, c := range f.Channels {
		c.normalize()
		f.noteExtras(c)
	}
	for _, s := range f.Scheduled {
		s.Channel.normalize()
		f.noteExtras(&s.Channel)
	}
}

func (f *ChannelsFile) noteExtras(c *Channel) {
	for k := range c.Extra {
		f.Warnings = append(f.Warnings,
			fmt.Sprintf("channel %d: unknown field %q preserved as metadata", c.ID, k))
	}
}

func (c *Channel) normalize() {
	c.RegionsAllowed = normalizeRegions(c.RegionsAllowed)
	c.RegionsBlocked = normalizeRegions(c.RegionsBlocked)
	c.OutputFormat = strings.ToLower(c.OutputFormat)
	for _, v := range c.Variants {
		v.Name = strings.ToLower(strings.TrimSpace(v.Name))
		v.OutputFormat = strings.ToLower(v.OutputFormat)
	}
}

func normalizeRegions(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, r := range in {
		if code := region.Normalize(r); code != "" {
			out = append(out, code)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Validate checks the catalogue. It enforces unique static ids, profile
// references, variant naming, and per-channel structural rules.
func (f *ChannelsFile) Validate() error {
	for name, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}

	seen := make(map[int]bool, len(f.Channels))
	for i, c := range f.Channels {
		if err := c.Validate(f.Profiles); err != nil {
			return fmt.Errorf("streams[%d]: %w", i, err)
		}
		if seen[c.ID] {
			return fmt.Errorf("streams[%d]: duplicate channel id %d", i, c.ID)
		}
		seen[c.ID] = true
	}

	for i, s := range f.Scheduled {
		if err := s.Channel.Validate(f.Profiles); err != nil {
			return fmt.Errorf("scheduled_streams[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks one channel body against the profile catalogue.
func (c *Channel) Validate(profiles map[string]*Profile) error {
	if c.ID < 0 {
		return fmt.Errorf("channel id must not be negative")
	}
	if c.Name == "" {
		return fmt.Errorf("channel %d: name is required", c.ID)
	}
	if c.Custom == nil && c.Source == "" {
		return fmt.Errorf("channel %d: source is required", c.ID)
	}
	if c.Custom == nil && c.Profile == "" {
		return fmt.Errorf("channel %d: provide either 'ffmpeg_profile' or 'custom_ffmpeg'", c.ID)
	}
	if c.Profile != "" {
		if _, ok := profiles[c.Profile]; !ok {
			return fmt.Errorf("channel %d: ffmpeg_profile %q not found", c.ID, c.Profile)
		}
	}
	if err := c.Custom.Validate(); err != nil {
		return fmt.Errorf("channel %d: %w", c.ID, err)
	}
	if c.OutputFormat != "" && !validOutputFormats[c.OutputFormat] {
		return fmt.Errorf("channel %d: unknown output_format %q", c.ID, c.OutputFormat)
	}
	if err := validateSourceHandler(c.SourceHandler); err != nil {
		return fmt.Errorf("channel %d: %w", c.ID, err)
	}
	for i, p := range c.Programs {
		if p.Title == "" {
			return fmt.Errorf("channel %d: program entry at index %d missing required 'title'", c.ID, i)
		}
	}

	names := make(map[string]bool, len(c.Variants))
	for _, v := range c.Variants {
		if !variantNameRe.MatchString(v.Name) {
			return fmt.Errorf("channel %d: variant name %q must be lowercase and URL-safe", c.ID, v.Name)
		}
		if v.Name == DefaultVariant {
			return fmt.Errorf("channel %d: variant name %q is reserved", c.ID, DefaultVariant)
		}
		if names[v.Name] {
			return fmt.Errorf("channel %d: duplicate variant name %q", c.ID, v.Name)
		}
		names[v.Name] = true
		if v.Profile != "" {
			if _, ok := profiles[v.Profile]; !ok {
				return fmt.Errorf("channel %d: variant %q: ffmpeg_profile %q not found", c.ID, v.Name, v.Profile)
			}
		}
		if err := v.Custom.Validate(); err != nil {
			return fmt.Errorf("channel %d: variant %q: %w", c.ID, v.Name, err)
		}
		if v.OutputFormat != "" && !validOutputFormats[v.OutputFormat] {
			return fmt.Errorf("channel %d: variant %q: unknown output_format %q", c.ID, v.Name, v.OutputFormat)
		}
		if err := validateSourceHandler(v.SourceHandler); err != nil {
			return fmt.Errorf("channel %d: variant %q: %w", c.ID, v.Name, err)
		}
	}
	return nil
}

func validateSourceHandler(h *SourceHandler) error {
	if h == nil {
		return nil
	}
	if strings.ToLower(h.Type) != "yt_dlp" {
		return fmt.Errorf("unsupported source_handler type %q", h.Type)
	}
	return nil
}

// FindVariant returns the named variant, or nil/true for the implicit
// default. The second return is false for an unknown name.
func (c *Channel) FindVariant(name string) (*Variant, bool) {
	if name == "" || name == DefaultVariant {
		return nil, true
	}
	for _, v := range c.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// Rendition is the post-merge view of one channel variant, carrying
// everything the launch path needs.
type Rendition struct {
	ChannelID     int
	ChannelName   string
	Variant       string
	Source        string
	ProfileName   string
	Custom        *CustomCommand
	SourceHandler *SourceHandler
	InputOptions  map[string]any
	InputArgs     []string
	OutputFormat  string
	HWAccel       *HWAccel
	AudioOnly     bool
	LLHLS         bool
}

// Rendition resolves the channel against a variant name, applying
// variant overrides on top of the channel body. An unknown variant name
// returns an error.
func (c *Channel) Rendition(variant string) (*Rendition, error) {
	v, ok := c.FindVariant(variant)
	if !ok {
		return nil, fmt.Errorf("channel %d has no variant %q", c.ID, variant)
	}

	r := &Rendition{
		ChannelID:     c.ID,
		ChannelName:   c.Name,
		Variant:       DefaultVariant,
		Source:        c.Source,
		ProfileName:   c.Profile,
		Custom:        c.Custom,
		SourceHandler: c.SourceHandler,
		InputOptions:  c.InputOptions,
		InputArgs:     c.InputArgs,
		OutputFormat:  c.OutputFormat,
		HWAccel:       c.HWAccel,
		AudioOnly:     c.AudioOnly,
		LLHLS:         c.LLHLS,
	}
	if c.UseYtDlp && r.SourceHandler == nil {
		r.SourceHandler = &SourceHandler{Type: "yt_dlp", Format: c.YtDlpFormat}
	}

	if v != nil {
		r.Variant = v.Name
		if v.Source != "" {
			r.Source = v.Source
		}
		if v.Profile != "" {
			r.ProfileName = v.Profile
		}
		if v.Custom != nil {
			r.Custom = v.Custom
		}
		if v.SourceHandler != nil {
			r.SourceHandler = v.SourceHandler
		} else if v.UseYtDlp {
			r.SourceHandler = &SourceHandler{Type: "yt_dlp", Format: v.YtDlpFormat}
		}
		if v.InputOptions != nil {
			r.InputOptions = v.InputOptions
		}
		if v.InputArgs != nil {
			r.InputArgs = v.InputArgs
		}
		if v.OutputFormat != "" {
			r.OutputFormat = v.OutputFormat
		}
		if v.HWAccel != nil {
			r.HWAccel = v.HWAccel
		}
		if v.AudioOnly {
			r.AudioOnly = true
		}
		if v.LLHLS {
			r.LLHLS = true
		}
	}
	return r, nil
}

// EpgIdentity returns the identifier joining this channel to EPG data:
// epg_id, a legacy tvg_id metadata key, then the numeric id.
func (c *Channel) EpgIdentity() string {
	if c.EpgID != "" {
		return c.EpgID
	}
	if v, ok := c.Extra["tvg_id"].(string); ok && v != "" {
		return v
	}
	return strconv.Itoa(c.ID)
}

// DisplayTvgName returns the playlist tvg-name, preferring the alt name.
func (c *Channel) DisplayTvgName() string {
	if c.TvgName != "" {
		return c.TvgName
	}
	return c.Name
}

// RegionPolicy exposes the channel's region restrictions.
func (c *Channel) RegionPolicy() region.Policy {
	return region.Policy{Allowed: c.RegionsAllowed, Blocked: c.RegionsBlocked}
}

// Clone returns a deep copy via the JSON round-trip. Registry mutations
// operate on clones so snapshots stay immutable.
func (c *Channel) Clone() (*Channel, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out Channel
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
