// Package ffmpeg plans and runs transcoder child processes. A Plan is
// the fully resolved command for one stream; Command executes it with
// stdout piped to the fan-out and stderr captured for diagnostics.
package ffmpeg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/amps-project/amps/internal/config"
)

// Plan is a fully resolved child command: what to execute, with which
// environment, and where segmented output lands.
type Plan struct {
	Argv []string
	Env  []string // nil inherits the parent environment
	Dir  string

	// Manifest is the playlist/manifest path for segmented shapes,
	// empty when output goes to stdout.
	Manifest   string
	PipeStdout bool
}

// Source is a resolved input: the URL plus transport hints carried back
// from the resolver.
type Source struct {
	URL               string
	Headers           map[string]string
	ProtocolWhitelist string
}

// HeaderBlock renders Headers into the single CRLF-joined block the
// -headers option expects. Keys are emitted in sorted order.
func (s Source) HeaderBlock() string {
	if len(s.Headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(s.Headers))
	for k := range s.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(s.Headers[k])
		b.WriteString("\r\n")
	}
	return b.String()
}

// BuildPlan renders a rendition into an executable plan for the given
// output shape. profile may be nil, which plans a plain stream copy.
// outDir is the per-stream directory segmented shapes write into; it is
// ignored for piped shapes.
func BuildPlan(r *config.Rendition, profile *config.Profile, tc *config.TranscoderConfig, src Source, shape, outDir string) (*Plan, error) {
	if r.Custom != nil {
		return customPlan(r, src)
	}

	argv := []string{tc.FFmpegPath, "-hide_banner", "-loglevel", "error", "-nostdin"}

	hw := r.HWAccel
	if hw == nil && profile != nil {
		hw = profile.HWAccel
	}
	argv = append(argv, hw.GlobalArgs()...)

	if block := src.HeaderBlock(); block != "" {
		argv = append(argv, "-headers", block)
	}
	if src.ProtocolWhitelist != "" {
		argv = append(argv, "-protocol_whitelist", src.ProtocolWhitelist)
	}
	argv = append(argv, inputOptionArgs(r.InputOptions)...)
	argv = append(argv, r.InputArgs...)

	if profile != nil && profile.IsTemplate() {
		return templatePlan(argv, r, profile, tc, src, shape, outDir)
	}

	argv = append(argv, "-i", src.URL)

	var opts []config.ProfileOption
	if profile != nil {
		opts = profile.OptionsCopy()
	} else {
		opts = []config.ProfileOption{{Key: "c", Value: "copy"}}
	}

	audioOnly := r.AudioOnly || shape == config.FormatAudio
	llhls := r.LLHLS || shape == config.FormatLLHLS
	if profile != nil {
		audioOnly = audioOnly || profile.AudioOnly
		llhls = llhls || profile.LLHLS
	}

	if audioOnly {
		if !hasFlag(opts, "vn") {
			argv = append(argv, "-vn")
		}
		acodec, rest, found := takeOption(opts, "acodec", "c:a")
		opts = rest
		if !found {
			acodec = "aac"
		}
		argv = append(argv, "-c:a", acodec)
	}

	plan := &Plan{}
	switch shape {
	case config.FormatTS, "":
		format, rest, found := takeOption(opts, "f", "format")
		opts = rest
		if !found {
			format = "mpegts"
		}
		argv = append(argv, optionArgs(opts)...)
		argv = append(argv, "-f", format, "pipe:1")
		plan.PipeStdout = true

	case config.FormatAudio:
		format, rest, found := takeOption(opts, "f", "format")
		opts = rest
		if !found {
			format = "adts"
		}
		argv = append(argv, optionArgs(opts)...)
		argv = append(argv, "-f", format, "pipe:1")
		plan.PipeStdout = true

	case config.FormatHLS, config.FormatLLHLS:
		var shapeArgs []string
		shapeArgs, opts = hlsArgs(opts, tc, llhls || shape == config.FormatLLHLS)
		argv = append(argv, optionArgs(opts)...)
		argv = append(argv, shapeArgs...)
		plan.Manifest = filepath.Join(outDir, "index.m3u8")
		argv = append(argv, plan.Manifest)

	case config.FormatDASH:
		var shapeArgs []string
		shapeArgs, opts = dashArgs(opts, tc)
		argv = append(argv, optionArgs(opts)...)
		argv = append(argv, shapeArgs...)
		plan.Manifest = filepath.Join(outDir, "manifest.mpd")
		argv = append(argv, plan.Manifest)

	case config.FormatRTSP:
		_, opts, _ = takeOption(opts, "f", "format")
		argv = append(argv, optionArgs(opts)...)
		argv = append(argv, "-f", "rtsp", "-rtsp_transport", "tcp", rtspTarget(tc, r))

	default:
		return nil, fmt.Errorf("unsupported output shape %q", shape)
	}

	plan.Argv = argv
	return plan, nil
}

// customPlan hands the whole launch to the inline command. Inline
// commands always stream to stdout; shape machinery does not apply.
func customPlan(r *config.Rendition, src Source) (*Plan, error) {
	argv, err := r.Custom.Expand(r.ChannelID, r.ChannelName, src.URL)
	if err != nil {
		return nil, fmt.Errorf("channel %d: %w", r.ChannelID, err)
	}
	return &Plan{
		Argv:       argv,
		Env:        r.Custom.Environ(os.Environ()),
		Dir:        r.Custom.Cwd,
		PipeStdout: true,
	}, nil
}

// templatePlan appends the expanded argv template after the input-side
// options. Templates own their output target; only segmented shapes
// retarget the final argument into the stream directory.
func templatePlan(prefix []string, r *config.Rendition, profile *config.Profile, tc *config.TranscoderConfig, src Source, shape, outDir string) (*Plan, error) {
	body := profile.ExpandTemplate(r.ChannelID, r.ChannelName, src.URL)
	plan := &Plan{}

	switch shape {
	case config.FormatHLS, config.FormatLLHLS:
		body = trimPipeTarget(body)
		shapeArgs, _ := hlsArgs(nil, tc, shape == config.FormatLLHLS || r.LLHLS || profile.LLHLS)
		body = append(body, shapeArgs...)
		plan.Manifest = filepath.Join(outDir, "index.m3u8")
		body = append(body, plan.Manifest)
	case config.FormatDASH:
		body = trimPipeTarget(body)
		shapeArgs, _ := dashArgs(nil, tc)
		body = append(body, shapeArgs...)
		plan.Manifest = filepath.Join(outDir, "manifest.mpd")
		body = append(body, plan.Manifest)
	case config.FormatRTSP:
		body = trimPipeTarget(body)
		body = append(body, "-f", "rtsp", "-rtsp_transport", "tcp", rtspTarget(tc, r))
	default:
		plan.PipeStdout = true
	}

	plan.Argv = append(prefix, body...)
	return plan, nil
}

// hlsArgs builds the HLS muxer arguments, consuming any overlapping
// profile options so user values win over defaults. Extra hls_flags
// from the profile are merged into the forced set.
func hlsArgs(opts []config.ProfileOption, tc *config.TranscoderConfig, llhls bool) ([]string, []config.ProfileOption) {
	segTime, opts, found := takeOption(opts, "hls_time")
	if !found {
		segTime = strconv.Itoa(tc.HLSSegmentSecs)
	}
	listSize, opts, found := takeOption(opts, "hls_list_size")
	if !found {
		listSize = "0"
	}
	strftime, opts, found := takeOption(opts, "strftime")
	if !found {
		strftime = "0"
	}
	extraFlags, opts, _ := takeOption(opts, "hls_flags")

	flags := "delete_segments+omit_endlist"
	if llhls {
		flags += "+append_list+program_date_time"
	}
	if extraFlags != "" {
		flags += "+" + extraFlags
	}

	args := []string{
		"-f", "hls",
		"-hls_time", segTime,
		"-hls_list_size", listSize,
		"-hls_flags", flags,
		"-strftime", strftime,
	}
	return args, opts
}

// dashArgs builds the DASH muxer arguments, profile options winning
// over defaults.
func dashArgs(opts []config.ProfileOption, tc *config.TranscoderConfig) ([]string, []config.ProfileOption) {
	segDur, opts, found := takeOption(opts, "seg_duration")
	if !found {
		segDur = strconv.Itoa(tc.HLSSegmentSecs)
	}
	remove, opts, found := takeOption(opts, "remove_at_exit")
	if !found {
		remove = "1"
	}
	args := []string{
		"-f", "dash",
		"-seg_duration", segDur,
		"-remove_at_exit", remove,
	}
	return args, opts
}

func rtspTarget(tc *config.TranscoderConfig, r *config.Rendition) string {
	base := strings.TrimRight(tc.RTSPBase, "/")
	return fmt.Sprintf("%s/stream_%d_%s", base, r.ChannelID, r.Variant)
}

// trimPipeTarget drops a trailing stdout target so a retargeted shape
// can supply its own.
func trimPipeTarget(argv []string) []string {
	if n := len(argv); n > 0 && (argv[n-1] == "pipe:1" || argv[n-1] == "-") {
		return argv[:n-1]
	}
	return argv
}

// inputOptionArgs renders the input_options mapping in sorted-key order.
// A nil value becomes a bare flag.
func inputOptionArgs(opts map[string]any) []string {
	if len(opts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var args []string
	for _, k := range keys {
		v := opts[k]
		if v == nil {
			args = append(args, "-"+k)
			continue
		}
		args = append(args, "-"+k, fmt.Sprint(v))
	}
	return args
}

func optionArgs(opts []config.ProfileOption) []string {
	var args []string
	for _, o := range opts {
		if o.Flag {
			args = append(args, "-"+o.Key)
			continue
		}
		args = append(args, "-"+o.Key, o.Value)
	}
	return args
}

// takeOption removes the first option matching any of the given keys
// and returns its value, the remaining options, and whether it was set.
func takeOption(opts []config.ProfileOption, keys ...string) (string, []config.ProfileOption, bool) {
	for i, o := range opts {
		for _, k := range keys {
			if o.Key == k {
				return o.Value, append(opts[:i:i], opts[i+1:]...), true
			}
		}
	}
	return "", opts, false
}

func hasFlag(opts []config.ProfileOption, key string) bool {
	for _, o := range opts {
		if o.Key == key {
			return true
		}
	}
	return false
}
