// Package group implements the Group Supervisor: one ffmpeg subprocess per
// active output group, reading from its relay endpoint and tee-muxing to
// the group's destinations plus the bitrate meter.
package group

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"bitriver-multistream/internal/meter"
	"bitriver-multistream/internal/models"
	"bitriver-multistream/internal/platform"
	"bitriver-multistream/internal/relay"
)

// BuildArgs assembles the full ffmpeg argument vector for group, reading
// from the relay's per-group TCP endpoint and writing to every enabled,
// non-disabled destination plus the bitrate meter. disabledTargetIDs marks
// targets that should be skipped even if Enabled is true (a runtime
// toggle distinct from the persisted Enabled flag). registry resolves
// each destination's platform-specific URL/key composition.
func BuildArgs(group models.OutputGroup, registry *platform.Registry, disabledTargetIDs map[string]struct{}) []string {
	passthrough := group.Passthrough()

	args := []string{"-i", relay.InputURL(group.ID)}

	if passthrough {
		args = append(args, "-c:v", "copy", "-c:a", "copy")
	} else {
		args = append(args, encodeArgs(group)...)
	}

	args = append(args, flvTagArgs(group, passthrough)...)
	args = append(args, "-map", "0:v", "-map", "0:a", "-progress", "pipe:2", "-stats")

	outputs := destinationOutputs(group, registry, disabledTargetIDs)
	if len(outputs) == 0 {
		return args
	}

	needsDumpExtra := !passthrough && strings.Contains(group.Video.Codec, "qsv") && group.Container == "flv"
	teeLegs := make([]string, 0, len(outputs)+1)
	if len(outputs) == 1 {
		teeLegs = append(teeLegs, teeLeg(group.Container, outputs[0], needsDumpExtra, false))
	} else {
		for _, out := range outputs {
			teeLegs = append(teeLegs, teeLeg(group.Container, out, needsDumpExtra, true))
		}
	}
	teeLegs = append(teeLegs, fmt.Sprintf("[f=mpegts:onfail=ignore]%s", meter.OutputURL(group.ID)))

	args = append(args, "-f", "tee", strings.Join(teeLegs, "|"))
	return args
}

func teeLeg(container, output string, needsDumpExtra, onfailIgnore bool) string {
	var opts []string
	opts = append(opts, "f="+container)
	if onfailIgnore {
		opts = append(opts, "onfail=ignore")
	}
	if needsDumpExtra {
		opts = append(opts, "bsf/v=dump_extra")
	}
	return fmt.Sprintf("[%s]%s", strings.Join(opts, ":"), output)
}

func destinationOutputs(group models.OutputGroup, registry *platform.Registry, disabled map[string]struct{}) []string {
	var outputs []string
	for _, target := range group.StreamTargets {
		if !target.Enabled {
			continue
		}
		if _, skip := disabled[target.ID]; skip {
			continue
		}
		normalized := platform.NormalizeRTMPURL(target.URL)
		key := resolveStreamKey(target.StreamKey)
		outputs = append(outputs, registry.BuildIngestURL(target.Service, normalized, key))
	}
	return outputs
}

// resolveStreamKey resolves a `${VAR_NAME}` stream key from the process
// environment. If the variable is unset, the literal key is returned
// unchanged; no warning is logged for it, here or in BuildArgs, so the
// variable name never reaches the logs.
func resolveStreamKey(key string) string {
	if !strings.HasPrefix(key, "${") || !strings.HasSuffix(key, "}") || len(key) <= 3 {
		return key
	}
	name := key[2 : len(key)-1]
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	return key
}

func flvTagArgs(group models.OutputGroup, passthrough bool) []string {
	if group.Container != "flv" {
		return nil
	}
	var args []string
	if passthrough || strings.Contains(group.Video.Codec, "264") {
		args = append(args, "-tag:v", "7")
	}
	if passthrough || strings.Contains(group.Audio.Codec, "aac") {
		args = append(args, "-tag:a", "10")
	}
	if passthrough {
		args = append(args, "-bsf:a", "aac_adtstoasc")
	}
	return args
}

func encodeArgs(group models.OutputGroup) []string {
	v, a := group.Video, group.Audio
	args := []string{
		"-c:v", v.Codec,
		"-s", fmt.Sprintf("%dx%d", v.Width, v.Height),
		"-b:v", v.Bitrate,
	}
	args = append(args, cbrArgs(v.Codec, v.Bitrate)...)
	args = append(args,
		"-r", strconv.Itoa(v.FrameRate),
		"-c:a", a.Codec,
		"-b:a", a.Bitrate,
		"-ac", strconv.Itoa(a.Channels),
		"-ar", strconv.Itoa(a.SampleRate),
	)

	if v.Preset != "" {
		args = append(args, presetArgs(v.Codec, v.Preset)...)
	}
	if v.Profile != "" {
		args = append(args, "-profile:v", v.Profile)
	}
	if strings.Contains(v.Codec, "qsv") && strings.Contains(v.Codec, "264") {
		args = append(args, "-level", qsvH264Level(v.Height, v.FrameRate))
	}
	if strings.Contains(v.Codec, "qsv") {
		args = append(args, "-pix_fmt", "nv12")
	}
	if v.KeyframeSeconds > 0 && v.FrameRate > 0 {
		args = append(args, keyframeArgs(v.Codec, v.FrameRate, v.KeyframeSeconds)...)
	}
	return args
}

// cbrArgs returns the constant-bitrate discipline flags shared by every
// re-encoding codec: minrate == maxrate == bitrate, bufsize = 2*bitrate,
// plus per-encoder-family CBR knobs.
func cbrArgs(codec, bitrate string) []string {
	bufsize := doubleBitrate(bitrate)
	args := []string{"-minrate", bitrate, "-maxrate", bitrate, "-bufsize", bufsize}

	if strings.Contains(codec, "nvenc") || strings.Contains(codec, "qsv") || strings.Contains(codec, "amf") {
		args = append(args, "-rc", "cbr")
	}
	switch codec {
	case "libx264":
		args = append(args, "-x264-params", "nal-hrd=cbr:force-cfr=1")
	case "libx265":
		args = append(args, "-x265-params", "nal-hrd=cbr")
	}
	return args
}

// doubleBitrate doubles a bitrate value like "6000k" or "6M", preserving
// its unit suffix, for use as a tee-safe bufsize.
func doubleBitrate(bitrate string) string {
	trimmed := strings.TrimSpace(bitrate)
	if trimmed == "" {
		return bitrate
	}
	splitAt := len(trimmed)
	for i, r := range trimmed {
		if !(r >= '0' && r <= '9') && r != '.' {
			splitAt = i
			break
		}
	}
	value, suffix := trimmed[:splitAt], trimmed[splitAt:]
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return bitrate
	}
	return strconv.FormatFloat(f*2, 'f', -1, 64) + suffix
}

// keyframeArgs builds the GOP-aligned keyframe flags for fps/intervalSeconds:
// -g, plus keyint_min/sc_threshold for x264/x265, plus a force_key_frames
// timer expression at the same cadence.
func keyframeArgs(codec string, fps, intervalSeconds int) []string {
	gop := fps * intervalSeconds
	if gop <= 0 {
		return nil
	}
	args := []string{"-g", strconv.Itoa(gop)}
	if codec == "libx264" || codec == "libx265" {
		args = append(args, "-keyint_min", strconv.Itoa(gop), "-sc_threshold", "0")
	}
	args = append(args, "-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", intervalSeconds))
	return args
}

func qsvH264Level(height, fps int) string {
	switch {
	case height > 1080 || (height == 1080 && fps > 60):
		return "5.1"
	case height >= 1080 && fps >= 60:
		return "4.2"
	default:
		return "4.1"
	}
}

var nvencCanonicalPresets = map[string]struct{}{
	"p1": {}, "p2": {}, "p3": {}, "p4": {}, "p5": {}, "p6": {}, "p7": {},
	"default": {}, "slow": {}, "medium": {}, "fast": {}, "hp": {}, "hq": {},
	"bd": {}, "ll": {}, "llhq": {}, "llhp": {}, "lossless": {}, "losslesshp": {},
}

func mapNVENCPreset(preset string) string {
	normalized := strings.ToLower(strings.TrimSpace(preset))
	if normalized == "" {
		return "p4"
	}
	if _, ok := nvencCanonicalPresets[normalized]; ok {
		return normalized
	}
	switch normalized {
	case "ultrafast":
		return "p1"
	case "superfast":
		return "p2"
	case "veryfast", "performance", "low_latency", "low-latency", "lowlatency":
		return "p3"
	case "faster", "balanced":
		return "p4"
	case "slower":
		return "p6"
	case "veryslow", "quality":
		return "p7"
	default:
		return "p4"
	}
}

func mapQSVPreset(preset string) string {
	switch preset {
	case "quality":
		return "slow"
	case "balanced":
		return "medium"
	case "performance":
		return "fast"
	case "low_latency", "low-latency", "lowLatency":
		return "veryfast"
	default:
		return preset
	}
}

func mapx26xPreset(preset string) string {
	switch preset {
	case "quality":
		return "slow"
	case "balanced":
		return "medium"
	case "performance":
		return "fast"
	case "low_latency", "low-latency", "lowLatency":
		return "ultrafast"
	default:
		return preset
	}
}

func presetArgs(codec, preset string) []string {
	switch {
	case strings.Contains(codec, "amf"):
		return amfPresetArgs(preset)
	case strings.Contains(codec, "nvenc"):
		return []string{"-preset", mapNVENCPreset(preset)}
	case strings.Contains(codec, "qsv"):
		return append([]string{"-preset", mapQSVPreset(preset)},
			"-bf", "2", "-look_ahead", "1", "-look_ahead_depth", "30", "-async_depth", "4")
	case codec == "libx264" || codec == "libx265":
		return []string{"-preset", mapx26xPreset(preset)}
	default:
		return nil
	}
}

func amfPresetArgs(preset string) []string {
	var quality, usage string
	switch preset {
	case "quality", "slow", "slower", "veryslow":
		quality = "quality"
	case "balanced", "medium":
		quality = "balanced"
	case "speed", "performance", "fast", "faster", "veryfast", "superfast", "ultrafast":
		quality = "speed"
	case "low_latency", "low-latency", "lowLatency":
		quality, usage = "speed", "lowlatency"
	}
	var args []string
	if quality != "" {
		args = append(args, "-quality", quality)
	}
	if usage != "" {
		args = append(args, "-usage", usage)
	}
	return args
}

// sortedIDs is a small helper kept for callers that need deterministic
// iteration order over a set of group/target ids.
func sortedIDs(ids map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
