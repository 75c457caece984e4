package supervisor

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"media-orchestrator/internal/models"
)

// Defaults applied by BuildArgs when a setting is left empty.
const (
	DefaultResolution       = "1280x720"
	DefaultVideoBitrateKbps = 2500
	DefaultFPS              = 30
	DefaultVideoCodec       = "libx264"
	DefaultAudioBitrateKbps = 128
	DefaultAudioCodec       = "aac"
	audioSampleRate         = "44100"
)

// WithDefaults fills every empty setting.
func WithDefaults(settings models.StreamSettings) models.StreamSettings {
	if strings.TrimSpace(settings.Resolution) == "" {
		settings.Resolution = DefaultResolution
	}
	if settings.VideoBitrateKbps <= 0 {
		settings.VideoBitrateKbps = DefaultVideoBitrateKbps
	}
	if settings.FPS <= 0 {
		settings.FPS = DefaultFPS
	}
	if strings.TrimSpace(settings.VideoCodec) == "" {
		settings.VideoCodec = DefaultVideoCodec
	}
	if settings.AudioBitrateKbps <= 0 {
		settings.AudioBitrateKbps = DefaultAudioBitrateKbps
	}
	if strings.TrimSpace(settings.AudioCodec) == "" {
		settings.AudioCodec = DefaultAudioCodec
	}
	return settings
}

// ParseResolution splits "WxH".
func ParseResolution(resolution string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(resolution)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("resolution %q must look like 1280x720", resolution)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("resolution %q has an invalid width", resolution)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("resolution %q has an invalid height", resolution)
	}
	return width, height, nil
}

// TargetURL is the publish destination: the custom ingest URL when set,
// otherwise ingestURL/key.
func TargetURL(ingestURL, key string, settings models.StreamSettings) string {
	if custom := strings.TrimSpace(settings.CustomIngestURL); custom != "" {
		return custom
	}
	base := strings.TrimRight(strings.TrimSpace(ingestURL), "/")
	key = strings.TrimSpace(key)
	if key == "" {
		return base
	}
	return base + "/" + key
}

// BuildArgs returns the ffmpeg arguments that republish source to target as
// an FLV stream. Settings are defaulted first; an unparsable resolution
// falls back to the default one.
func BuildArgs(source, target string, settings models.StreamSettings) []string {
	settings = WithDefaults(settings)
	width, height, err := ParseResolution(settings.Resolution)
	if err != nil {
		width, height, _ = ParseResolution(DefaultResolution)
	}

	args := []string{"-hide_banner", "-nostdin", "-re"}
	if settings.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-i", source)

	vbr := settings.VideoBitrateKbps
	args = append(args,
		"-c:v", settings.VideoCodec,
		"-b:v", fmt.Sprintf("%dk", vbr),
		"-maxrate", fmt.Sprintf("%dk", vbr),
		"-bufsize", fmt.Sprintf("%dk", 2*vbr),
		"-r", strconv.Itoa(settings.FPS),
		"-g", strconv.Itoa(2*settings.FPS),
		"-vf", scaleFilter(width, height, settings.Portrait),
		"-pix_fmt", "yuv420p",
		"-c:a", settings.AudioCodec,
		"-b:a", fmt.Sprintf("%dk", settings.AudioBitrateKbps),
		"-ar", audioSampleRate,
	)
	if settings.DurationLimit > 0 {
		seconds := int64(settings.DurationLimit.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		args = append(args, "-t", strconv.FormatInt(seconds, 10))
	}
	return append(args, "-f", "flv", target)
}

// scaleFilter fits the source inside the output frame and pads the rest.
// Portrait swaps the frame to HxW.
func scaleFilter(width, height int, portrait bool) string {
	if portrait {
		width, height = height, width
	}
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height, width, height)
}

// Fingerprint identifies a stream key without revealing it.
func Fingerprint(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(key))
	return "b2:" + hex.EncodeToString(sum[:12])
}

// Redact replaces every occurrence of secret in line.
func Redact(line, secret string) string {
	if secret == "" {
		return line
	}
	return strings.ReplaceAll(line, secret, "****")
}
