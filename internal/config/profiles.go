package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/mediactl/internal/media"
)

const (
	QualityLow  = "low"
	QualityHigh = "high"
)

// RecorderProfile is a named recording preset: the container a muxer session
// writes and the video and audio tracks it carries. Either track may be
// absent, not both.
type RecorderProfile struct {
	Name         string `toml:"name" yaml:"name" json:"name"`
	Quality      string `toml:"quality" yaml:"quality" json:"quality"`
	Format       string `toml:"format" yaml:"format" json:"format"`
	Seconds      int    `toml:"duration_seconds" yaml:"duration_seconds" json:"duration_seconds,omitempty"`
	VideoMime    string `toml:"video_mime" yaml:"video_mime" json:"video_mime,omitempty"`
	Width        int    `toml:"width" yaml:"width" json:"width,omitempty"`
	Height       int    `toml:"height" yaml:"height" json:"height,omitempty"`
	FrameRate    int    `toml:"frame_rate" yaml:"frame_rate" json:"frame_rate,omitempty"`
	VideoBitrate int    `toml:"video_bitrate" yaml:"video_bitrate" json:"video_bitrate,omitempty"`
	AudioMime    string `toml:"audio_mime" yaml:"audio_mime" json:"audio_mime,omitempty"`
	SampleRate   int    `toml:"sample_rate" yaml:"sample_rate" json:"sample_rate,omitempty"`
	Channels     int    `toml:"channels" yaml:"channels" json:"channels,omitempty"`
	AudioBitrate int    `toml:"audio_bitrate" yaml:"audio_bitrate" json:"audio_bitrate,omitempty"`
}

func defaultProfiles() []RecorderProfile {
	return []RecorderProfile{
		{
			Name: "camcorder.high", Quality: QualityHigh, Format: "mp4",
			VideoMime: "video/avc", Width: 1920, Height: 1080, FrameRate: 30, VideoBitrate: 8_000_000,
			AudioMime: "audio/mp4a-latm", SampleRate: 48000, Channels: 2, AudioBitrate: 128_000,
		},
		{
			Name: "camcorder.low", Quality: QualityLow, Format: "mp4",
			VideoMime: "video/avc", Width: 640, Height: 480, FrameRate: 30, VideoBitrate: 1_000_000,
			AudioMime: "audio/mp4a-latm", SampleRate: 44100, Channels: 1, AudioBitrate: 64_000,
		},
		{
			Name: "voice", Quality: QualityLow, Format: "m4a", Seconds: 600,
			AudioMime: "audio/mp4a-latm", SampleRate: 16000, Channels: 1, AudioBitrate: 32_000,
		},
	}
}

// OutputParams configures a muxer session for the profile's container.
func (p RecorderProfile) OutputParams() media.Params {
	return media.Params{media.ParamFormat: p.Format}
}

// Tracks returns the AddTrack parameters, video first.
func (p RecorderProfile) Tracks() []media.Params {
	var out []media.Params
	if video := p.videoParams(); video != nil {
		out = append(out, video)
	}
	if audio := p.audioParams(); audio != nil {
		out = append(out, audio)
	}
	return out
}

func (p RecorderProfile) videoParams() media.Params {
	if p.VideoMime == "" {
		return nil
	}
	params := media.Params{media.ParamMime: p.VideoMime}
	setInt(params, media.ParamWidth, p.Width)
	setInt(params, media.ParamHeight, p.Height)
	setInt(params, media.ParamFrameRate, p.FrameRate)
	setInt(params, media.ParamBitrate, p.VideoBitrate)
	return params
}

func (p RecorderProfile) audioParams() media.Params {
	if p.AudioMime == "" {
		return nil
	}
	params := media.Params{media.ParamMime: p.AudioMime}
	setInt(params, media.ParamSampleRate, p.SampleRate)
	setInt(params, media.ParamChannels, p.Channels)
	setInt(params, media.ParamBitrate, p.AudioBitrate)
	return params
}

func setInt(params media.Params, key string, v int) {
	if v != 0 {
		params[key] = strconv.Itoa(v)
	}
}

func (p *RecorderProfile) normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Quality = strings.ToLower(strings.TrimSpace(p.Quality))
	p.Format = strings.ToLower(strings.TrimSpace(p.Format))
	p.VideoMime = strings.ToLower(strings.TrimSpace(p.VideoMime))
	p.AudioMime = strings.ToLower(strings.TrimSpace(p.AudioMime))
}

// ValidateProfile checks p on its own and against the codecs of c: every
// track mime must be one c offers to muxer sessions.
func ValidateProfile(p RecorderProfile, c Catalog) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Quality != QualityLow && p.Quality != QualityHigh {
		return fmt.Errorf("quality must be %s or %s", QualityLow, QualityHigh)
	}
	if p.Format == "" {
		return fmt.Errorf("format is required")
	}
	if p.VideoMime == "" && p.AudioMime == "" {
		return fmt.Errorf("profile has no tracks")
	}
	for _, n := range []int{p.Seconds, p.Width, p.Height, p.FrameRate, p.VideoBitrate, p.SampleRate, p.Channels, p.AudioBitrate} {
		if n < 0 {
			return fmt.Errorf("negative value %d", n)
		}
	}
	if p.VideoMime != "" {
		if p.Width == 0 || p.Height == 0 || p.FrameRate == 0 {
			return fmt.Errorf("video track needs width, height and frame_rate")
		}
		if !c.Supports(media.SessionMuxer, p.VideoMime) {
			return fmt.Errorf("no muxer codec for %q", p.VideoMime)
		}
	}
	if p.AudioMime != "" {
		if p.SampleRate == 0 || p.Channels == 0 {
			return fmt.Errorf("audio track needs sample_rate and channels")
		}
		if !c.Supports(media.SessionMuxer, p.AudioMime) {
			return fmt.Errorf("no muxer codec for %q", p.AudioMime)
		}
	}
	return nil
}

// ProfilesFor lists profiles of quality ordered by name. An empty quality
// lists all.
func (c Catalog) ProfilesFor(quality string) []RecorderProfile {
	quality = strings.ToLower(strings.TrimSpace(quality))
	out := make([]RecorderProfile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		if quality == "" || p.Quality == quality {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Profile finds a profile by name.
func (c Catalog) Profile(name string) (RecorderProfile, bool) {
	name = strings.TrimSpace(name)
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return RecorderProfile{}, false
}
