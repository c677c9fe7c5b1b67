package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/testutil/testlog"
)

func TestCatalogTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "catalog.toml")
	if err := WriteTemplate(path, "catalog", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if !cat.Supports(media.SessionCodec, "video/avc") {
		t.Fatalf("expected codec support for video/avc")
	}
	if cat.Supports(media.SessionRecorder, "video/avc") {
		t.Fatalf("recorder should not get a decoder")
	}
	if !cat.Supports(media.SessionRecorder, "APPLICATION/RTP") {
		t.Fatalf("mime match should ignore case")
	}
	if err := WriteTemplate(path, "catalog", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
}

func TestCatalogLoadsYAML(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	body := `codecs:
  - name: opus
    mime: audio/opus
    kind: decoder
    sessions: [codec]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if got := cat.For(media.SessionCodec); len(got) != 1 || got[0].Name != "opus" {
		t.Fatalf("unexpected entries: %+v", got)
	}
}

func TestCatalogValidation(t *testing.T) {
	testlog.Start(t)
	cases := map[string]CodecEntry{
		"name":    {Mime: "video/avc", Kind: KindDecoder, Sessions: []string{"codec"}},
		"mime":    {Name: "x", Mime: "avc", Kind: KindDecoder, Sessions: []string{"codec"}},
		"kind":    {Name: "x", Mime: "video/avc", Kind: "muxer", Sessions: []string{"codec"}},
		"session": {Name: "x", Mime: "video/avc", Kind: KindDecoder, Sessions: []string{"camera"}},
	}
	for name, entry := range cases {
		if err := ValidateCodecEntry(entry); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	dup := Catalog{Codecs: []CodecEntry{
		{Name: "a", Mime: "video/avc", Kind: KindDecoder, Sessions: []string{"codec"}},
		{Name: "a", Mime: "video/raw", Kind: KindDecoder, Sessions: []string{"codec"}},
	}}
	if err := ValidateCatalog(dup); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := ValidateCatalog(DefaultCatalog()); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
}

func TestCodecFieldsRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := DefaultCatalog().For(0)
	out, err := CodecsFromFields(CodecFields(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d entries, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i].Name != in[i].Name || out[i].Mime != in[i].Mime || len(out[i].Sessions) != len(in[i].Sessions) {
			t.Fatalf("entry %d mismatch: %+v vs %+v", i, out[i], in[i])
		}
	}
}

func TestUnknownTemplateKind(t *testing.T) {
	testlog.Start(t)
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestTemplateProfilesLoad(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "catalog.toml")
	if err := WriteTemplate(path, "catalog", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	low := cat.ProfilesFor("LOW")
	if len(low) != 2 || low[0].Name != "camcorder.low" || low[1].Name != "voice" {
		t.Fatalf("unexpected low profiles: %+v", low)
	}
	voice, ok := cat.Profile("voice")
	if !ok {
		t.Fatalf("voice profile missing")
	}
	tracks := voice.Tracks()
	if len(tracks) != 1 || tracks[0][media.ParamMime] != "audio/mp4a-latm" || tracks[0][media.ParamSampleRate] != "16000" {
		t.Fatalf("unexpected voice tracks: %+v", tracks)
	}
	if voice.OutputParams()[media.ParamFormat] != "m4a" {
		t.Fatalf("unexpected output params: %+v", voice.OutputParams())
	}
}

func TestProfileValidation(t *testing.T) {
	testlog.Start(t)
	cat := DefaultCatalog()
	good := RecorderProfile{Name: "p", Quality: QualityLow, Format: "mp4", AudioMime: "audio/mp4a-latm", SampleRate: 8000, Channels: 1}
	if err := ValidateProfile(good, cat); err != nil {
		t.Fatalf("valid profile rejected: %v", err)
	}
	cases := map[string]func(*RecorderProfile){
		"no name":       func(p *RecorderProfile) { p.Name = "" },
		"quality":       func(p *RecorderProfile) { p.Quality = "ultra" },
		"no format":     func(p *RecorderProfile) { p.Format = "" },
		"no tracks":     func(p *RecorderProfile) { p.AudioMime = "" },
		"no channels":   func(p *RecorderProfile) { p.Channels = 0 },
		"negative":      func(p *RecorderProfile) { p.AudioBitrate = -1 },
		"unmuxable":     func(p *RecorderProfile) { p.AudioMime = "application/rtp" },
		"video no size": func(p *RecorderProfile) { p.VideoMime = "video/avc" },
	}
	for name, mutate := range cases {
		p := good
		mutate(&p)
		if err := ValidateProfile(p, cat); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	dup := DefaultCatalog()
	dup.Profiles = append(dup.Profiles, dup.Profiles[0])
	if err := ValidateCatalog(dup); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate profile error, got %v", err)
	}
}

func TestProfileFieldsRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := DefaultCatalog().ProfilesFor("")
	out, err := ProfilesFromFields(ProfileFields(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d profiles, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("profile %d mismatch: %+v vs %+v", i, out[i], in[i])
		}
	}
}
