// Package config loads the codec catalog that tells the daemon which codecs
// its engines can run and which session types may use them, plus the
// recorder profiles built on those codecs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/mediactl/internal/media"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	KindDecoder = "decoder"
	KindEncoder = "encoder"
)

// CodecEntry is one codec the daemon advertises.
type CodecEntry struct {
	Name     string   `toml:"name" yaml:"name" json:"name"`
	Mime     string   `toml:"mime" yaml:"mime" json:"mime"`
	Kind     string   `toml:"kind" yaml:"kind" json:"kind"`
	Engine   string   `toml:"engine" yaml:"engine" json:"engine,omitempty"`
	Sessions []string `toml:"sessions" yaml:"sessions" json:"sessions"`
}

// Catalog is the full codec list and the recorder profiles. It answers
// capability checks for the session manager.
type Catalog struct {
	Codecs   []CodecEntry      `toml:"codecs" yaml:"codecs" json:"codecs"`
	Profiles []RecorderProfile `toml:"profiles" yaml:"profiles" json:"profiles,omitempty"`
}

// DefaultCatalog lists what the built-in engines handle.
func DefaultCatalog() Catalog {
	return Catalog{
		Codecs: []CodecEntry{
			{Name: "loopback.raw", Mime: "video/raw", Kind: KindDecoder, Engine: "loopback", Sessions: []string{"codec", "player"}},
			{Name: "loopback.avc", Mime: "video/avc", Kind: KindDecoder, Engine: "loopback", Sessions: []string{"codec", "player", "muxer"}},
			{Name: "loopback.aac", Mime: "audio/mp4a-latm", Kind: KindDecoder, Engine: "loopback", Sessions: []string{"codec", "player", "muxer"}},
			{Name: "rtp.depacketizer", Mime: "application/rtp", Kind: KindDecoder, Engine: "rtp", Sessions: []string{"codec", "player"}},
			{Name: "rtp.packetizer", Mime: "application/rtp", Kind: KindEncoder, Engine: "rtp", Sessions: []string{"recorder"}},
		},
		Profiles: defaultProfiles(),
	}
}

// LoadCatalog reads a catalog from TOML, or YAML when path ends in .yaml or .yml.
func LoadCatalog(path string) (Catalog, error) {
	var cat Catalog
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cat)
	default:
		err = toml.Unmarshal(data, &cat)
	}
	if err != nil {
		return Catalog{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cat.normalize()
	if err := ValidateCatalog(cat); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

func (c *Catalog) normalize() {
	for i := range c.Codecs {
		e := &c.Codecs[i]
		e.Name = strings.TrimSpace(e.Name)
		e.Mime = strings.ToLower(strings.TrimSpace(e.Mime))
		e.Kind = strings.ToLower(strings.TrimSpace(e.Kind))
		e.Engine = strings.TrimSpace(e.Engine)
		for j := range e.Sessions {
			e.Sessions[j] = strings.ToLower(strings.TrimSpace(e.Sessions[j]))
		}
	}
	for i := range c.Profiles {
		c.Profiles[i].normalize()
	}
}

func ValidateCatalog(c Catalog) error {
	seen := make(map[string]struct{}, len(c.Codecs))
	for i, entry := range c.Codecs {
		if err := ValidateCodecEntry(entry); err != nil {
			return fmt.Errorf("codecs[%d] invalid: %w", i, err)
		}
		if _, dup := seen[entry.Name]; dup {
			return fmt.Errorf("codecs[%d] invalid: duplicate name %q", i, entry.Name)
		}
		seen[entry.Name] = struct{}{}
	}
	names := make(map[string]struct{}, len(c.Profiles))
	for i, p := range c.Profiles {
		if err := ValidateProfile(p, c); err != nil {
			return fmt.Errorf("profiles[%d] invalid: %w", i, err)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("profiles[%d] invalid: duplicate name %q", i, p.Name)
		}
		names[p.Name] = struct{}{}
	}
	return nil
}

func ValidateCodecEntry(e CodecEntry) error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if e.Mime == "" || !strings.Contains(e.Mime, "/") {
		return fmt.Errorf("mime %q is not type/subtype", e.Mime)
	}
	if e.Kind != KindDecoder && e.Kind != KindEncoder {
		return fmt.Errorf("kind must be %s or %s", KindDecoder, KindEncoder)
	}
	if len(e.Sessions) == 0 {
		return fmt.Errorf("sessions is required")
	}
	for _, raw := range e.Sessions {
		if _, ok := media.ParseSessionType(raw); !ok {
			return fmt.Errorf("unknown session type %q", raw)
		}
	}
	return nil
}

// Supports reports whether any entry offers mime to sessions of typ.
func (c Catalog) Supports(typ media.SessionType, mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	for _, entry := range c.Codecs {
		if entry.Mime == mime && entry.allows(typ) {
			return true
		}
	}
	return false
}

// For lists the entries usable by typ, ordered by name. A zero typ lists all.
func (c Catalog) For(typ media.SessionType) []CodecEntry {
	out := make([]CodecEntry, 0, len(c.Codecs))
	for _, entry := range c.Codecs {
		if typ == 0 || entry.allows(typ) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e CodecEntry) allows(typ media.SessionType) bool {
	for _, raw := range e.Sessions {
		if t, ok := media.ParseSessionType(raw); ok && t == typ {
			return true
		}
	}
	return false
}
