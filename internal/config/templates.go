package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns the starter file for kind: "mediad" or "catalog".
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "mediad":
		return mediadTemplate, nil
	case "catalog":
		return catalogTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const mediadTemplate = `network = "unix"
listen_addr = "/tmp/mediad.sock"
admin_addr = "127.0.0.1:7400"
cors_origins = ["http://localhost:3000"]
# comma-separated; every listed token is accepted during rotation
token = ""
catalog = "cmd/mediad/catalog.toml"

session_cap = 16
metadata_cap = 32
max_slots_per_session = 32
delivery_workers = 4
pid_poll_interval = "500ms"
write_timeout = "10s"
`

const catalogTemplate = `[[codecs]]
name = "loopback.avc"
mime = "video/avc"
kind = "decoder"
engine = "loopback"
sessions = ["codec", "player", "muxer"]

[[codecs]]
name = "loopback.aac"
mime = "audio/mp4a-latm"
kind = "decoder"
engine = "loopback"
sessions = ["codec", "player", "muxer"]

[[codecs]]
name = "loopback.raw"
mime = "video/raw"
kind = "decoder"
engine = "loopback"
sessions = ["codec", "player"]

[[codecs]]
name = "rtp.depacketizer"
mime = "application/rtp"
kind = "decoder"
engine = "rtp"
sessions = ["codec", "player"]

[[codecs]]
name = "rtp.packetizer"
mime = "application/rtp"
kind = "encoder"
engine = "rtp"
sessions = ["recorder"]

[[profiles]]
name = "camcorder.low"
quality = "low"
format = "mp4"
video_mime = "video/avc"
width = 640
height = 480
frame_rate = 30
video_bitrate = 1000000
audio_mime = "audio/mp4a-latm"
sample_rate = 44100
channels = 1
audio_bitrate = 64000

[[profiles]]
name = "voice"
quality = "low"
format = "m4a"
duration_seconds = 600
audio_mime = "audio/mp4a-latm"
sample_rate = 16000
channels = 1
audio_bitrate = 32000
`
