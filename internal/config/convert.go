package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/protocol/schema"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
)

// CodecFields encodes entries as repeated nested codec fields for a
// ListCodecs response.
func CodecFields(entries []CodecEntry) []tlv.Field {
	fields := make([]tlv.Field, 0, len(entries))
	for _, entry := range entries {
		nested := []tlv.Field{
			tlv.String(schema.FieldCodecName, entry.Name),
			tlv.String(schema.FieldCodecMime, entry.Mime),
			tlv.String(schema.FieldCodecKind, entry.Kind),
			tlv.String(schema.FieldCodecEngine, entry.Engine),
			tlv.String(schema.FieldCodecSession, strings.Join(entry.Sessions, ",")),
		}
		fields = append(fields, tlv.Bytes(schema.FieldCodec, tlv.EncodeFields(nested)))
	}
	return fields
}

// CodecsFromFields reverses CodecFields.
func CodecsFromFields(fields []tlv.Field) ([]CodecEntry, error) {
	raw := tlv.GetFields(fields, schema.FieldCodec)
	out := make([]CodecEntry, 0, len(raw))
	for i, f := range raw {
		payload, err := f.AsBytes()
		if err != nil {
			return nil, fmt.Errorf("codec[%d]: %w", i, err)
		}
		nested, err := tlv.DecodeFields(payload)
		if err != nil {
			return nil, fmt.Errorf("codec[%d]: %w", i, err)
		}
		entry := CodecEntry{
			Name:   nestedString(nested, schema.FieldCodecName),
			Mime:   nestedString(nested, schema.FieldCodecMime),
			Kind:   nestedString(nested, schema.FieldCodecKind),
			Engine: nestedString(nested, schema.FieldCodecEngine),
		}
		if sessions := nestedString(nested, schema.FieldCodecSession); sessions != "" {
			entry.Sessions = strings.Split(sessions, ",")
		}
		out = append(out, entry)
	}
	return out, nil
}

func nestedString(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	v, _ := f.AsString()
	return v
}

// ProfileFields encodes profiles as repeated nested profile fields for a
// ListProfiles response. Each track travels as its AddTrack parameter map.
func ProfileFields(profiles []RecorderProfile) []tlv.Field {
	fields := make([]tlv.Field, 0, len(profiles))
	for _, p := range profiles {
		nested := []tlv.Field{
			tlv.String(schema.FieldProfileName, p.Name),
			tlv.String(schema.FieldProfileQuality, p.Quality),
			tlv.String(schema.FieldProfileFormat, p.Format),
			tlv.U32(schema.FieldProfileSeconds, uint32(p.Seconds)),
		}
		if video := p.videoParams(); video != nil {
			nested = append(nested, tlv.Bytes(schema.FieldProfileVideo, tlv.EncodeStringMap(video)))
		}
		if audio := p.audioParams(); audio != nil {
			nested = append(nested, tlv.Bytes(schema.FieldProfileAudio, tlv.EncodeStringMap(audio)))
		}
		fields = append(fields, tlv.Bytes(schema.FieldProfile, tlv.EncodeFields(nested)))
	}
	return fields
}

// ProfilesFromFields reverses ProfileFields.
func ProfilesFromFields(fields []tlv.Field) ([]RecorderProfile, error) {
	raw := tlv.GetFields(fields, schema.FieldProfile)
	out := make([]RecorderProfile, 0, len(raw))
	for i, f := range raw {
		payload, err := f.AsBytes()
		if err != nil {
			return nil, fmt.Errorf("profile[%d]: %w", i, err)
		}
		nested, err := tlv.DecodeFields(payload)
		if err != nil {
			return nil, fmt.Errorf("profile[%d]: %w", i, err)
		}
		p := RecorderProfile{
			Name:    nestedString(nested, schema.FieldProfileName),
			Quality: nestedString(nested, schema.FieldProfileQuality),
			Format:  nestedString(nested, schema.FieldProfileFormat),
		}
		if sf, ok := tlv.GetField(nested, schema.FieldProfileSeconds); ok {
			secs, err := sf.AsU32()
			if err != nil {
				return nil, fmt.Errorf("profile[%d]: %w", i, err)
			}
			p.Seconds = int(secs)
		}
		if err := p.readTracks(nested); err != nil {
			return nil, fmt.Errorf("profile[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (p *RecorderProfile) readTracks(nested []tlv.Field) error {
	video, err := nestedParams(nested, schema.FieldProfileVideo)
	if err != nil {
		return err
	}
	if video != nil {
		p.VideoMime = video[media.ParamMime]
		if err := readInts(video, map[string]*int{
			media.ParamWidth:     &p.Width,
			media.ParamHeight:    &p.Height,
			media.ParamFrameRate: &p.FrameRate,
			media.ParamBitrate:   &p.VideoBitrate,
		}); err != nil {
			return err
		}
	}
	audio, err := nestedParams(nested, schema.FieldProfileAudio)
	if err != nil {
		return err
	}
	if audio != nil {
		p.AudioMime = audio[media.ParamMime]
		if err := readInts(audio, map[string]*int{
			media.ParamSampleRate: &p.SampleRate,
			media.ParamChannels:   &p.Channels,
			media.ParamBitrate:    &p.AudioBitrate,
		}); err != nil {
			return err
		}
	}
	return nil
}

func nestedParams(fields []tlv.Field, id uint16) (media.Params, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil, nil
	}
	payload, err := f.AsBytes()
	if err != nil {
		return nil, err
	}
	m, err := tlv.DecodeStringMap(payload)
	if err != nil {
		return nil, err
	}
	return media.Params(m), nil
}

func readInts(params media.Params, into map[string]*int) error {
	for key, dst := range into {
		v, err := params.Int(key, 0)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}
