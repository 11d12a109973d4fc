package model

import (
	"encoding/json"
	"fmt"
)

// Metadata is the per-type extra payload of a message. Each variant belongs
// to exactly one MessageType.
type Metadata interface {
	MessageType() MessageType
}

// ImageMeta describes an image attachment.
type ImageMeta struct {
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// VoiceMeta describes a voice note.
type VoiceMeta struct {
	DurationSec float64 `json:"durationSec"`
}

// FileMeta describes a generic file attachment.
type FileMeta struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

// GifMeta describes a GIF picked from a provider.
type GifMeta struct {
	Title      string `json:"title,omitempty"`
	PreviewURL string `json:"previewUrl,omitempty"`
}

// SurpriseMeta is shown in place of withheld surprise content.
type SurpriseMeta struct {
	Hint string `json:"hint,omitempty"`
}

func (ImageMeta) MessageType() MessageType    { return TypeImage }
func (VoiceMeta) MessageType() MessageType    { return TypeVoice }
func (FileMeta) MessageType() MessageType     { return TypeFile }
func (GifMeta) MessageType() MessageType      { return TypeGif }
func (SurpriseMeta) MessageType() MessageType { return TypeSurprise }

// DecodeMetadata parses raw JSON into the variant selected by t. Empty input
// and text messages yield nil.
func DecodeMetadata(t MessageType, raw []byte) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var (
		meta Metadata
		err  error
	)
	switch t {
	case TypeText:
		return nil, fmt.Errorf("model: %s messages carry no metadata", t)
	case TypeImage:
		var m ImageMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case TypeVoice:
		var m VoiceMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case TypeFile:
		var m FileMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case TypeGif:
		var m GifMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	case TypeSurprise:
		var m SurpriseMeta
		err = json.Unmarshal(raw, &m)
		meta = m
	default:
		return nil, fmt.Errorf("model: unknown message type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("model: decode %s metadata: %w", t, err)
	}
	return meta, nil
}

// EncodeMetadata marshals m, returning nil for a nil variant.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
