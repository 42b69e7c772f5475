package audio

import (
	"encoding/base64"
	"time"

	"github.com/embervoice/ember-go/pkg/core"
)

// Chunk is one encoded capture slice ready for transmission.
// Chunks are transient: produced by the capture stream and handed
// straight to the session channel, never retained.
type Chunk struct {
	Data       string // base64-encoded linear16 PCM
	CapturedAt time.Time
}

// PlaybackUnit is one decoded segment of synthesized speech ready to render.
type PlaybackUnit struct {
	PCM    []byte
	Config Config
}

// DurationMs returns the render duration of this unit.
func (u PlaybackUnit) DurationMs() int {
	return u.Config.DurationMs(len(u.PCM))
}

// Codec converts between raw PCM and the channel's base64 transport framing.
// The remote side accepts linear16 only; Codec carries the negotiated shape.
type Codec struct {
	config Config
}

// NewCodec creates a codec for the given audio shape.
func NewCodec(config Config) *Codec {
	return &Codec{config: config}
}

// Config returns the negotiated audio shape.
func (c *Codec) Config() Config {
	return c.config
}

// Encode wraps a raw capture buffer into a transmissible chunk.
func (c *Codec) Encode(pcm []byte, capturedAt time.Time) Chunk {
	return Chunk{
		Data:       base64.StdEncoding.EncodeToString(pcm),
		CapturedAt: capturedAt,
	}
}

// Decode unwraps a received payload into a playable unit.
// Malformed payloads yield a decode error; the caller drops the event.
func (c *Codec) Decode(data string) (PlaybackUnit, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return PlaybackUnit{}, core.NewDecodeError("malformed audio payload", err)
	}
	return PlaybackUnit{PCM: pcm, Config: c.config}, nil
}
