package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/domain"
	"github.com/unerue/studytube/internal/metrics"
)

const minTranscribeBytes = 100

// Reasons a transcription came back without text.
const (
	ReasonTooSmall = "data_too_small"
	ReasonNoAudio  = "no_audio"
	ReasonNoSpeech = "no_speech"
)

type Transcription struct {
	RoomID domain.RoomID `json:"room_id"`
	Text   string        `json:"text"`
	Reason string        `json:"reason,omitempty"`
	SentTo int           `json:"sent_to"`
}

// Transcribe recognizes one uploaded clip with a fresh engine, outside any
// room's recognizer. Recognized text is broadcast as a subtitle when the
// room is live.
func (g *Registry) Transcribe(ctx context.Context, id domain.RoomID, clip []byte) (Transcription, error) {
	out := Transcription{RoomID: id}
	if len(clip) < minTranscribeBytes {
		out.Reason = ReasonTooSmall
		return out, nil
	}
	block := g.deps.Normalizer.Normalize(clip)
	if block.Empty() {
		out.Reason = ReasonNoAudio
		return out, nil
	}
	eng, err := g.deps.Engines(ctx, id)
	if err != nil {
		g.deps.Metrics.Error(metrics.KindEngine)
		return out, fmt.Errorf("transcribe: start engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn().Err(err).Str("module", "app.transcribe").Str("room", string(id)).Msg("close engine")
		}
	}()
	if err := eng.Feed(ctx, block); err != nil {
		g.deps.Metrics.Error(metrics.KindEngine)
		return out, fmt.Errorf("transcribe: feed: %w", err)
	}
	text, err := eng.Text(ctx)
	if err != nil {
		g.deps.Metrics.Error(metrics.KindEngine)
		return out, fmt.Errorf("transcribe: text: %w", err)
	}
	out.Text = strings.TrimSpace(text)
	if out.Text == "" {
		out.Reason = ReasonNoSpeech
		return out, nil
	}
	if room, ok := g.Get(id); ok {
		out.SentTo = room.Subtitle(domain.NewSubtitle(id, out.Text, 0)).SentTo
	}
	log.Info().Str("module", "app.transcribe").Str("room", string(id)).Int("bytes", len(clip)).Int("sent_to", out.SentTo).Msg("clip transcribed")
	return out, nil
}
