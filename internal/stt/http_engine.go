package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/audio"
	"github.com/unerue/studytube/internal/domain"
)

const maxBackoff = 30 * time.Second

var ErrEndpointEmpty = errors.New("transcription endpoint empty")

type HTTPConfig struct {
	Endpoint   string
	APIKey     string
	Language   string
	Model      string
	Window     time.Duration
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

type transcriptionResponse struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("http error %d: %s", e.code, e.body) }

// HTTPEngine batches PCM into fixed windows and sends each window to a
// transcription server as a WAV upload.
type HTTPEngine struct {
	cfg    HTTPConfig
	room   domain.RoomID
	client *http.Client

	window []byte
	rate   int
	queued []string
	closed bool
}

func NewHTTPEngine(room domain.RoomID, cfg HTTPConfig) (*HTTPEngine, error) {
	if cfg.Endpoint == "" {
		return nil, ErrEndpointEmpty
	}
	if cfg.Window <= 0 {
		cfg.Window = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &HTTPEngine{
		cfg:  cfg,
		room: room,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// HTTPFactory builds an EngineFactory that creates one HTTPEngine per room.
func HTTPFactory(cfg HTTPConfig) EngineFactory {
	return func(_ context.Context, room domain.RoomID) (Engine, error) {
		return NewHTTPEngine(room, cfg)
	}
}

func (e *HTTPEngine) Feed(ctx context.Context, block audio.PCMBlock) error {
	if e.closed {
		return ErrEngineClosed
	}
	if block.Empty() {
		return nil
	}
	if e.rate != 0 && block.SampleRate != e.rate {
		if err := e.flush(ctx); err != nil {
			return err
		}
	}
	e.rate = block.SampleRate
	e.window = append(e.window, block.Data...)
	if len(e.window) < e.windowBytes() {
		return nil
	}
	return e.flush(ctx)
}

func (e *HTTPEngine) windowBytes() int {
	return int(e.cfg.Window.Seconds() * float64(e.rate) * 2)
}

func (e *HTTPEngine) flush(ctx context.Context) error {
	if len(e.window) == 0 {
		return nil
	}
	pcm := e.window
	e.window = nil
	text, err := e.transcribe(ctx, audio.EncodeWAV(pcm, e.rate), len(pcm)/2)
	if err != nil {
		return err
	}
	if text = strings.TrimSpace(text); text != "" {
		e.queued = append(e.queued, text)
	}
	return nil
}

// Text returns and clears whatever text has come back since the last call.
func (e *HTTPEngine) Text(context.Context) (string, error) {
	if e.closed {
		return "", ErrEngineClosed
	}
	if len(e.queued) == 0 {
		return "", nil
	}
	out := strings.Join(e.queued, " ")
	e.queued = e.queued[:0]
	return out, nil
}

func (e *HTTPEngine) Close() error {
	e.closed = true
	e.client.CloseIdleConnections()
	return nil
}

func (e *HTTPEngine) transcribe(ctx context.Context, wav []byte, samples int) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := min(e.cfg.Backoff<<(attempt-1), maxBackoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		text, err := e.do(ctx, wav, samples)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		log.Debug().Str("module", "stt.http").Str("room", string(e.room)).Int("attempt", attempt+1).Err(err).Msg("transcription retry")
	}
	return "", fmt.Errorf("transcription failed: %w", lastErr)
}

func (e *HTTPEngine) do(ctx context.Context, wav []byte, samples int) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	id := uuid.NewString()
	fw, err := w.CreateFormFile("file", id+".wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	fields := map[string]string{
		"chunk_id":    id,
		"room_id":     string(e.room),
		"sample_rate": strconv.Itoa(e.rate),
		"duration":    fmt.Sprintf("%.3f", float64(samples)/float64(e.rate)),
		"format":      "wav",
	}
	if e.cfg.Language != "" {
		fields["language"] = e.cfg.Language
	}
	if e.cfg.Model != "" {
		fields["model"] = e.cfg.Model
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &statusError{code: resp.StatusCode, body: string(body)}
	}
	var out transcriptionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Text, nil
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
