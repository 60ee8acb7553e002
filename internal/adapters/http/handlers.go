package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/app"
	"github.com/unerue/studytube/internal/domain"
)

const (
	defaultChatLimit = 50
	maxChatLimit     = 500

	maxClipBytes = 10 << 20
)

type handlers struct {
	registry *app.Registry
	history  app.ChatHistory
}

type SubtitleRequest struct {
	Text                string   `json:"text"`
	Confidence          *float64 `json:"confidence"`
	Username            string   `json:"username"`
	TranslatedText      string   `json:"translatedText"`
	Language            string   `json:"language"`
	TranslationLanguage string   `json:"translationLanguage"`
}

type SubtitleResponse struct {
	RoomID  domain.RoomID `json:"room_id"`
	SentTo  int           `json:"sent_to"`
	Dropped int           `json:"dropped"`
}

// roomParam writes a 400 and reports false when :room is unusable.
func roomParam(c *gin.Context) (domain.RoomID, bool) {
	id, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return id, true
}

func (h *handlers) health(c *gin.Context) {
	o := h.registry.Overview()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"rooms":       o.ActiveRooms,
		"connections": o.TotalConnections,
	})
}

func (h *handlers) overview(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Overview())
}

func (h *handlers) rooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.registry.List()})
}

func (h *handlers) participants(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	room, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": app.ErrRoomNotFound.Error()})
		return
	}
	list := room.Presence()
	c.JSON(http.StatusOK, gin.H{"room_id": id, "participants": list, "count": len(list)})
}

func (h *handlers) chat(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	limit := defaultChatLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxChatLimit)
	}
	msgs := h.history.History(id, limit)
	if msgs == nil {
		msgs = []app.ChatRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"room_id": id, "messages": msgs})
}

func (h *handlers) startRecognition(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	if _, err := h.registry.StartRecognition(c.Request.Context(), id); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(id)).Msg("start recognition")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	info, _ := h.registry.Info(id)
	c.JSON(http.StatusOK, info)
}

func (h *handlers) stopRecognition(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	if err := h.registry.StopRecognition(id); err != nil {
		if errors.Is(err, app.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": id, "recognition": "stopped"})
}

// injectSubtitle broadcasts operator supplied text as if it were recognized.
func (h *handlers) injectSubtitle(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	var req SubtitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid text"})
		return
	}
	room, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": app.ErrRoomNotFound.Error()})
		return
	}
	ev := domain.NewSubtitle(id, strings.TrimSpace(req.Text), 0)
	ev.Confidence = req.Confidence
	ev.Username = req.Username
	ev.TranslatedText = req.TranslatedText
	ev.Language = req.Language
	ev.TranslationLanguage = req.TranslationLanguage
	res := room.Subtitle(ev)
	c.JSON(http.StatusOK, SubtitleResponse{RoomID: id, SentTo: res.SentTo, Dropped: len(res.Dropped)})
}

// transcribe recognizes one uploaded clip. The clip is the multipart "file"
// field or, failing that, the raw request body.
func (h *handlers) transcribe(c *gin.Context) {
	id, ok := roomParam(c)
	if !ok {
		return
	}
	clip, err := readClip(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.registry.Transcribe(c.Request.Context(), id, clip)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", string(id)).Msg("transcribe")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func readClip(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxClipBytes)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, err
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return io.ReadAll(c.Request.Body)
}
