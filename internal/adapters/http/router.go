package http

import (
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/unerue/studytube/internal/adapters/signal"
	"github.com/unerue/studytube/internal/app"
	"github.com/unerue/studytube/internal/config"
)

const sessionName = "StudytubeSessions"

// Deps are what the routes serve.
type Deps struct {
	Registry *app.Registry
	History  app.ChatHistory
	Lectures *signal.SignalWSController
	Gatherer prometheus.Gatherer
}

// requestLogger logs one line per request through zerolog. Websocket
// requests are logged when the connection ends.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Debug()
		if c.Writer.Status() >= 500 {
			ev = log.Error()
		}
		ev.Str("module", "adapters.http").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	h := &handlers{registry: deps.Registry, history: deps.History}
	if h.history == nil {
		h.history = app.NewMemoryArchive(0)
	}

	api := r.Group("/api")
	api.GET("/ws/lectures/:room", deps.Lectures.HandleLecture)
	api.GET("/ws/stt/:room", deps.Lectures.HandleAudio)
	api.GET("/health", h.health)
	api.GET("/metrics", h.overview)

	rooms := api.Group("/rooms")
	rooms.GET("", h.rooms)
	rooms.GET("/:room/participants", h.participants)
	rooms.GET("/:room/chat", h.chat)
	rooms.POST("/:room/recognition/start", h.startRecognition)
	rooms.POST("/:room/recognition/stop", h.stopRecognition)
	rooms.POST("/:room/subtitles", h.injectSubtitle)
	rooms.POST("/:room/transcribe", h.transcribe)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
