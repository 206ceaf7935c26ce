// Package httpserver wires the HTTP surface: browser call setup, panel
// WebSocket, Twilio webhooks and health.
package httpserver

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/voicepanel/internal/config"
	"github.com/chadiek/voicepanel/internal/convai"
	"github.com/chadiek/voicepanel/internal/level"
	"github.com/chadiek/voicepanel/internal/panel"
	"github.com/chadiek/voicepanel/internal/rtc"
	"github.com/chadiek/voicepanel/internal/telephony"
	"github.com/chadiek/voicepanel/internal/voice"
)

var panelUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server bundles the router and its dependencies.
type Server struct {
	Echo    *echo.Echo
	Manager *panel.Manager

	cfg           config.Config
	rtcH          *rtc.Handler
	telephony     *telephony.Handler
	cleanupCancel context.CancelFunc
}

// NewController builds a fresh voice session controller against the
// configured agent. Exported so alternative entry points can reuse the
// wiring.
func NewController(cfg config.Config) *voice.Controller {
	svc := voice.NewElevenLabsService(func() *convai.Client {
		return convai.NewClient(cfg.ElevenLabsKey, cfg.ElevenLabsAgent)
	})
	return voice.NewController(svc, level.NewSampler(nil))
}

// New constructs the HTTP server with routes and starts the session cleanup
// routine.
func New(cfg config.Config) *Server {
	factory := func() *voice.Controller { return NewController(cfg) }

	s := &Server{
		cfg:       cfg,
		Manager:   panel.NewManager(cfg, factory),
		rtcH:      rtc.NewHandler(factory).WithICEServers(cfg.ICEServersJSON),
		telephony: telephony.NewHandler(factory),
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	e.Use(telephony.AuthMiddleware(cfg.TwilioAuthToken))

	e.GET("/healthz", s.handleHealth)
	e.POST("/call", s.handleCall)
	e.GET("/call/ws", s.handleCallWS)
	e.GET("/panel/ws", s.handlePanelWS)
	e.POST("/twilio/voice", s.telephony.HandleVoice)
	e.GET("/twilio/stream", s.telephony.HandleStream)

	s.Echo = e

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.cleanupCancel = cancel
	go s.Manager.StartCleanupRoutine(cleanupCtx)

	return s
}

// Start runs the server on the configured address.
func (s *Server) Start() error {
	return s.Echo.Start(s.cfg.HTTPAddress)
}

// Shutdown stops the server and closes every live session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cleanupCancel()
	s.Manager.Shutdown()
	return s.Echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.Manager.ActiveCount(),
	})
}

// handleCall accepts a WebRTC offer and answers it.
func (s *Server) handleCall(c echo.Context) error {
	if s.cfg.CallPassword != "" && !callAuthOK(c, s.cfg.CallPassword) {
		return c.String(http.StatusUnauthorized, "unauthorized")
	}

	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		log.Printf("httpserver: invalid offer: %v", err)
		return c.String(http.StatusBadRequest, "invalid offer")
	}

	answer, err := s.rtcH.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		log.Printf("httpserver: handle offer: %v", err)
		return c.String(http.StatusInternalServerError, "call setup failed")
	}
	return c.JSON(http.StatusOK, answer)
}

// handleCallWS serves WebSocket signaling with trickle ICE.
func (s *Server) handleCallWS(c echo.Context) error {
	s.rtcH.ServeWebSocket(c.Response(), c.Request(), s.cfg.CallPassword)
	return nil
}

// handlePanelWS upgrades a panel client and runs its session until close.
func (s *Server) handlePanelWS(c echo.Context) error {
	conn, err := panelUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("httpserver: panel upgrade: %v", err)
		return nil
	}

	sess, err := s.Manager.Create(c.Request().Context(), conn)
	if err != nil {
		log.Printf("httpserver: panel session: %v", err)
		_ = conn.WriteJSON(panel.NewErrorMessage("", panel.ErrCodeSessionLimit, err.Error()))
		_ = conn.Close()
		return nil
	}

	log.Printf("httpserver: panel session created: %s", sess.ID)
	sess.Start()

	<-sess.CloseChan
	_ = s.Manager.Remove(c.Request().Context(), sess.ID)
	log.Printf("httpserver: panel session closed: %s", sess.ID)
	return nil
}

// callAuthOK accepts the call password via query, bearer token or header.
func callAuthOK(c echo.Context, expected string) bool {
	r := c.Request()
	if r.URL.Query().Get("password") == expected {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == expected {
			return true
		}
	}
	return r.Header.Get("X-Auth-Token") == expected
}
