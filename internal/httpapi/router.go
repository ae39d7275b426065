// Package httpapi is a read-only monitoring surface for the relay:
// current sessions, in-flight transfers, and a websocket feed of
// join/leave events. LAN trust model, no auth.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/akosyrev/huddle/internal/registry"
	"github.com/akosyrev/huddle/internal/server"
	"github.com/akosyrev/huddle/internal/transfer"
)

// Relay is the part of the server the API reads from.
type Relay interface {
	Registry() *registry.Registry
	Tracker() *transfer.Tracker
	Subscribe() (<-chan server.Event, func())
}

// SessionDTO is the wire view of a session: no transport handles.
type SessionDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	MicOn           bool   `json:"mic_on"`
	CameraOn        bool   `json:"camera_on"`
	SharingScreen   bool   `json:"sharing_screen"`
	MediaRegistered bool   `json:"media_registered"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func SetupRouter(mode string, relay Relay) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": relay.Registry().Len()})
	})

	api.GET("/sessions", func(c *gin.Context) {
		sessions := relay.Registry().ListAll()
		out := make([]SessionDTO, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, SessionDTO{
				ID:              s.ID,
				Name:            s.Name,
				MicOn:           s.MicOn,
				CameraOn:        s.CameraOn,
				SharingScreen:   s.SharingScreen,
				MediaRegistered: s.MediaEndpoint != nil,
			})
		}
		c.JSON(http.StatusOK, out)
	})

	api.GET("/transfers", func(c *gin.Context) {
		c.JSON(http.StatusOK, relay.Tracker().Snapshot())
	})

	api.GET("/ws/events", func(c *gin.Context) {
		serveEvents(c, relay)
	})

	return r
}

// serveEvents streams join/leave events over a websocket until the peer
// goes away.
func serveEvents(c *gin.Context, relay Relay) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi").Msg("ws upgrade failed")
		return
	}
	defer ws.Close()

	events, cancel := relay.Subscribe()
	defer cancel()

	// Reader goroutine only to detect the close; the feed is one-way.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := ws.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
