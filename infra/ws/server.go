package ws

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/routa/dispatch/core/model"
	"github.com/routa/dispatch/core/registry"
	"github.com/routa/dispatch/infra/logger"
)

// Engine consumes connection lifecycle and inbound frames.
// core/dispatch.Engine satisfies it.
type Engine interface {
	HandleConnect(c registry.Conn)
	HandleDisconnect(c registry.Conn)
	HandleEvent(c registry.Conn, env model.Envelope)
}

// Server upgrades HTTP requests to authenticated websocket sessions.
type Server struct {
	engine   Engine
	auth     *Authenticator
	log      logger.Logger
	upgrader websocket.Upgrader
}

func NewServer(engine Engine, auth *Authenticator, log logger.Logger) *Server {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Server{
		engine: engine,
		auth:   auth,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handle is the /ws endpoint. The token is checked before the upgrade so a
// bad credential gets a plain 401 instead of a half-open socket.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	ident, err := s.auth.IdentityFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	c := newClient(uuid.NewString(), ident, conn)
	s.engine.HandleConnect(c)
	s.log.Debugw("websocket session opened", map[string]interface{}{
		"conn_id": c.ID(),
		"party":   ident.PartyID,
		"role":    string(ident.Role),
	})
	go c.writePump()
	go c.readPump(s.engine)
}
