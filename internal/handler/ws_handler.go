package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"threatnet-coordinator/internal/fabric"
	"threatnet-coordinator/internal/util"
)

// WSHandler upgrades HTTP connections onto the event channel and hands
// them to the fabric.
type WSHandler struct {
	hub      *fabric.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWSHandler(hub *fabric.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from arbitrary hosts; identity is asserted
			// in the register event, not the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the connection and blocks for its lifetime.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			util.String("remote_addr", r.RemoteAddr),
			util.ErrorField(err),
		)
		return
	}
	h.hub.HandleConn(r.Context(), conn)
}
