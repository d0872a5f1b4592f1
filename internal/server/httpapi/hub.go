package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/walletsync/internal/logging"
)

const writeWait = 5 * time.Second

type changeHint struct {
	Type     string `json:"type"`
	WalletID string `json:"wallet_id"`
}

// Hub tracks websocket subscribers per wallet and fans out change
// hints when a push lands new events.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger logging.Logger
}

// NewHub creates an empty subscriber registry.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{}), logger: logger}
}

func (h *Hub) add(walletID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[walletID]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		h.conns[walletID] = set
	}
	set[conn] = struct{}{}
}

func (h *Hub) remove(walletID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[walletID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, walletID)
		}
	}
}

// Broadcast sends a change hint to every subscriber of the wallet.
// Connections that fail to take the write are closed and dropped; their
// read loops will clean up the registration.
func (h *Hub) Broadcast(walletID string) {
	hint := changeHint{Type: "changed", WalletID: walletID}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns[walletID] {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(hint); err != nil {
			conn.Close()
			delete(h.conns[walletID], conn)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	walletID := r.URL.Query().Get("wallet_id")
	if walletID == "" {
		http.Error(w, "wallet_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	s.hub.add(walletID, conn)
	defer func() {
		s.hub.remove(walletID, conn)
		conn.Close()
	}()

	// Clients never send application messages; the read loop only
	// notices the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
