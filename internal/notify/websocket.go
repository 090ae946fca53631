// Package notify holds delivery adapters for the notification bus:
// WebSocketAdapter pushes live updates to connected clients, WebhookAdapter
// POSTs signed payloads to per-user webhook URLs. Both subscribe to
// internal/events and never touch a generation record directly.
package notify

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/events"
)

// WebSocketAdapter is a hub of live connections, re-themed from the
// teacher's DAG-visualization streamer to generation/cook/spell progress
// events: register/unregister/broadcast over the same channel shape.
type WebSocketAdapter struct {
	clients    map[*websocket.Conn]string // conn -> masterAccountId it's scoped to
	broadcast  chan *events.CloudEvent
	register   chan *clientReg
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

type clientReg struct {
	conn            *websocket.Conn
	masterAccountID string
}

func NewWebSocketAdapter(log zerolog.Logger) *WebSocketAdapter {
	return &WebSocketAdapter{
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan *events.CloudEvent, 256),
		register:  make(chan *clientReg),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Run drains register/unregister/broadcast in an endless loop and never
// returns, so it runs in its own goroutine for the life of the process.
func (ws *WebSocketAdapter) Run() {
	for {
		select {
		case reg := <-ws.register:
			ws.mu.Lock()
			ws.clients[reg.conn] = reg.masterAccountID
			ws.mu.Unlock()
			ws.log.Debug().Int("total", len(ws.clients)).Msg("notify: websocket client connected")

		case conn := <-ws.unregister:
			ws.mu.Lock()
			if _, ok := ws.clients[conn]; ok {
				delete(ws.clients, conn)
				conn.Close()
			}
			ws.mu.Unlock()

		case event := <-ws.broadcast:
			ws.deliver(event)
		}
	}
}

func (ws *WebSocketAdapter) deliver(event *events.CloudEvent) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	for conn, masterAccountID := range ws.clients {
		if event.MasterAccountID != "" && masterAccountID != event.MasterAccountID {
			continue
		}
		if err := conn.WriteJSON(event); err != nil {
			ws.log.Debug().Err(err).Msg("notify: websocket write failed, dropping client")
			go func(c *websocket.Conn) { ws.unregister <- c }(conn)
		}
	}
}

// HandleWebSocket upgrades an HTTP request and registers the connection,
// scoped to masterAccountID so a user only sees their own updates.
func (ws *WebSocketAdapter) HandleWebSocket(w http.ResponseWriter, r *http.Request, masterAccountID string) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.log.Warn().Err(err).Msg("notify: websocket upgrade failed")
		return
	}

	ws.register <- &clientReg{conn: conn, masterAccountID: masterAccountID}

	go func() {
		defer func() { ws.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Subscribe attaches this adapter to the bus for the four delivery event
// types it cares about.
func (ws *WebSocketAdapter) Subscribe(bus *events.EventBus) {
	ch := bus.Subscribe(
		events.TypeGenerationUpdated,
		events.TypeGenerationProgress,
		events.TypeCookProgress,
		events.TypeSpellStepCompleted,
	)
	go func() {
		for event := range ch {
			select {
			case ws.broadcast <- event:
			default:
				ws.log.Warn().Str("type", event.Type).Msg("notify: websocket broadcast queue full, dropping")
			}
		}
	}()
}

func (ws *WebSocketAdapter) ConnectedClients() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.clients)
}
