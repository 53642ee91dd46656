package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/campusgate/backend/internal/events"
)

// DecisionStreamer pushes live engine events to WebSocket clients, giving
// security operators a real-time view of the decision stream.
type DecisionStreamer struct {
	bus        *events.Bus
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewDecisionStreamer creates the streamer. It subscribes to all bus events
// when Run starts.
func NewDecisionStreamer(bus *events.Bus) *DecisionStreamer {
	return &DecisionStreamer{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopCh:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // dashboard origin is enforced at the gateway
			},
		},
	}
}

// Run pumps bus events to connected clients until Stop is called.
func (ds *DecisionStreamer) Run() {
	feed := ds.bus.Subscribe()
	defer ds.bus.Unsubscribe(feed)

	for {
		select {
		case client := <-ds.register:
			ds.mu.Lock()
			ds.clients[client] = true
			total := len(ds.clients)
			ds.mu.Unlock()
			log.Printf("decision stream client connected (total: %d)", total)

		case client := <-ds.unregister:
			ds.mu.Lock()
			if _, ok := ds.clients[client]; ok {
				delete(ds.clients, client)
				client.Close()
			}
			ds.mu.Unlock()

		case event := <-feed:
			ds.mu.Lock()
			for client := range ds.clients {
				if err := client.WriteJSON(event); err != nil {
					client.Close()
					delete(ds.clients, client)
				}
			}
			ds.mu.Unlock()

		case <-ds.stopCh:
			ds.mu.Lock()
			for client := range ds.clients {
				client.Close()
			}
			ds.clients = make(map[*websocket.Conn]bool)
			ds.mu.Unlock()
			return
		}
	}
}

// Stop closes all client connections and halts the pump.
func (ds *DecisionStreamer) Stop() {
	ds.stopOnce.Do(func() { close(ds.stopCh) })
}

// HandleWebSocket upgrades an HTTP request into a stream subscription.
func (ds *DecisionStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ds.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	ds.register <- conn

	// Reader loop exists only to detect disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				ds.unregister <- conn
				return
			}
		}
	}()
}
