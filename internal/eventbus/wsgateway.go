package eventbus

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message is the envelope pushed to browser/CLI clients over the websocket
// gateway — one EventBus subscriber among several, kept from the teacher's
// websocket package almost verbatim since the wire shape (type/topic/payload
// JSON frame) is exactly what spec.md's transport-agnostic event stream
// needs at the edge.
type Message struct {
	Type    EventType `json:"type"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub bridges the in-process EventBus to externally connected websocket
// clients. It is itself an ordinary Bus subscriber (AllTopics) and fans
// events out to whichever clients are subscribed to the matching topic.
type Hub struct {
	bus *Bus
	sub *Subscription
	log *zap.Logger

	clients    map[*Client]struct{}
	topics     map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
}

// NewHub creates a push gateway bridging bus to websocket clients. Call Run
// in its own goroutine to start pumping events to clients.
func NewHub(bus *Bus, log *zap.Logger) *Hub {
	return &Hub{
		bus:        bus,
		log:        log,
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
}

// Run subscribes to the bus firehose and serves both client
// registration/unregistration and event fan-out until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.sub = h.bus.Subscribe(AllTopics)
	defer h.sub.Close()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				close(client.send)
			}

		case ev, ok := <-h.sub.Events():
			if !ok {
				return
			}
			msg := Message{Type: ev.Type, Topic: ev.Topic, Payload: ev.Payload}
			for c := range h.topics[ev.Topic] {
				select {
				case c.send <- msg:
				default:
					h.unregister <- c
				}
			}

		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			return
		}
	}
}

// ConnectedCount reports live client connections, for metrics/health checks.
func (h *Hub) ConnectedCount() int { return len(h.clients) }

// Client is a single connected websocket peer of the push gateway.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	topics []string
	log    *zap.Logger
}

// NewClient upgrades the HTTP request to a websocket connection and returns
// a Client subscribed to the given topics (exact topic strings such as
// "agent:<id>", "job:<id>", "workflow:<id>").
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, log *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		log:    log.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client and blocks pumping events until the connection
// closes. Call from the HTTP handler goroutine after NewClient succeeds.
func (c *Client) Run() {
	c.hub.register <- c
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("eventbus: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn("eventbus: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("eventbus: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("eventbus: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Warn("eventbus: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("eventbus: ping error", zap.Error(err))
				return
			}
		}
	}
}
