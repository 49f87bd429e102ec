package server

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// upgrader configures the WebSocket upgrader with origin validation for same-origin and local network connections.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Allow requests without Origin header (same-origin requests)
		if origin == "" {
			return true
		}
		host := r.Host
		if strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host) {
			return true
		}
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			return true
		}
		// Allow local network IPs (192.168.x.x, 10.x.x.x)
		if strings.Contains(origin, "192.168.") || strings.Contains(origin, "10.") {
			return true
		}
		slog.Warn("rejected WebSocket connection", "origin", origin)
		return false
	},
}

// Client is an upgraded WebSocket connection that is safe for concurrent writers.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// WriteJSON encodes v and sends it as one text message.
func (c *Client) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadCommand blocks until the next command arrives.
func (c *Client) ReadCommand() (WSCommand, error) {
	var cmd WSCommand
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return cmd, err
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		// Unparseable frames become unknown commands.
		return WSCommand{Type: "invalid"}, nil
	}
	return cmd, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
