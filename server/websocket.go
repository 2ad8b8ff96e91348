package server

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// WebsocketMessage represents an event message pushed to WebSocket clients.
type WebsocketMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebsocketRequest represents an incoming request from WebSocket clients.
type WebsocketRequest struct {
	ID      string                 `json:"id,omitempty"` // Client-generated request ID
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// WebsocketResponse represents a response to a WebSocket request.
type WebsocketResponse struct {
	ID      string `json:"id,omitempty"` // Same as request ID
	Type    string `json:"type"`         // Response type (e.g., "dispatchResponse")
	Success bool   `json:"success"`      // Whether the operation succeeded
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"` // Error message if failed
}

// SendSuccessResponse sends a success response to a WebSocket connection.
func SendSuccessResponse(conn *websocket.Conn, requestID string, responseType string, payload any) error {
	return conn.WriteJSON(WebsocketResponse{
		ID:      requestID,
		Type:    responseType,
		Success: true,
		Payload: payload,
	})
}

// SendErrorResponse sends a structured error response to a WebSocket
// connection.
func SendErrorResponse(conn *websocket.Conn, requestID string, errorCode string, message string) error {
	return conn.WriteJSON(WebsocketResponse{
		ID:      requestID,
		Type:    WSTypeError,
		Success: false,
		Error:   message,
		Payload: map[string]interface{}{
			"code": errorCode,
		},
	})
}

// WebsocketClientManager manages WebSocket client connections and
// broadcasting.
type WebsocketClientManager struct {
	clients map[*websocket.Conn]bool
	mu      sync.RWMutex
}

// NewClientManager creates a new WebsocketClientManager instance.
func NewClientManager() *WebsocketClientManager {
	return &WebsocketClientManager{
		clients: make(map[*websocket.Conn]bool),
	}
}

// Register adds a new client connection.
func (cm *WebsocketClientManager) Register(conn *websocket.Conn) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.clients[conn] = true
}

// Unregister removes a client connection.
func (cm *WebsocketClientManager) Unregister(conn *websocket.Conn) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.clients, conn)
}

// Count returns the number of connected clients.
func (cm *WebsocketClientManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.clients)
}

// CloseAll closes all client connections.
func (cm *WebsocketClientManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for client := range cm.clients {
		client.Close()
		delete(cm.clients, client)
	}
}

// Broadcast sends a message to all connected clients. Clients whose write
// fails are closed and removed from the pool.
func (cm *WebsocketClientManager) Broadcast(message WebsocketMessage) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for client := range cm.clients {
		err := client.WriteJSON(message)
		if err != nil {
			log.Printf("WebSocket write error: %v", err)
			client.Close()
			delete(cm.clients, client)
		}
	}
}
