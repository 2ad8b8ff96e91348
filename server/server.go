// Package server provides HTTP and WebSocket server infrastructure for the
// hardware wallet agent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/keywarden/hww-agent/buildinfo"
	"github.com/keywarden/hww-agent/device"
	"github.com/keywarden/hww-agent/protocol"
)

// DefaultSessionTimeout is how long an idle client session is kept alive.
const DefaultSessionTimeout = 30 * time.Minute

// Config holds the server configuration.
type Config struct {
	Hub            *device.Hub
	Port           int
	APISecret      string // Optional API secret required on WebSocket connect
	SessionTimeout time.Duration

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// DisableMDNS turns off service advertisement.
	DisableMDNS bool
}

// Server manages the HTTP and WebSocket server.
type Server struct {
	config     Config
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc

	clients  *WebsocketClientManager
	sessions *SessionManager
	upgrader websocket.Upgrader

	// Handler registry for the WebSocket command surface
	handlerRegistry *HandlerRegistry

	// mDNS service for auto-discovery
	mdnsServer *zeroconf.Server
}

// New creates a new server instance.
func New(config Config) *Server {
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = DefaultSessionTimeout
	}

	s := &Server{
		config:   config,
		clients:  NewClientManager(),
		sessions: NewSessionManager(config.APISecret, config.SessionTimeout),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		handlerRegistry: NewHandlerRegistry(),
	}

	s.handlerRegistry.Handle(protocol.CmdHandshake, s.handleHandshake)

	if config.Hub != nil {
		NewDeviceHandler(config.Hub).Register(s)
	}

	return s
}

// Handle implements HandlerServer.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.handlerRegistry.Handle(messageType, handler)
}

// StartLifecycle implements HandlerServer.
func (s *Server) StartLifecycle(start func(ctx context.Context)) {
	s.handlerRegistry.RegisterLifecycle(start)
}

// Broadcast implements HandlerServer.
func (s *Server) Broadcast(messageType string, payload any) {
	s.clients.Broadcast(WebsocketMessage{Type: messageType, Payload: payload})
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	return s.clients.Count()
}

// enableCORS is a middleware that adds CORS headers to responses.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// Start starts the HTTP server and blocks until Stop is called.
func (s *Server) Start() error {
	log.Printf("Starting %s...", buildinfo.DisplayName)

	mux := http.NewServeMux()

	apiV1 := "/api/v1"

	mux.HandleFunc(apiV1+"/health", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleHealthCheck(w, r)
	}))

	mux.HandleFunc(apiV1+"/devices", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleListDevices(w, r)
	}))

	mux.HandleFunc("/ws", enableCORS(s.handleWebSocket))

	mux.HandleFunc("/", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(buildinfo.DisplayName + " Running"))
	}))

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: mux,
	}

	useTLS := s.config.CertFile != "" && s.config.KeyFile != ""
	go func() {
		log.Printf("Starting server on %s (tls: %v)", s.httpServer.Addr, useTLS)
		var err error
		if useTLS {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
			s.cancel()
		}
	}()

	if !s.config.DisableMDNS {
		if err := s.startMDNS(); err != nil {
			log.Printf("Warning: Failed to start mDNS service: %v", err)
			log.Printf("Auto-discovery will not be available, but server will continue normally")
		}
	}

	// Start lifecycle handlers (DeviceHandler starts its event pump)
	s.handlerRegistry.StartLifecycleHandlers(s.ctx)

	// Block until shutdown is requested
	<-s.ctx.Done()
	log.Println("Server context cancelled, initiating shutdown...")

	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		log.Printf("mDNS service stopped")
	}

	s.clients.CloseAll()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		s.httpServer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// startMDNS registers the agent as an mDNS service so wallet frontends can
// discover it on the local network.
func (s *Server) startMDNS() error {
	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=/ws",
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, s.config.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mdnsServer = server
	log.Printf("mDNS service registered: %s on port %d", MDNSServiceName, s.config.Port)

	return nil
}

// handleWebSocket upgrades HTTP connections to WebSocket connections and
// manages the client connection lifecycle. Only one session may be active at
// a time (first come, first served).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
	w.Header().Set("Access-Control-Allow-Credentials", "true")

	secret := r.URL.Query().Get("secret")
	token, err := s.sessions.Acquire(secret, r.Header.Get("Origin"), r.RemoteAddr)
	if err != nil {
		if errors.Is(err, ErrBadSecret) {
			log.Printf("WebSocket connection rejected: invalid API secret")
			http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
			return
		}
		log.Printf("WebSocket connection rejected: session already claimed")
		http.Error(w, "Session already claimed by another client", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sessions.Release()
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	log.Printf("WebSocket connected from %s", r.RemoteAddr)

	defer func() {
		conn.Close()
		s.clients.Unregister(conn)
		s.sessions.Release()
		log.Printf("WebSocket disconnected, session released")
	}()

	s.clients.Register(conn)

	// Send the session token and current device snapshot up front
	welcome := map[string]any{
		"token":   token,
		"version": buildinfo.Version,
	}
	if s.config.Hub != nil {
		welcome["devices"] = s.deviceEntries()
	}
	conn.WriteJSON(WebsocketMessage{Type: WSTypeWelcome, Payload: welcome})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var wsRequest WebsocketRequest
		if err := json.Unmarshal(message, &wsRequest); err != nil {
			log.Printf("Failed to parse WebSocket message: %v", err)
			SendErrorResponse(conn, "", protocol.ErrCodeParseError, "Invalid message format")
			continue
		}
		s.sessions.RefreshTimeout()

		handler, ok := s.handlerRegistry.Get(wsRequest.Type)
		if !ok {
			log.Printf("Unknown message type: %s", wsRequest.Type)
			SendErrorResponse(conn, wsRequest.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", wsRequest.Type))
			continue
		}

		if err := handler(r.Context(), conn, wsRequest); err != nil {
			// Error already sent by the handler, just log it
			log.Printf("Handler error for message type '%s': %v", wsRequest.Type, err)
		}
	}
}

// handleHandshake re-issues the session token for clients that expect an
// explicit handshake exchange after connecting.
func (s *Server) handleHandshake(ctx context.Context, conn *websocket.Conn, req WebsocketRequest) error {
	var handshake protocol.HandshakeRequest
	raw, _ := json.Marshal(req.Payload)
	json.Unmarshal(raw, &handshake)

	if s.config.APISecret != "" && handshake.Secret != s.config.APISecret {
		SendErrorResponse(conn, req.ID, protocol.ErrCodeUnauthorized, "Invalid API secret")
		return ErrBadSecret
	}

	return SendSuccessResponse(conn, req.ID, WSTypeHandshakeResponse, protocol.HandshakeResponse{
		Token: s.sessions.CurrentToken(),
	})
}

// deviceEntries returns the hub's current devices as API entries.
func (s *Server) deviceEntries() []protocol.DeviceEntry {
	identities := s.config.Hub.Snapshot()
	entries := make([]protocol.DeviceEntry, 0, len(identities))
	for _, id := range identities {
		entries = append(entries, protocol.FromIdentity(id))
	}
	return entries
}

// handleListDevices serves the current device list (GET /api/v1/devices).
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.config.Hub == nil {
		json.NewEncoder(w).Encode(map[string]any{"devices": []protocol.DeviceEntry{}})
		return
	}

	identities, err := s.config.Hub.Discover()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error":     err.Error(),
			"errorCode": protocol.ErrorCodeFor(err),
		})
		return
	}

	entries := make([]protocol.DeviceEntry, 0, len(identities))
	for _, id := range identities {
		entries = append(entries, protocol.FromIdentity(id))
	}
	json.NewEncoder(w).Encode(map[string]any{"devices": entries})
}

// handleHealthCheck provides a health check endpoint (GET /api/v1/health).
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"version":   buildinfo.FullVersion(),
		"timestamp": time.Now().Format("2006-01-02T15:04:05Z07:00"),
	})
}
