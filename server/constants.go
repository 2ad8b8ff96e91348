package server

import "github.com/keywarden/hww-agent/buildinfo"

// mDNS service discovery constants
var (
	MDNSServiceType = "_hww-agent._tcp"
	MDNSServiceName = buildinfo.DisplayName
	MDNSDomain      = "local."
)

// WebSocket response types for request/response correlation
const (
	WSTypeWelcome           = "welcome"
	WSTypeHandshakeResponse = "handshakeResponse"
	WSTypeDiscoverResponse  = "discoverResponse"
	WSTypeDispatchResponse  = "dispatchResponse"
	WSTypeResumeResponse    = "resumeResponse"
	WSTypeCancelResponse    = "cancelResponse"
	WSTypeError             = "error"
)

// CORS configuration
const (
	CORSAllowOrigin  = "*"
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Content-Type, Authorization"
)
