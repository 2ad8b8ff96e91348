package main

import (
	"errors"
	"log"
	"os"

	"github.com/keywarden/hww-agent/device"
	"github.com/keywarden/hww-agent/server"
	"github.com/keywarden/hww-agent/transport"
)

// Agent wires the transport, the device hub and the API server together and
// owns their lifecycle.
type Agent struct {
	Logger       *log.Logger
	ServerPort   int
	APISecret    string
	DeviceConfig device.Config

	// CertFile and KeyFile enable TLS on the API server when both are set.
	CertFile string
	KeyFile  string

	Transport *transport.Transport
	Hub       *device.Hub
	Server    *server.Server
}

// NewAgent creates an agent with the given device layer configuration.
func NewAgent(cfg device.Config) *Agent {
	return &Agent{
		Logger:       log.New(os.Stderr, "[agent] ", log.LstdFlags),
		DeviceConfig: cfg,
	}
}

// Start brings up the transport, the hub poll worker and the API server.
func (a *Agent) Start() error {
	if a.Server != nil {
		return errors.New("agent is already running")
	}

	a.Transport = transport.NewDefault()

	a.Hub = device.NewHub(a.Transport, a.DeviceConfig)
	a.Hub.Start()

	a.Server = server.New(server.Config{
		Hub:       a.Hub,
		Port:      a.ServerPort,
		APISecret: a.APISecret,
		CertFile:  a.CertFile,
		KeyFile:   a.KeyFile,
	})

	go a.Server.Start()
	return nil
}

// Stop tears everything down in reverse order: server first so no new
// operations arrive, then the hub, then the transport.
func (a *Agent) Stop() {
	if a.Server == nil && a.Hub == nil {
		a.Logger.Println("Agent is not running")
		return
	}

	a.Logger.Println("Stopping agent...")

	if a.Server != nil {
		a.Server.Stop()
		a.Server = nil
	}

	if a.Hub != nil {
		a.Hub.Stop()
		a.Hub = nil
	}

	if a.Transport != nil {
		a.Transport.Close()
		a.Transport = nil
	}

	a.Logger.Println("Agent stopped successfully")
}

// Running reports whether the agent is currently started.
func (a *Agent) Running() bool {
	return a.Server != nil
}

// DeviceCount returns the number of currently known devices.
func (a *Agent) DeviceCount() int {
	if a.Hub == nil {
		return 0
	}
	return len(a.Hub.Snapshot())
}

// ClientCount returns the number of connected WebSocket clients.
func (a *Agent) ClientCount() int {
	if a.Server == nil {
		return 0
	}
	return a.Server.ClientCount()
}
