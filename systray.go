package main

import (
	"fmt"
	"log"
	"net"
	"os/exec"
	"runtime"
	"time"

	"fyne.io/systray"

	"github.com/keywarden/hww-agent/buildinfo"
)

// getLocalIPs returns a list of local IP addresses (excluding loopback)
func getLocalIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP.String())
			}
		}
	}
	return ips
}

// SystrayApp manages the system tray interface for the wallet agent.
type SystrayApp struct {
	agent *Agent

	// Menu items
	mStatus  *systray.MenuItem
	mDevices *systray.MenuItem
	mClients *systray.MenuItem
	mURL     *systray.MenuItem
	mCopyURL *systray.MenuItem
	mStart   *systray.MenuItem
	mStop    *systray.MenuItem
}

// NewSystrayApp creates a new systray application.
func NewSystrayApp(agent *Agent) *SystrayApp {
	return &SystrayApp{agent: agent}
}

// Run starts the systray application.
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

// onReady is called when the systray is ready
func (s *SystrayApp) onReady() {
	mQuit := s.setupUI()
	s.autoStartAgent()
	s.startStatusUpdater()
	go s.handleMenuEvents(mQuit)
}

// onExit is called when the systray is exiting
func (s *SystrayApp) onExit() {
	s.agent.Stop()
}

// setupUI initializes all menu items
func (s *SystrayApp) setupUI() (mQuit *systray.MenuItem) {
	systray.SetIcon(iconData)
	systray.SetTooltip(buildinfo.DisplayName)

	// Status section
	s.mStatus = systray.AddMenuItem("Starting...", "Agent Status")
	s.mStatus.Disable()

	s.mDevices = systray.AddMenuItem("Devices: 0", "Connected wallet devices")
	s.mDevices.Disable()

	s.mClients = systray.AddMenuItem("Clients: 0", "Connected frontends")
	s.mClients.Disable()

	systray.AddSeparator()

	// Server URL section
	s.mURL = systray.AddMenuItem("API: Not running", "WebSocket API URL")
	s.mURL.Disable()
	s.mCopyURL = systray.AddMenuItem("Copy API URL", "Copy API URL to clipboard")

	systray.AddSeparator()

	// Agent control section
	s.mStart = systray.AddMenuItem("Start Agent", "Start the wallet agent")
	s.mStop = systray.AddMenuItem("Stop Agent", "Stop the wallet agent")
	s.mStart.Disable() // Disable start since we're auto-starting
	s.mStop.Disable()  // Will be enabled once agent starts

	systray.AddSeparator()
	mQuit = systray.AddMenuItem("Quit", "Quit the application")

	return mQuit
}

// autoStartAgent starts the agent automatically
func (s *SystrayApp) autoStartAgent() {
	go func() {
		if err := s.agent.Start(); err == nil {
			s.updateStatus("Running")
			s.mURL.SetTitle("API: " + s.apiURL())
			s.mStop.Enable()
		} else {
			s.updateStatus("Failed to Start")
			s.mStart.Enable()
		}
	}()
}

// startStatusUpdater starts a goroutine that keeps the device and client
// counters current.
func (s *SystrayApp) startStatusUpdater() {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastDevices := -1
		lastClients := -1

		for range ticker.C {
			devices := s.agent.DeviceCount()
			clients := s.agent.ClientCount()

			if devices != lastDevices {
				s.mDevices.SetTitle(fmt.Sprintf("Devices: %d", devices))
				lastDevices = devices
			}
			if clients != lastClients {
				s.mClients.SetTitle(fmt.Sprintf("Clients: %d", clients))
				lastClients = clients
			}
		}
	}()
}

// handleMenuEvents processes all menu click events
func (s *SystrayApp) handleMenuEvents(mQuit *systray.MenuItem) {
	for {
		select {
		case <-s.mStart.ClickedCh:
			if err := s.agent.Start(); err == nil {
				s.updateStatus("Running")
				s.mURL.SetTitle("API: " + s.apiURL())
				s.mStart.Disable()
				s.mStop.Enable()
			} else {
				s.updateStatus("Failed to Start")
			}
		case <-s.mStop.ClickedCh:
			s.agent.Stop()
			s.updateStatus("Stopped")
			s.mURL.SetTitle("API: Not running")
			s.mStop.Disable()
			s.mStart.Enable()
		case <-s.mCopyURL.ClickedCh:
			if url := s.apiURL(); url != "" {
				if err := copyToClipboard(url); err != nil {
					log.Printf("[systray] Failed to copy to clipboard: %v", err)
				} else {
					log.Printf("[systray] Copied API URL to clipboard")
				}
			}
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

// updateStatus updates the status menu item and icon
func (s *SystrayApp) updateStatus(status string) {
	s.mStatus.SetTitle(status)

	switch status {
	case "Running":
		systray.SetIcon(iconDataConnected)
	case "Failed to Start":
		systray.SetIcon(iconDataError)
	case "Stopped":
		systray.SetIcon(iconDataStopped)
	default:
		// Starting or other states
		systray.SetIcon(iconData)
	}
}

// apiURL returns the WebSocket API URL for the current configuration.
func (s *SystrayApp) apiURL() string {
	ip := "localhost"
	if ips := getLocalIPs(); len(ips) > 0 {
		ip = ips[0]
	}

	wsProto := "ws"
	if s.agent.CertFile != "" && s.agent.KeyFile != "" {
		wsProto = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", wsProto, ip, s.agent.ServerPort)
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	_, err = stdin.Write([]byte(text))
	if err != nil {
		return err
	}

	stdin.Close()
	return cmd.Wait()
}
