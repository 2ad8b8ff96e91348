// Package main provides a hardware wallet agent: it bridges USB/HID wallet
// devices to local wallet frontends over a WebSocket API, queueing operations
// per device and surfacing on-device confirmation prompts as events.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fyne.io/systray"

	"github.com/keywarden/hww-agent/buildinfo"
	"github.com/keywarden/hww-agent/device"
	agenttls "github.com/keywarden/hww-agent/tls"
)

var (
	// CLI flags
	defaultPort           = 21325
	portFlag              int
	cliFlag               bool
	apiSecretFlag         string
	tlsFlag               bool
	caPortFlag            int
	configDirFlag         string
	pollIntervalFlag      time.Duration
	buttonTimeoutFlag     time.Duration
	pinTimeoutFlag        time.Duration
	passphraseTimeoutFlag time.Duration
)

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "." + buildinfo.DirName
	}
	return filepath.Join(dir, buildinfo.DirName)
}

func buildAgent() (*Agent, *agenttls.BootstrapServer) {
	cfg := device.DefaultConfig()
	cfg.PollInterval = pollIntervalFlag
	cfg.ButtonTimeout = buttonTimeoutFlag
	cfg.PinTimeout = pinTimeoutFlag
	cfg.PassphraseTimeout = passphraseTimeoutFlag

	agent := NewAgent(cfg)
	agent.ServerPort = portFlag
	agent.APISecret = apiSecretFlag

	var bootstrap *agenttls.BootstrapServer
	if tlsFlag {
		manager := agenttls.NewManager(configDirFlag)
		certFile, keyFile, err := manager.EnsureCertificates()
		if err != nil {
			log.Printf("Warning: TLS setup failed, falling back to plain HTTP: %v", err)
		} else {
			agent.CertFile = certFile
			agent.KeyFile = keyFile
			bootstrap = agenttls.NewBootstrapServer(manager, caPortFlag)
		}
	}

	return agent, bootstrap
}

func main() {
	def := device.DefaultConfig()

	flag.IntVar(&portFlag, "port", defaultPort, "Port to listen on for the WebSocket API")
	flag.BoolVar(&cliFlag, "cli", false, "Run in CLI mode (default: system tray mode)")
	flag.StringVar(&apiSecretFlag, "api-secret", "", "API secret required on WebSocket connect (optional)")
	flag.BoolVar(&tlsFlag, "tls", false, "Serve the API over TLS with a locally trusted certificate")
	flag.IntVar(&caPortFlag, "ca-port", defaultPort+1, "Port for the CA certificate download page when TLS is enabled")
	flag.StringVar(&configDirFlag, "config-dir", defaultConfigDir(), "Configuration directory for TLS material")
	flag.DurationVar(&pollIntervalFlag, "poll-interval", def.PollInterval, "Device enumeration interval")
	flag.DurationVar(&buttonTimeoutFlag, "button-timeout", def.ButtonTimeout, "How long to wait for an on-device button confirmation")
	flag.DurationVar(&pinTimeoutFlag, "pin-timeout", def.PinTimeout, "How long to wait for PIN entry")
	flag.DurationVar(&passphraseTimeoutFlag, "passphrase-timeout", def.PassphraseTimeout, "How long to wait for passphrase entry")
	flag.Parse()

	log.Printf("%s %s", buildinfo.DisplayName, buildinfo.FullVersion())

	agent, bootstrap := buildAgent()
	if bootstrap != nil {
		if err := bootstrap.Start(); err != nil {
			log.Printf("Warning: failed to start CA bootstrap server: %v", err)
		} else {
			defer bootstrap.Stop()
		}
	}

	if cliFlag {
		if err := agent.Start(); err != nil {
			log.Fatalf("Failed to start agent: %v", err)
		}
		defer agent.Stop()

		// Set up signal handling for graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		<-sigChan
		log.Println("Shutdown signal received, stopping agent...")
	} else {
		// Default systray mode
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			systray.Quit()
		}()

		app := NewSystrayApp(agent)
		app.Run()
	}
}
