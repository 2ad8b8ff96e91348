package tls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
)

// Manager generates a locally trusted server certificate for the agent's API
// and installs the signing CA in the system trust store.
type Manager struct {
	configDir  string
	tlsDir     string
	caDir      string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string
	logger     *log.Logger
}

// NewManager creates a new TLS manager with the given config directory.
func NewManager(configDir string) *Manager {
	tlsDir := filepath.Join(configDir, "tls")
	caDir := filepath.Join(configDir, "ca")
	return &Manager{
		configDir:  configDir,
		tlsDir:     tlsDir,
		caDir:      caDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		logger:     log.New(os.Stderr, "[tls] ", log.LstdFlags),
	}
}

// EnsureCertificates checks and generates certificates as needed.
// Returns cert and key file paths, or error.
// Installs CA if not already trusted (may prompt user for password).
func (m *Manager) EnsureCertificates() (certFile, keyFile string, err error) {
	// Ensure TLS directory exists
	if err := os.MkdirAll(m.tlsDir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create TLS directory: %w", err)
	}

	// Get current hosts
	hosts, err := GetAllHosts()
	if err != nil {
		m.logger.Printf("Warning: failed to get LAN IPs: %v", err)
		hosts = []string{"localhost", "127.0.0.1"}
	}

	m.logger.Printf("Hosts for certificate: %v", hosts)

	// Check if we need to generate/regenerate certificates
	needsRegeneration := false

	if !m.certsExist() {
		m.logger.Println("Certificates not found, generating...")
		needsRegeneration = true
	} else if m.hostsChanged(hosts) {
		m.logger.Println("Network configuration changed, regenerating certificates...")
		needsRegeneration = true
	}

	if needsRegeneration {
		if err := m.generateCertificates(hosts); err != nil {
			return "", "", err
		}
	} else {
		m.logger.Println("Using existing certificates")
	}

	return m.certFile, m.keyFile, nil
}

// certsExist checks if both certificate files exist.
func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

// hostsChanged reports whether the current hosts differ from the set the
// existing certificate was issued for. An unreadable cache counts as
// changed: regenerating is always safe, serving a stale SAN list is not.
func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readCachedHosts()
	if err != nil {
		return true
	}

	a := slices.Clone(cached)
	b := slices.Clone(hosts)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

// readCachedHosts reads the host list the current certificate covers.
func (m *Manager) readCachedHosts() ([]string, error) {
	data, err := os.ReadFile(m.hostsFile)
	if err != nil {
		return nil, err
	}

	var hosts []string
	for _, line := range strings.Split(string(data), "\n") {
		if host := strings.TrimSpace(line); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, nil
}

// writeCachedHosts records the host list alongside the certificate.
func (m *Manager) writeCachedHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0600)
}

// generateCertificates generates new certificates using truststore.
func (m *Manager) generateCertificates(hosts []string) error {
	// Set CAROOT to our config directory so truststore stores CA there
	if err := os.MkdirAll(m.caDir, 0700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	os.Setenv("CAROOT", m.caDir)

	// Initialize truststore library (creates CA if needed)
	ml, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("failed to initialize truststore: %w", err)
	}

	// Check if CA is installed by trying to generate a test cert first
	// If the CA isn't trusted, we need to install it
	m.logger.Println("Ensuring CA is installed in system trust store...")
	m.logger.Println("(You may be prompted for your password)")

	// Install CA - this is idempotent and will prompt for password if needed
	if err := ml.Install(); err != nil {
		return fmt.Errorf("failed to install CA: %w", err)
	}

	m.logger.Println("CA installed successfully")

	// Generate server certificate
	m.logger.Printf("Generating certificate for hosts: %v", hosts)

	cert, err := ml.MakeCert(hosts, m.tlsDir)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	// Rename files to our expected names
	if cert.CertFile != m.certFile {
		if err := os.Rename(cert.CertFile, m.certFile); err != nil {
			return fmt.Errorf("failed to rename cert file: %w", err)
		}
	}
	if cert.KeyFile != m.keyFile {
		if err := os.Rename(cert.KeyFile, m.keyFile); err != nil {
			return fmt.Errorf("failed to rename key file: %w", err)
		}
	}

	// Cache the hosts
	if err := m.writeCachedHosts(hosts); err != nil {
		m.logger.Printf("Warning: failed to cache hosts: %v", err)
	}

	m.logger.Printf("Certificate generated: %s", m.certFile)

	// Log CA fingerprint for verification
	if fingerprint, err := m.GetCAFingerprint(); err == nil {
		m.logger.Printf("CA Fingerprint (SHA256): %s", fingerprint)
	}

	return nil
}

// GetCAFingerprint returns the SHA256 fingerprint of the CA certificate as
// colon-separated hex, the form users compare against the download page.
func (m *Manager) GetCAFingerprint() (string, error) {
	certPEM, err := os.ReadFile(m.caCertFile)
	if err != nil {
		return "", fmt.Errorf("failed to read CA certificate: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// ReadCACert reads and returns the CA certificate PEM data.
func (m *Manager) ReadCACert() ([]byte, error) {
	return os.ReadFile(m.caCertFile)
}
