// Package tlsmgr implements the shared, atomically-swappable per-domain
// TLS certificate manager (C9, spec.md §4.6): load a PEM pair from disk,
// fall back to a self-signed certificate if it's missing or expired,
// watch the domain directory for updates with a 1-second debounce, and
// run a daily renewal task that hands expiring certificates to the ACME
// client.
package tlsmgr

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/spire/internal/acme"
	"github.com/wudi/spire/internal/config"
	"github.com/wudi/spire/internal/logging"
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"
)

// domainCert holds one domain's hot-swappable certificate, the same
// atomic.Pointer hot-swap technique a TLS listener uses for manual
// reload, just keyed per domain instead of per listener.
type domainCert struct {
	ptr atomic.Pointer[tls.Certificate]
}

// Manager owns every TLS domain's certificate and the shared
// tls.Config.GetCertificate callback that resolves them by SNI name.
type Manager struct {
	baseDir              string
	renewalThresholdDays int
	acmeClients          map[string]*acme.Client // domain -> issuer, only for ACME-enabled domains

	mu      sync.RWMutex
	domains map[string]*domainCert
	order   []string // first-loaded domain is the SNI-miss fallback

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewManager builds a Manager rooted at cfg.BaseDir (default
// ~/.spire/domains).
func NewManager(cfg *config.CertManagerConfig) (*Manager, error) {
	baseDir := cfg.BaseDir
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("tlsmgr: resolve home dir: %w", err)
		}
		baseDir = filepath.Join(home, ".spire", "domains")
	}

	threshold := cfg.RenewalThresholdDays
	if threshold <= 0 {
		threshold = 30
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tlsmgr: new fsnotify watcher: %w", err)
	}

	return &Manager{
		baseDir:              baseDir,
		renewalThresholdDays: threshold,
		acmeClients:          make(map[string]*acme.Client),
		domains:              make(map[string]*domainCert),
		watcher:              watcher,
		stopCh:                make(chan struct{}),
	}, nil
}

// LoadDomain loads (or self-signs) domain's certificate and starts
// watching its directory for updates. acmeCfg is optional; when set and
// enabled, the domain is also registered for the daily renewal task.
func (m *Manager) LoadDomain(domain string, acmeCfg *config.ACMEConfig) error {
	dir := filepath.Join(m.baseDir, domain)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("tlsmgr: create domain dir %s: %w", dir, err)
	}

	dc := &domainCert{}
	cert, err := loadPEMPair(dir)
	if err != nil || certExpired(cert) {
		if err != nil {
			logging.Warn("tls cert load failed, generating self-signed fallback",
				zap.String("domain", domain), zap.Error(err))
		} else {
			logging.Warn("tls cert expired, generating self-signed fallback", zap.String("domain", domain))
		}
		cert, err = selfSignedCert(domain)
		if err != nil {
			return fmt.Errorf("tlsmgr: self-sign %s: %w", domain, err)
		}
	}
	dc.ptr.Store(cert)

	m.mu.Lock()
	if _, exists := m.domains[domain]; !exists {
		m.order = append(m.order, domain)
	}
	m.domains[domain] = dc
	m.mu.Unlock()

	if acmeCfg != nil && acmeCfg.Enabled {
		client, err := acme.NewClient(acmeCfg.DirectoryURL, acmeCfg.Email, "")
		if err != nil {
			return fmt.Errorf("tlsmgr: build acme client for %s: %w", domain, err)
		}
		m.mu.Lock()
		m.acmeClients[domain] = client
		m.mu.Unlock()
	}

	return m.watcher.Add(dir)
}

// GetCertificate is the tls.Config.GetCertificate callback: it resolves
// by the handshake's SNI server name, falling back to the first loaded
// domain when there's no match (mirrors an SNI cert resolver with a
// configured default certificate).
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	m.mu.RLock()
	dc, ok := m.domains[hello.ServerName]
	if !ok && len(m.order) > 0 {
		dc = m.domains[m.order[0]]
		ok = dc != nil
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("tlsmgr: no certificate available for %q", hello.ServerName)
	}
	return dc.ptr.Load(), nil
}

// TLSConfig returns a *tls.Config whose GetCertificate resolves any of
// this Manager's loaded domains by SNI.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Watch starts the directory-watch reload loop. Call once after every
// domain of interest has been loaded.
func (m *Manager) Watch() {
	go m.watchLoop()
}

func (m *Manager) watchLoop() {
	var mu sync.Mutex
	timers := make(map[string]*time.Timer)

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(event.Name)
			if base != certFileName && base != keyFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			domain := filepath.Base(filepath.Dir(event.Name))
			mu.Lock()
			if t, exists := timers[domain]; exists {
				t.Stop()
			}
			timers[domain] = time.AfterFunc(time.Second, func() { m.reloadDomain(domain) })
			mu.Unlock()

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("tls cert watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) reloadDomain(domain string) {
	m.mu.RLock()
	dc, ok := m.domains[domain]
	m.mu.RUnlock()
	if !ok {
		return
	}

	cert, err := loadPEMPair(filepath.Join(m.baseDir, domain))
	if err != nil {
		logging.Error("tls cert reload failed", zap.String("domain", domain), zap.Error(err))
		return
	}
	dc.ptr.Store(cert)
	logging.Info("tls certificate reloaded", zap.String("domain", domain))
}

// Stop closes the directory watcher.
func (m *Manager) Stop() error {
	close(m.stopCh)
	return m.watcher.Close()
}

// RunRenewalLoop runs until stopCh closes, checking every interval
// whether any ACME-registered domain's certificate needs renewing.
func (m *Manager) RunRenewalLoop(interval time.Duration, stopCh <-chan struct{}) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.renewExpiring()
		}
	}
}

func (m *Manager) renewExpiring() {
	m.mu.RLock()
	domains := make(map[string]*acme.Client, len(m.acmeClients))
	for d, c := range m.acmeClients {
		domains[d] = c
	}
	m.mu.RUnlock()

	for domain, client := range domains {
		m.mu.RLock()
		dc := m.domains[domain]
		m.mu.RUnlock()
		if dc == nil {
			continue
		}
		cert := dc.ptr.Load()
		if cert == nil || !nearExpiry(cert, m.renewalThresholdDays) {
			continue
		}

		logging.Info("tls certificate nearing expiry, renewing", zap.String("domain", domain))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		keyPEM, certPEM, err := client.IssueCertificate(ctx, domain)
		cancel()
		if err != nil {
			logging.Error("acme renewal failed", zap.String("domain", domain), zap.Error(err))
			continue
		}

		dir := filepath.Join(m.baseDir, domain)
		if err := writePEMPair(dir, keyPEM, certPEM); err != nil {
			logging.Error("failed to persist renewed certificate", zap.String("domain", domain), zap.Error(err))
			continue
		}
		// The fsnotify watch on dir picks this up and hot-swaps dc.ptr.
	}
}

func loadPEMPair(dir string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, certFileName), filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func writePEMPair(dir string, keyPEM, certPEM []byte) error {
	if err := os.WriteFile(filepath.Join(dir, keyFileName), keyPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, certFileName), certPEM, 0o644)
}

func certExpired(cert *tls.Certificate) bool {
	if cert == nil || len(cert.Certificate) == 0 {
		return true
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return true
	}
	return time.Now().After(leaf.NotAfter)
}

func nearExpiry(cert *tls.Certificate, thresholdDays int) bool {
	if len(cert.Certificate) == 0 {
		return true
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return true
	}
	remaining := time.Until(leaf.NotAfter)
	return remaining <= time.Duration(thresholdDays)*24*time.Hour
}

// selfSignedCert generates an ephemeral, self-signed certificate for
// domain, used whenever no valid on-disk PEM pair is available.
func selfSignedCert(domain string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        template,
	}, nil
}
