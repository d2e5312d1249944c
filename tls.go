package main

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// TLSMode selects how the HTTPS listener obtains its certificate.
type TLSMode string

const (
	TLSModeSelfSigned  TLSMode = "self-signed"
	TLSModeCustom      TLSMode = "custom"
	TLSModeLetsEncrypt TLSMode = "letsencrypt"
)

// TLSConfig is the runtime certificate configuration derived from the TOML
// [tls] section.
type TLSConfig struct {
	Mode TLSMode

	// Self-signed mode: the certificate CN and SAN (default "localhost").
	Domain string

	// Custom mode: operator-provided PEM files.
	CertPath string
	KeyPath  string

	// Let's Encrypt mode.
	LetsEncryptDomain string
	LetsEncryptEmail  string
	LetsEncryptCache  string
	AcceptTOS         bool
}

// GetTLSConfig builds the *tls.Config for the configured mode. Self-signed
// mode generates and caches a certificate on first use.
func (cfg *TLSConfig) GetTLSConfig() (*tls.Config, error) {
	switch cfg.Mode {
	case TLSModeLetsEncrypt:
		m, err := cfg.acmeManager()
		if err != nil {
			return nil, err
		}
		tc := baseTLSConfig()
		tc.GetCertificate = m.GetCertificate
		return tc, nil

	case TLSModeCustom:
		if cfg.CertPath == "" || cfg.KeyPath == "" {
			return nil, fmt.Errorf("custom TLS mode requires cert_path and key_path")
		}
		return loadKeyPair(cfg.CertPath, cfg.KeyPath)

	case TLSModeSelfSigned:
		return cfg.selfSignedConfig()

	default:
		return nil, fmt.Errorf("unknown TLS mode %q", cfg.Mode)
	}
}

// GetACMEHTTPHandler returns the autocert manager whose HTTPHandler must be
// mounted on port 80 for HTTP-01 challenges.
func (cfg *TLSConfig) GetACMEHTTPHandler() (*autocert.Manager, error) {
	if cfg.Mode != TLSModeLetsEncrypt {
		return nil, fmt.Errorf("ACME handler only available in letsencrypt mode")
	}
	return cfg.acmeManager()
}

func (cfg *TLSConfig) acmeManager() (*autocert.Manager, error) {
	if cfg.LetsEncryptDomain == "" {
		return nil, fmt.Errorf("letsencrypt mode requires a domain")
	}
	if !cfg.AcceptTOS {
		return nil, fmt.Errorf("letsencrypt mode requires accept_tos = true")
	}

	cacheDir := cfg.LetsEncryptCache
	if cacheDir == "" {
		cacheDir = "letsencrypt-cache"
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, fmt.Errorf("create certificate cache: %w", err)
	}

	return &autocert.Manager{
		Prompt:      autocert.AcceptTOS,
		Cache:       autocert.DirCache(cacheDir),
		HostPolicy:  autocert.HostWhitelist(cfg.LetsEncryptDomain),
		Email:       cfg.LetsEncryptEmail,
		RenewBefore: 30 * 24 * time.Hour,
	}, nil
}

func baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
	}
}

func loadKeyPair(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	tc := baseTLSConfig()
	tc.Certificates = []tls.Certificate{cert}
	return tc, nil
}

// selfSignedConfig loads the generated certificate from certs/, creating it
// on first run. Browsers will warn; printers skip verification on the local
// network.
func (cfg *TLSConfig) selfSignedConfig() (*tls.Config, error) {
	const certDir = "certs"
	certPath := filepath.Join(certDir, "server.crt")
	keyPath := filepath.Join(certDir, "server.key")

	if fileExists(certPath) && fileExists(keyPath) {
		logDebug("Loading self-signed certificate", "cert", certPath)
		return loadKeyPair(certPath, keyPath)
	}

	if err := os.MkdirAll(certDir, 0755); err != nil {
		return nil, fmt.Errorf("create certs directory: %w", err)
	}
	if err := generateSelfSignedCert(certPath, keyPath, cfg.Domain); err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	logInfo("Generated self-signed certificate", "cert", certPath, "domain", cfg.Domain)
	return loadKeyPair(certPath, keyPath)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// generateSelfSignedCert writes a fresh ECDSA P-256 certificate valid for
// five years, covering the domain plus localhost and loopback addresses.
func generateSelfSignedCert(certPath, keyPath, domain string) error {
	if domain == "" {
		domain = "localhost"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"PaperMinder"},
			CommonName:   domain,
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{domain, "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	return writePEM(keyPath, "PRIVATE KEY", keyDER, 0600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// httpRedirectListener answers plain HTTP on the TLS port with a redirect
// to https instead of letting the handshake fail with a cryptic error.
type httpRedirectListener struct {
	net.Listener
	httpsPort int
}

func newHTTPRedirectListener(inner net.Listener, httpsPort int) net.Listener {
	return &httpRedirectListener{Listener: inner, httpsPort: httpsPort}
}

// Accept peeks one byte per connection. A TLS ClientHello record starts with
// 0x16; anything else is treated as plain HTTP and redirected out of band.
func (l *httpRedirectListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		pc := &peekConn{Conn: conn, reader: bufio.NewReader(conn)}
		first, err := pc.reader.Peek(1)
		if err != nil {
			conn.Close()
			continue
		}
		if first[0] == 0x16 {
			return pc, nil
		}

		go l.redirect(pc)
	}
}

func (l *httpRedirectListener) redirect(pc *peekConn) {
	defer pc.Close()
	pc.SetDeadline(time.Now().Add(5 * time.Second))

	req, err := http.ReadRequest(pc.reader)
	if err != nil {
		return
	}

	host := req.Host
	if host == "" {
		host = "localhost"
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	target := fmt.Sprintf("https://%s:%d%s", host, l.httpsPort, req.URL.RequestURI())

	fmt.Fprintf(pc, "HTTP/1.1 301 Moved Permanently\r\nLocation: %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", target)
	logDebug("Redirected plain HTTP on TLS port",
		"remote_addr", pc.RemoteAddr().String(), "target", target)
}

// peekConn replays buffered bytes read during protocol detection.
type peekConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *peekConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func (c *peekConn) WriteTo(w io.Writer) (int64, error) {
	return c.reader.WriteTo(w)
}
