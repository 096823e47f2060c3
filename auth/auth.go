// Package auth loads the query server's ZPL-encoded CURVE certificate and
// client public-key allowlist, and wires them into a zmq4 ZAP handler.
package auth

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pebbe/zmq4"
)

// Certificate is a CURVE keypair plus optional metadata, as decoded from a
// ZPL ("ZeroMQ Property Language") certificate file.
type Certificate struct {
	PublicKey string // Z85-encoded
	SecretKey string // Z85-encoded, empty for a public-only (client) certificate
	Metadata  map[string]string
}

// LoadCertificate reads a ZPL certificate file such as the one produced by
// GenerateCertificate.
func LoadCertificate(path string) (*Certificate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseZPL(f)
}

// GenerateCertificate creates a fresh CURVE keypair and persists it as a
// ZPL certificate file at path, following the same load-or-generate-and-
// persist shape as the rest of this server's key material handling: if
// path already exists, it is loaded instead of overwritten.
func GenerateCertificate(path string) (*Certificate, error) {
	if cert, err := LoadCertificate(path); err == nil {
		return cert, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	pub, sec, err := zmq4.NewCurveKeypair()
	if err != nil {
		return nil, fmt.Errorf("auth: generate curve keypair: %w", err)
	}
	cert := &Certificate{PublicKey: pub, SecretKey: sec}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := writeZPL(path, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

func parseZPL(f *os.File) (*Certificate, error) {
	cert := &Certificate{Metadata: map[string]string{}}
	scanner := bufio.NewScanner(f)
	section := ""
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") && !strings.Contains(trimmed, "=") {
			section = trimmed
			continue
		}
		parts := strings.SplitN(trimmed, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		switch {
		case section == "curve" && key == "public-key":
			cert.PublicKey = val
		case section == "curve" && key == "secret-key":
			cert.SecretKey = val
		case section == "metadata":
			cert.Metadata[key] = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cert.PublicKey == "" {
		return nil, fmt.Errorf("auth: certificate missing curve public-key")
	}
	return cert, nil
}

func writeZPL(path string, cert *Certificate) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "metadata")
	fmt.Fprintf(w, "    name = %q\n", "query-server")
	fmt.Fprintln(w, "curve")
	fmt.Fprintf(w, "    public-key = %q\n", cert.PublicKey)
	if cert.SecretKey != "" {
		fmt.Fprintf(w, "    secret-key = %q\n", cert.SecretKey)
	}
	return w.Flush()
}

// LoadClientCertificates reads every ZPL certificate file in dir and
// returns the public keys found, for use with zmq4.AuthCurveAdd.
func LoadClientCertificates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		cert, err := LoadCertificate(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, cert.PublicKey)
	}
	return keys, nil
}

// State bundles the authentication configuration: an optional server
// keypair, an optional client-certificate directory, and an optional IP
// allowlist (spec.md §3, §4.4).
type State struct {
	ServerCertificate    *Certificate
	ClientCertificateDir string
	Whitelist            []net.IP
}

const zapDomain = "query-server"

// Start wires this State into zmq4's global ZAP authenticator. It must be
// called at most once per process (zmq4's authenticator is a singleton);
// the query-server command calls it before starting the worker.
//
// Curve authentication is enabled only when both a server certificate and
// a client-certificate directory are configured: a server key with no
// client directory leaves CURVE off on the reply socket ("anonymous" mode),
// matching spec.md §4.4.
func (s *State) Start(verbose bool) error {
	zmq4.AuthSetVerbose(verbose)
	zmq4.AuthStart()

	if len(s.Whitelist) > 0 {
		addrs := make([]string, len(s.Whitelist))
		for i, ip := range s.Whitelist {
			addrs[i] = ip.String()
		}
		zmq4.AuthAllow(zapDomain, addrs...)
	} else {
		zmq4.AuthAllow(zapDomain) // no restriction: empty allow-list means allow all
	}

	if s.ServerCertificate != nil && s.ClientCertificateDir != "" {
		keys, err := LoadClientCertificates(s.ClientCertificateDir)
		if err != nil {
			return fmt.Errorf("auth: load client certificates: %w", err)
		}
		zmq4.AuthCurveAdd(zapDomain, keys...)
	}
	return nil
}

// CurveEnabled reports whether the reply socket should run CURVE security.
func (s *State) CurveEnabled() bool {
	return s.ServerCertificate != nil && s.ClientCertificateDir != ""
}

// ConfigureServerSocket applies this State's curve settings to sock.
func (s *State) ConfigureServerSocket(sock *zmq4.Socket) error {
	if err := sock.SetZapDomain(zapDomain); err != nil {
		return err
	}
	if !s.CurveEnabled() {
		return nil
	}
	if err := sock.ServerAuthCurve(zapDomain, s.ServerCertificate.SecretKey); err != nil {
		return err
	}
	return nil
}

// Stop tears down the global ZAP authenticator.
func Stop() {
	zmq4.AuthStop()
}

// ParseWhitelist converts a list of IP literals from configuration into
// net.IP values. The first entry that doesn't parse makes it return a nil
// slice and an error.
func ParseWhitelist(raw []string) ([]net.IP, error) {
	ips := make([]net.IP, 0, len(raw))
	for _, r := range raw {
		ip := net.ParseIP(strings.TrimSpace(r))
		if ip == nil {
			return nil, fmt.Errorf("auth: invalid whitelist address %q", r)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}
