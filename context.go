package sslmanager

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/youmark/pkcs8"
)

// Role distinguishes client contexts from server contexts.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	}
	return "unknown"
}

// DefaultVerificationDepth is the number of intermediate certificates
// accepted between the peer certificate and the trust anchor when
// ContextParams.VerificationDepth is zero. Depth d accepts chains of up to
// d+2 certificates, as OpenSSL does.
const DefaultVerificationDepth = 9

var (
	// ErrChainTooDeep is returned when every verified chain is longer than
	// the context's verification depth.
	ErrChainTooDeep = errors.New("certificate chain exceeds verification depth")

	// ErrNoPassphrase is returned when an encrypted private key is loaded and
	// no observer supplied a passphrase.
	ErrNoPassphrase = errors.New("no passphrase supplied for encrypted private key")

	// ErrNoServerName is reported when a verifying client context does not
	// know which host it connects to.
	ErrNoServerName = errors.New("no server name to verify the certificate against")
)

const encryptedPKCS8Type = "ENCRYPTED PRIVATE KEY"

// ContextParams describes the files and verification settings a Context is
// built from. Empty file names mean "not configured".
type ContextParams struct {
	PrivateKeyFile    string
	CertificateFile   string
	CALocation        string // PEM file or directory of *.pem/*.crt files
	VerificationMode  VerificationMode
	VerificationDepth int
	LoadDefaultCAs    bool

	// Events receives verification failures and passphrase requests. May be
	// nil, in which case failures are fatal and encrypted keys cannot load.
	Events EventHandler
}

// Context is a TLS security context: the certificate, trust roots and
// verification policy for one side of a connection. The certificate and
// roots can be swapped with Reload while the context is in use.
type Context struct {
	role        Role
	params      ContextParams
	certificate atomic.Pointer[tls.Certificate]
	roots       atomic.Pointer[x509.CertPool]
	config      *tls.Config
}

// NewContext builds a Context for role and loads its files.
func NewContext(role Role, params ContextParams) (*Context, error) {
	if role != RoleClient && role != RoleServer {
		return nil, fmt.Errorf("invalid context role %d", int(role))
	}
	if !params.VerificationMode.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVerificationMode, int(params.VerificationMode))
	}
	if params.VerificationDepth <= 0 {
		params.VerificationDepth = DefaultVerificationDepth
	}

	c := &Context{
		role:   role,
		params: params,
	}

	if err := c.Reload(); err != nil {
		return nil, err
	}

	c.config = c.newConfig()

	return c, nil
}

func (c *Context) Role() Role                         { return c.role }
func (c *Context) VerificationMode() VerificationMode { return c.params.VerificationMode }
func (c *Context) VerificationDepth() int             { return c.params.VerificationDepth }
func (c *Context) PrivateKeyFile() string             { return c.params.PrivateKeyFile }
func (c *Context) CertificateFile() string            { return c.params.CertificateFile }
func (c *Context) CALocation() string                 { return c.params.CALocation }

// TLSConfig returns a copy of the tls.Config derived from the context. The
// copy keeps following Reload.
//
// A client verifies the server certificate against the ServerName of the
// returned config, read at handshake time, or else against the name sent in
// SNI. IP addresses are never sent in SNI, so set ServerName when dialing an
// IP; a verifying client with no name at all rejects the server.
func (c *Context) TLSConfig() *tls.Config {
	cfg := c.config.Clone()
	if c.role == RoleClient {
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return c.verifyConnection(cs, cfg.ServerName)
		}
	}
	return cfg
}

// Certificate returns the loaded certificate, or nil if the context has none.
func (c *Context) Certificate() *tls.Certificate {
	return c.certificate.Load()
}

// Reload reads the key pair and CA location from disk again. On error the
// previously loaded material stays in place.
func (c *Context) Reload() error {
	var certificate *tls.Certificate
	if c.params.CertificateFile != "" || c.params.PrivateKeyFile != "" {
		if c.params.CertificateFile == "" || c.params.PrivateKeyFile == "" {
			return fmt.Errorf("both certificate and private key files are required, got certificate %q and key %q",
				c.params.CertificateFile, c.params.PrivateKeyFile)
		}

		loaded, err := c.loadKeyPair()
		if err != nil {
			return err
		}
		certificate = &loaded
	}

	roots, err := c.loadRoots()
	if err != nil {
		return err
	}

	if certificate != nil {
		c.certificate.Store(certificate)
	}
	c.roots.Store(roots)

	return nil
}

// GetCertificate can be used as tls.Config.GetCertificate. It returns
// (nil, nil) if no certificate is loaded.
func (c *Context) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return c.certificate.Load(), nil
}

// GetClientCertificate can be used as tls.Config.GetClientCertificate. It
// returns an empty certificate if none is loaded, so none is sent.
func (c *Context) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	cert := c.certificate.Load()
	if cert == nil {
		cert = &tls.Certificate{}
	}

	return cert, nil
}

func (c *Context) newConfig() *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return c.verifyConnection(cs, "")
		},
	}

	switch c.role {
	case RoleServer:
		cfg.GetCertificate = c.GetCertificate
		cfg.ClientAuth = clientAuthType(c.params.VerificationMode)
	case RoleClient:
		cfg.GetClientCertificate = c.GetClientCertificate
		// Chains are verified in verifyConnection against the context's
		// own roots, which allows observers to override failures.
		cfg.InsecureSkipVerify = true
	}

	return cfg
}

func clientAuthType(mode VerificationMode) tls.ClientAuthType {
	switch mode {
	case VerifyRelaxed, VerifyOnce:
		return tls.RequestClientCert
	case VerifyStrict:
		return tls.RequireAnyClientCert
	}
	return tls.NoClientCert
}

// verifyConnection checks the peer chain. serverName is the host a client
// dialed; it takes precedence over cs.ServerName, which is empty for IPs.
func (c *Context) verifyConnection(cs tls.ConnectionState, serverName string) error {
	mode := c.params.VerificationMode
	if mode == VerifyNone || (mode == VerifyOnce && cs.DidResume) {
		return nil
	}

	if len(cs.PeerCertificates) == 0 {
		if c.role == RoleServer {
			// VerifyStrict is enforced by tls.RequireAnyClientCert.
			return nil
		}
		return c.verificationFailed(nil, errors.New("peer presented no certificate"))
	}

	opts := x509.VerifyOptions{
		Roots:         c.roots.Load(),
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if c.role == RoleClient {
		if serverName == "" {
			serverName = cs.ServerName
		}
		if serverName == "" {
			return c.verificationFailed(cs.PeerCertificates, ErrNoServerName)
		}
		// x509 matches IP SANs when the name parses as an IP.
		opts.DNSName = serverName
	} else {
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}

	chains, err := cs.PeerCertificates[0].Verify(opts)
	if err == nil {
		err = c.checkDepth(chains)
	}
	if err != nil {
		return c.verificationFailed(cs.PeerCertificates, err)
	}

	return nil
}

func (c *Context) checkDepth(chains [][]*x509.Certificate) error {
	for _, chain := range chains {
		// leaf and trust anchor are not counted
		if len(chain)-2 <= c.params.VerificationDepth {
			return nil
		}
	}
	return fmt.Errorf("%w of %d", ErrChainTooDeep, c.params.VerificationDepth)
}

func (c *Context) verificationFailed(peer []*x509.Certificate, err error) error {
	args := &VerificationErrorArgs{
		Role:  c.role,
		Chain: peer,
		Err:   err,
	}
	if len(peer) > 0 {
		args.Certificate = peer[0]
	}

	if c.params.Events != nil {
		c.params.Events.HandleVerificationError(args)
	}

	if args.Ignore {
		return nil
	}
	return err
}

func (c *Context) loadKeyPair() (tls.Certificate, error) {
	certPEM, err := os.ReadFile(c.params.CertificateFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("unable to read certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(c.params.PrivateKeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("unable to read private key: %w", err)
	}

	keyPEM, err = c.decryptPrivateKey(keyPEM)
	if err != nil {
		return tls.Certificate{}, err
	}

	certificate, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("unable to load certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certificate.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("unable to load certificate: %w", err)
	}

	certificate.Leaf = leaf

	return certificate, nil
}

// decryptPrivateKey returns keyPEM with encrypted PKCS#8 and legacy
// encrypted PEM blocks decrypted, asking the event handler for the
// passphrase at most once.
func (c *Context) decryptPrivateKey(keyPEM []byte) ([]byte, error) {
	var (
		out        []byte
		encrypted  bool
		passphrase string
		rest       = keyPEM
	)

	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		//nolint:staticcheck // legacy RFC 1423 keys are still produced by openssl -des3
		if block.Type == encryptedPKCS8Type || x509.IsEncryptedPEMBlock(block) {
			if passphrase == "" {
				var err error
				if passphrase, err = c.requestPassphrase(); err != nil {
					return nil, err
				}
			}

			decrypted, err := decryptBlock(block, passphrase)
			if err != nil {
				return nil, fmt.Errorf("unable to decrypt private key: %w", err)
			}
			block = decrypted
			encrypted = true
		}

		out = append(out, pem.EncodeToMemory(block)...)
	}

	if !encrypted {
		return keyPEM, nil
	}
	return out, nil
}

func (c *Context) requestPassphrase() (string, error) {
	req := &PassphraseRequest{
		Role:           c.role,
		PrivateKeyFile: c.params.PrivateKeyFile,
	}
	if c.params.Events != nil {
		c.params.Events.HandlePassphraseRequired(req)
	}
	if req.Passphrase == "" {
		return "", fmt.Errorf("%w: %s", ErrNoPassphrase, c.params.PrivateKeyFile)
	}
	return req.Passphrase, nil
}

func decryptBlock(block *pem.Block, passphrase string) (*pem.Block, error) {
	if block.Type == encryptedPKCS8Type {
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
		if err != nil {
			return nil, err
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, err
		}
		return &pem.Block{Type: "PRIVATE KEY", Bytes: der}, nil
	}

	//nolint:staticcheck // see decryptPrivateKey
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase))
	if err != nil {
		return nil, err
	}
	return &pem.Block{Type: block.Type, Bytes: der}, nil
}

func (c *Context) loadRoots() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if c.params.LoadDefaultCAs {
		system, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("unable to load system roots: %w", err)
		}
		pool = system
	}

	location := c.params.CALocation
	if location == "" {
		return pool, nil
	}

	info, err := os.Stat(location)
	if err != nil {
		return nil, fmt.Errorf("unable to load CA location: %w", err)
	}

	if !info.IsDir() {
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("unable to read CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", location)
		}
		return pool, nil
	}

	entries, err := os.ReadDir(location)
	if err != nil {
		return nil, fmt.Errorf("unable to read CA directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".pem", ".crt":
		default:
			continue
		}

		data, err := os.ReadFile(filepath.Join(location, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("unable to read CA file: %w", err)
		}
		pool.AppendCertsFromPEM(data)
	}

	return pool, nil
}
