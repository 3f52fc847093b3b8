package sslmanager

import (
	"os"
	"path/filepath"
)

// Resource names resolved against the application data directory.
const (
	// DefaultCALocation is the certificate authority bundle, for example
	// the Mozilla bundle published at https://curl.se/docs/caextract.html.
	DefaultCALocation = "ssl/cacert.pem"
	// DefaultPrivateKeyFile is the server private key.
	DefaultPrivateKeyFile = "ssl/privateKey.pem"
	// DefaultCertificateFile is the server certificate.
	DefaultCertificateFile = "ssl/certificate.pem"
)

// DataPathResolver maps a resource name to an absolute path under the
// application's data directory.
type DataPathResolver interface {
	DataPath(name string) string
}

// DataDir resolves names relative to a directory. Absolute names are
// returned unchanged.
type DataDir string

func (d DataDir) DataPath(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}

	p := filepath.Join(string(d), name)
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// DefaultDataDir is the "data" directory next to the running executable,
// falling back to "data" in the working directory.
func DefaultDataDir() DataDir {
	exe, err := os.Executable()
	if err != nil {
		return DataDir("data")
	}
	return DataDir(filepath.Join(filepath.Dir(exe), "data"))
}

// Paths are the file locations a default context is built from. Empty
// fields are not configured.
type Paths struct {
	PrivateKeyFile  string
	CertificateFile string
	CALocation      string
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
