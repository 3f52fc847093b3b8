package main

import (
	"github.com/cloudflare/sslmanager"
	"github.com/spf13/pflag"
)

// modeValue adapts a VerificationMode to pflag.Value.
type modeValue struct {
	mode *sslmanager.VerificationMode
}

var _ pflag.Value = modeValue{}

func (v modeValue) String() string {
	if v.mode == nil {
		return ""
	}
	return v.mode.String()
}

func (v modeValue) Set(text string) error {
	return v.mode.UnmarshalText([]byte(text))
}

func (modeValue) Type() string {
	return "mode"
}

type flags struct {
	configFile string
	dataDir    string
	searchDirs []string
	clientMode sslmanager.VerificationMode
	serverMode sslmanager.VerificationMode
	verbosity  int
	passEnv    string
}

func (f *flags) register(fs *pflag.FlagSet) {
	f.clientMode = sslmanager.VerifyRelaxed
	f.serverMode = sslmanager.VerifyRelaxed

	fs.StringVarP(&f.configFile, "config", "c", "", "Path to configuration file (YAML)")
	fs.StringVar(&f.dataDir, "data-dir", "", "Application data directory (default: data/ next to the executable)")
	fs.StringSliceVar(&f.searchDirs, "search-dir", nil, "Fallback directory searched for the client CA bundle, may be repeated")
	fs.Var(modeValue{&f.clientMode}, "client-mode", "Verification mode of the default client context")
	fs.Var(modeValue{&f.serverMode}, "server-mode", "Verification mode of the default server context")
	fs.IntVarP(&f.verbosity, "verbose", "v", 0, "Log verbosity")
	fs.StringVar(&f.passEnv, "passphrase-env", "SSLMANAGER_KEY_PASSPHRASE", "Environment variable holding the private key passphrase")
}
