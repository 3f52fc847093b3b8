package main

import (
	"fmt"
	"log"
	"os"

	"github.com/cloudflare/sslmanager"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
)

const envPrefix = "SSLMANAGER_"

func newRootCmd() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:   "sslmanager",
		Short: "Inspect the default TLS contexts of an application",
		Long: `Resolve and build the default TLS client and server contexts the way an
application using the sslmanager package does.

Configuration is read from SSLMANAGER_* environment variables, or from the
file given with --config. Flags take precedence over both.`,
		SilenceUsage: true,
	}

	f.register(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newResolveCmd(f),
		newCheckCmd(f),
		newModesCmd(),
	)

	return rootCmd
}

// loadConfig layers the config file (or environment) and the flags that
// were set explicitly.
func loadConfig(cmd *cobra.Command, f *flags) (sslmanager.Config, error) {
	var (
		cfg sslmanager.Config
		err error
	)
	if f.configFile != "" {
		cfg, err = sslmanager.LoadConfigFile(f.configFile)
	} else {
		cfg, err = sslmanager.LoadConfigFromEnv(envPrefix)
	}
	if err != nil {
		return sslmanager.Config{}, err
	}

	flagSet := cmd.Flags()
	if flagSet.Changed("data-dir") {
		cfg.DataDir = f.dataDir
	}
	if flagSet.Changed("search-dir") {
		cfg.SearchDirs = f.searchDirs
	}
	if flagSet.Changed("client-mode") {
		cfg.ClientVerificationMode = f.clientMode
	}
	if flagSet.Changed("server-mode") {
		cfg.ServerVerificationMode = f.serverMode
	}

	return cfg, nil
}

func newLogger(cmd *cobra.Command, verbosity int) logr.Logger {
	stdr.SetVerbosity(verbosity)
	return stdr.New(log.New(cmd.ErrOrStderr(), "", log.LstdFlags))
}

// newManager builds a Manager from the layered configuration. The caller
// closes it.
func newManager(cmd *cobra.Command, f *flags) (*sslmanager.Manager, error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cmd, f.verbosity)
	opts := append(cfg.Options(), sslmanager.WithLogger(logger))

	m, err := sslmanager.New(sslmanager.NewProvider(), opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create manager: %w", err)
	}

	m.RegisterObserver(&cliObserver{
		log:        logger.WithName("observer"),
		passphrase: os.Getenv(f.passEnv),
	})

	return m, nil
}

// cliObserver supplies the private key passphrase from the environment and
// logs verification failures.
type cliObserver struct {
	log        logr.Logger
	passphrase string
}

func (o *cliObserver) OnPrivateKeyPassphraseRequired(req *sslmanager.PassphraseRequest) {
	if o.passphrase == "" {
		o.log.Info("private key is encrypted and no passphrase is set", "path", req.PrivateKeyFile)
		return
	}
	req.Passphrase = o.passphrase
}

func (o *cliObserver) OnClientVerificationError(args *sslmanager.VerificationErrorArgs) {
	o.log.Info(args.String())
}

func (o *cliObserver) OnServerVerificationError(args *sslmanager.VerificationErrorArgs) {
	o.log.Info(args.String())
}
