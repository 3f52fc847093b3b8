package main

import (
	"fmt"
	"io"
	"time"

	"github.com/cloudflare/sslmanager"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newResolveCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Print the files the default contexts are built from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd, f)
			if err != nil {
				return err
			}
			defer m.Close() // nolint: errcheck

			out := cmd.OutOrStdout()
			server := m.ServerPaths()
			client := m.ClientPaths()

			fmt.Fprintln(out, "server:")
			printPaths(out, server)
			fmt.Fprintln(out, "client:")
			printPaths(out, client)
			return nil
		},
	}
}

func printPaths(w io.Writer, p sslmanager.Paths) {
	fmt.Fprintf(w, "  %-12s %s\n", "private key", orNone(p.PrivateKeyFile))
	fmt.Fprintf(w, "  %-12s %s\n", "certificate", orNone(p.CertificateFile))
	fmt.Fprintf(w, "  %-12s %s\n", "CA", orNone(p.CALocation))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func newCheckCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Build the default client and server contexts",
		Long: `Build the default client and server contexts concurrently and report
their verification mode and certificate. Fails if either cannot be built.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd, f)
			if err != nil {
				return err
			}
			defer m.Close() // nolint: errcheck

			var server, client *sslmanager.Context
			var g errgroup.Group
			g.Go(func() (err error) {
				server, err = m.DefaultServerContext()
				return err
			})
			g.Go(func() (err error) {
				client, err = m.DefaultClientContext()
				return err
			})
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printContext(out, server)
			printContext(out, client)
			return nil
		},
	}
}

func printContext(w io.Writer, ctx *sslmanager.Context) {
	fmt.Fprintf(w, "%s: %s (depth %d)\n", ctx.Role(), ctx.VerificationMode(), ctx.VerificationDepth())

	cert := ctx.Certificate()
	if cert == nil || cert.Leaf == nil {
		fmt.Fprintln(w, "  no certificate")
		return
	}
	fmt.Fprintf(w, "  subject   %s\n", cert.Leaf.Subject)
	fmt.Fprintf(w, "  serial    %s\n", cert.Leaf.SerialNumber)
	fmt.Fprintf(w, "  not after %s\n", cert.Leaf.NotAfter.UTC().Format(time.RFC3339))
}

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List the verification modes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, mode := range sslmanager.VerificationModes() {
				fmt.Fprintln(cmd.OutOrStdout(), mode)
			}
			return nil
		},
	}
}
