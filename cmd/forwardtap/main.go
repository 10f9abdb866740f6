// Package main is the entry point of the forwardtap intercepting proxy.
//
// Usage:
//
//	forwardtap run --config forwardtap.yaml
//	forwardtap ca-fingerprint --config forwardtap.yaml
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"

	forwardtap "github.com/caddyserver/forwardtap"
	"github.com/caddyserver/forwardtap/internal/fixtureapp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "forwardtap",
		Short: "An on-demand MITM proxy middleware for HTTP/HTTPS/WebSocket interception",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "forwardtap.yaml", "path to the YAML config file")

	root.AddCommand(runCmd(), caFingerprintCmd(), configCheckCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadOptions() (forwardtap.Options, error) {
	var opts forwardtap.Options
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// an absent config file is not an error: every field has a
			// documented default, per spec.md §6.
			return opts, nil
		}
		return opts, fmt.Errorf("reading %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	return opts, nil
}

func newLogger(level string) (*zap.Logger, error) {
	return forwardtap.NewLogger(level)
}

func runCmd() *cobra.Command {
	var listenAddr string
	var proxyProtocol bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the intercepting proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}

			logger, err := newLogger(opts.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			// fixtureapp.App stands in for a real reverse-proxying inner
			// App until an embedder supplies their own (see SPEC_FULL.md
			// §2): forwardtap's job ends at decoding the MITM'd
			// request into an Env and handing it to an App, and the CLI
			// binary has no origin-fetching app of its own to offer.
			mw, err := forwardtap.NewMiddleware(opts, fixtureapp.App{}, logger)
			if err != nil {
				return err
			}

			if opts.MetricsAddr != "" {
				go serveMetrics(opts.MetricsAddr, logger)
			}

			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return err
			}
			if proxyProtocol {
				ln = forwardtap.WrapProxyProtocol(ln)
			}

			logger.Info("forwardtap listening", zap.String("addr", listenAddr), zap.Bool("proxy_protocol", proxyProtocol))
			return http.Serve(ln, mw)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address to listen for proxy connections on")
	cmd.Flags().BoolVar(&proxyProtocol, "proxy-protocol", false, "accept PROXY protocol v1/v2 headers from a fronting load balancer")
	return cmd
}

func caFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ca-fingerprint",
		Short: "Print the root certificate authority's PEM to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}
			logger, err := newLogger(opts.LogLevel)
			if err != nil {
				logger = zap.NewNop()
			}
			mw, err := forwardtap.NewMiddleware(opts, fixtureapp.App{}, logger)
			if err != nil {
				return err
			}
			pem, err := mw.Authority().RootPEM()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(pem)
			return err
		},
	}
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadOptions()
			return err
		},
	}
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener failed", zap.Error(err))
	}
}
