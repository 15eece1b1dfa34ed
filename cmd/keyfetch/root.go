package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"keybroker/internal/app"
	"keybroker/internal/config"
	"keybroker/internal/infrastructure"
	"keybroker/internal/license"
)

// rootOptions carries the persistent flags and the state built from them
// in PersistentPreRunE.
type rootOptions struct {
	configFile     string
	certificateURL string
	tenantID       string
	userToken      string
	keyScheme      string
	allowedHosts   []string
	logLevel       string
	timeout        time.Duration

	out    io.Writer
	errOut io.Writer

	cfg       *config.Config
	logger    *slog.Logger
	providers *infrastructure.OTelProviders

	// appended to the configured client options
	clientOpts []license.Option
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	if opts.out == nil {
		opts.out = os.Stdout
	}
	if opts.errOut == nil {
		opts.errOut = os.Stderr
	}

	cmd := &cobra.Command{
		Use:           "keyfetch",
		Short:         "Fetch application certificates and content keys from a license service",
		Version:       config.AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.providers == nil {
				return nil
			}
			return opts.providers.Shutdown(cmd.Context())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "YAML config file (default: KEYBROKER_CONFIG_FILE)")
	flags.StringVar(&opts.certificateURL, "certificate-url", "", "application certificate URL")
	flags.StringVar(&opts.tenantID, "tenant-id", "", "tenant identifier sent as x-drm-brandGuid")
	flags.StringVar(&opts.userToken, "user-token", "", "user token sent as x-drm-usertoken")
	flags.StringVar(&opts.keyScheme, "key-scheme", "", "key request URI scheme")
	flags.StringArrayVar(&opts.allowedHosts, "allowed-host", nil, "license host that may receive credentials, exact or *.suffix (repeatable)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level written to stderr")
	flags.DurationVar(&opts.timeout, "timeout", 0, "license request timeout")

	cmd.AddCommand(
		newCertificateCmd(opts),
		newRequestCmd(opts),
		newDiscoverCmd(opts),
	)

	return cmd
}

// load builds the configuration, the logger and telemetry. Flags override
// the file and the environment. Validation is left to commands that talk
// to the license service.
func (o *rootOptions) load(cmd *cobra.Command) error {
	configFile := o.configFile
	if configFile == "" {
		configFile = os.Getenv(config.EnvPrefix + "_CONFIG_FILE")
	}

	cfg, err := config.LoadPartial(configFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("certificate-url") {
		cfg.License.CertificateURL = o.certificateURL
	}
	if flags.Changed("tenant-id") {
		cfg.License.TenantID = o.tenantID
	}
	if flags.Changed("user-token") {
		cfg.License.UserToken = o.userToken
	}
	if flags.Changed("key-scheme") {
		cfg.License.KeyScheme = o.keyScheme
	}
	if flags.Changed("allowed-host") {
		cfg.License.AllowedHosts = o.allowedHosts
	}
	if flags.Changed("timeout") {
		cfg.License.LicenseTimeout = o.timeout
	}
	cfg.Logging.Level = o.logLevel
	// A one-shot process has no scrape endpoint.
	cfg.Telemetry.MetricExporter = "none"

	o.cfg = cfg
	o.logger = infrastructure.NewLogger(cfg.Logging, o.errOut)

	o.providers, err = infrastructure.InitializeOTel(cfg.Telemetry, o.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	return nil
}

// licenseClient validates the configuration and builds a client.
func (o *rootOptions) licenseClient(extra ...license.Option) (*license.Client, error) {
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if expiry, ok := license.TokenExpiry(o.cfg.License.UserToken); ok && time.Now().After(expiry) {
		o.logger.Warn("User token has expired", slog.Time("expires_at", expiry))
	}

	opts := append(extra, o.clientOpts...)
	return app.NewLicenseClient(o.cfg.License, o.providers, o.logger, opts...)
}
