package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func newCertificateCmd(opts *rootOptions) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "certificate",
		Short: "Download the application certificate",
		Long: `Download the application certificate from the configured URL.

The raw certificate is written to --out, or to stdout when no file is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.licenseClient()
			if err != nil {
				return err
			}

			cert, err := client.Certificates().Get(cmd.Context())
			if err != nil {
				return err
			}

			stats := client.Certificates().Stats()
			opts.logger.Info("Certificate downloaded",
				slog.Int("size_bytes", stats.SizeBytes),
				slog.String("fingerprint", stats.Fingerprint))

			if outFile == "" {
				_, err = opts.out.Write(cert)
				return err
			}
			if err := os.WriteFile(outFile, cert, 0o644); err != nil {
				return fmt.Errorf("failed to write certificate: %w", err)
			}
			fmt.Fprintf(opts.errOut, "wrote %d bytes to %s (sha256 %s)\n", len(cert), outFile, stats.Fingerprint)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "file to write the certificate to")
	return cmd
}
