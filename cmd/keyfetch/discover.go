package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"keybroker/internal/license"
	"keybroker/internal/playlist"
)

type discoverOutput struct {
	Keys    []playlist.KeyURI `json:"keys"`
	Results []exchangeResult  `json:"results,omitempty"`
}

func newDiscoverCmd(opts *rootOptions) *cobra.Command {
	var (
		gen        generatorFlags
		allSchemes bool
		fetch      bool
		format     string
	)

	cmd := &cobra.Command{
		Use:   "discover <playlist-url>",
		Short: "List the key request URIs an HLS asset declares",
		Long: `Fetch an HLS playlist, follow its variants and renditions, and list the
EXT-X-KEY URIs that match the key scheme.

With --fetch, a key request runs for every discovered URI using
--generator-cmd. Failures are reported per key and do not stop the others.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "text" {
				return fmt.Errorf("unsupported format %q", format)
			}

			cfg := opts.cfg
			d := &playlist.Discoverer{
				Client:       license.NewHTTPClient(),
				UserAgent:    cfg.License.UserAgent,
				Scheme:       cfg.License.KeyScheme,
				AllSchemes:   allSchemes,
				MaxDepth:     cfg.Discovery.MaxDepth,
				FetchTimeout: cfg.Discovery.FetchTimeout,
				Concurrency:  cfg.Discovery.Concurrency,
				Logger:       opts.logger,
			}

			keys, err := d.Discover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := discoverOutput{Keys: keys}

			if fetch {
				generator, err := gen.generator()
				if err != nil {
					return err
				}
				client, err := opts.licenseClient(license.WithPayloadGenerator(generator))
				if err != nil {
					return err
				}

				out.Results = make([]exchangeResult, len(keys))
				g, ctx := errgroup.WithContext(cmd.Context())
				g.SetLimit(max(cfg.Discovery.Concurrency, 1))
				for i, key := range keys {
					i, key := i, key
					g.Go(func() error {
						resp, err := client.HandleKeyRequest(ctx, key.URI)
						out.Results[i] = newExchangeResult(key.URI, resp, err)
						if err != nil {
							opts.logger.WarnContext(ctx, "Key request failed",
								slog.String("uri", key.URI),
								slog.String("error_kind", license.KindOf(err).String()))
						}
						return nil
					})
				}
				_ = g.Wait()
			}

			if format == "text" {
				return writeDiscoverText(opts.out, out)
			}
			enc := json.NewEncoder(opts.out)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	gen.register(cmd, false)
	cmd.Flags().BoolVar(&allSchemes, "all-schemes", false, "list keys of every scheme, not only the configured one")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "run a key request for every discovered key")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or text")
	return cmd
}

func writeDiscoverText(w io.Writer, out discoverOutput) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if out.Results == nil {
		fmt.Fprintln(tw, "URI\tMETHOD\tKEYFORMAT\tPLAYLIST")
		for _, k := range out.Keys {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.URI, k.Method, k.KeyFormat, k.Playlist)
		}
		return tw.Flush()
	}

	fmt.Fprintln(tw, "URI\tRESULT\tDETAIL")
	for _, r := range out.Results {
		if r.Error != "" {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.URI, r.ErrorKind, r.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\tok\t%s\n", r.URI, encodeResponse(r.Response))
	}
	return tw.Flush()
}
