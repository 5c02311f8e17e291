package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/treexport/internal/exporter"
)

const (
	formatCSV = "csv"
	formatZIP = "zip"
)

type exportOptions struct {
	path   string
	token  string
	format string
	out    string
}

func (o *exportOptions) validate() error {
	if strings.TrimSpace(o.path) == "" {
		return errors.New("--path is required")
	}
	if strings.TrimSpace(o.token) == "" {
		return errors.New("--token is required (or set TREEXPORT_TOKEN)")
	}
	switch o.format {
	case formatCSV, formatZIP:
		return nil
	default:
		return fmt.Errorf("unknown --format %q (want csv or zip)", o.format)
	}
}

func newExportCmd() *cobra.Command {
	opts := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export one folder tree to a local file",
		Long: `Walks the folder at --path with the given bearer token and writes either a
CSV listing of every entry or a ZIP bundle of every file. Progress is logged.
The output file defaults to the name the service would have sent.`,
		Args: cobra.NoArgs,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			if opts.token == "" {
				opts.token = os.Getenv("TREEXPORT_TOKEN")
			}
			return opts.validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			cfg.Progress.LogEnabled = true
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
				defer cancel()
				if cerr := app.Close(ctx); cerr != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "close:", cerr)
				}
			}()
			return runExport(cmd.Context(), app, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.path, "path", "", "remote folder to export")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token for the remote API")
	cmd.Flags().StringVar(&opts.format, "format", formatCSV, "output format: csv or zip")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "output file (default: derived from the folder name)")
	return cmd
}

func runExport(ctx context.Context, app Application, opts *exportOptions, stdout io.Writer) error {
	logger := app.Logger()
	req := exporter.Request{Root: opts.path, Credential: opts.token}

	if opts.format == formatCSV {
		table, err := app.Exporter().ExportTable(ctx, req)
		if err != nil {
			return fmt.Errorf("export table: %w", err)
		}
		out := opts.out
		if out == "" {
			out = table.Filename
		}
		if err := os.WriteFile(out, []byte(table.Body), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		if n := len(table.Failures); n > 0 {
			logger.Warn("some folders could not be listed", zap.Int("failed_folders", n))
		}
		fmt.Fprintf(stdout, "wrote %d entries to %s\n", table.Entries, out)
		return nil
	}

	dst := &fileResponse{path: opts.out}
	stats, err := app.Exporter().ExportBundle(ctx, req, dst)
	if cerr := dst.close(err != nil); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("export bundle: %w", err)
	}
	fmt.Fprintf(stdout, "wrote %d files (%d bytes) to %s\n", stats.Files, stats.Bytes, dst.path)
	return nil
}

// fileResponse writes a bundle to a local file that is created on Start.
type fileResponse struct {
	path string
	f    *os.File
	err  error
}

func (r *fileResponse) Start(filename, _ string) {
	if r.path == "" {
		r.path = filepath.Base(filename)
	}
	r.f, r.err = os.Create(r.path)
}

func (r *fileResponse) Write(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.f == nil {
		return 0, errors.New("bundle written before start")
	}
	n, err := r.f.Write(p)
	if err != nil {
		r.err = fmt.Errorf("write %s: %w", r.path, err)
		return n, r.err
	}
	return n, nil
}

// close finalizes the file. A failed bundle leaves no partial file behind.
func (r *fileResponse) close(failed bool) error {
	if r.f == nil {
		return r.err
	}
	err := r.f.Close()
	if failed {
		_ = os.Remove(r.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("close %s: %w", r.path, err)
	}
	return nil
}
