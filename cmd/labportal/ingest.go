package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"labportal/internal/config"
	"labportal/internal/core"
	"labportal/internal/ingest"
)

type ingestOptions struct {
	uploader    string
	description string
	archive     string
	trace       bool
	cleanup     bool
}

func newIngestCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts ingestOptions
	cmd := &cobra.Command{
		Use:   "ingest [experiment-dir]",
		Short: "Ingest an extracted experiment folder or a zip archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (opts.archive != "") {
				return errors.New("pass either an experiment directory or --archive")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), stderr, true)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			metrics := core.NewExpvarMetricsRecorder("")
			walkerOpts := []ingest.Option{
				ingest.WithLogger(rt.logger),
				ingest.WithMetrics(metrics),
				ingest.WithCleanupOnRollback(opts.cleanup || cfg.CleanupOnRollback),
			}
			if opts.trace {
				walkerOpts = append(walkerOpts, ingest.WithTracer(core.NewJSONTracer(stderr)))
			}
			walker := ingest.NewWalker(rt.store, rt.blobs, walkerOpts...)

			var report ingest.Report
			if opts.archive != "" {
				report, err = ingestArchive(cmd, walker, rt, cfg, opts)
			} else {
				report, err = ingestDir(cmd, walker, args[0], opts)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"report": report, "outcomes": metrics.Snapshot().Outcomes[ingest.Operation]})
		},
	}
	cmd.Flags().StringVar(&opts.uploader, "uploader", "", "name recorded on every file row")
	cmd.Flags().StringVar(&opts.description, "description", "", "experiment description")
	cmd.Flags().StringVar(&opts.archive, "archive", "", "zip archive to extract and ingest")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "write a JSON trace span to stderr")
	cmd.Flags().BoolVar(&opts.cleanup, "cleanup-on-rollback", false, "delete uploaded blobs when the walk rolls back")
	_ = cmd.MarkFlagRequired("uploader")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func ingestDir(cmd *cobra.Command, walker *ingest.Walker, dir string, opts ingestOptions) (ingest.Report, error) {
	uploader := strings.TrimSpace(opts.uploader)
	description := strings.TrimSpace(opts.description)
	if uploader == "" || description == "" {
		return ingest.Report{}, fmt.Errorf("%w: uploader and description are required", ingest.ErrValidation)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return ingest.Report{}, fmt.Errorf("resolve %s: %w", dir, err)
	}
	fs := osfs.New(filepath.Dir(abs))
	return walker.Ingest(cmd.Context(), fs, filepath.Base(abs), uploader, description)
}

func ingestArchive(cmd *cobra.Command, walker *ingest.Walker, rt *runtime, cfg config.Config, opts ingestOptions) (ingest.Report, error) {
	f, err := os.Open(opts.archive)
	if err != nil {
		return ingest.Report{}, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()
	svc := ingest.NewService(walker, osfs.New(os.TempDir()),
		ingest.WithServiceLogger(rt.logger),
		ingest.WithMaxArchiveBytes(cfg.MaxUploadBytes),
	)
	return svc.Upload(cmd.Context(), ingest.Request{
		Uploader:    opts.uploader,
		Description: opts.description,
		ArchiveName: filepath.Base(opts.archive),
		Archive:     f,
	})
}
