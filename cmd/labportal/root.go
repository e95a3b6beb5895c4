package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"labportal/internal/blob"
	"labportal/internal/core"
	"labportal/internal/logging"
	"labportal/pkg/domain"
)

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "labportal",
		Short:         "Ingest experiment folder archives into a relational catalog and object storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		newServeCmd(stderr),
		newIngestCmd(stdout, stderr),
		newMigrateCmd(stderr),
		newHashPasswordCmd(stdin, stdout),
	)
	return root
}

// runtime bundles the stores every command opens from the environment.
type runtime struct {
	logger *logging.Logger
	store  domain.PersistentStore
	blobs  blob.Store
}

func openRuntime(ctx context.Context, stderr io.Writer, withBlobs bool) (*runtime, error) {
	logger, err := logging.FromEnv(stderr)
	if err != nil {
		return nil, err
	}
	store, err := core.OpenPersistentStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open persistent store: %w", err)
	}
	rt := &runtime{logger: logger, store: store}
	if withBlobs {
		blobs, err := blob.Open(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		rt.blobs = blobs
		logger.Debug("blob store ready", "driver", blobs.Driver())
	}
	return rt, nil
}

func (r *runtime) Close() error {
	return r.store.Close()
}
