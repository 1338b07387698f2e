package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/lire"
	"github.com/hupe1980/lire/blobstore"
	"github.com/hupe1980/lire/blobstore/minio"
	"github.com/hupe1980/lire/blobstore/s3"
)

// storeFlags select the blob store of a backup.
type storeFlags struct {
	kind   string
	root   string
	config string
	prefix string
}

func (f *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "store", "local", "Backup store (local, minio, s3)")
	cmd.Flags().StringVar(&f.root, "root", "", "Root directory of the local store")
	cmd.Flags().StringVar(&f.config, "store-config", "", "YAML file with the minio or s3 settings")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "Name prefix of the backup inside the store")
}

// open connects to the configured store.
func (f *storeFlags) open(ctx context.Context) (blobstore.BlobStore, error) {
	switch f.kind {
	case "local":
		if f.root == "" {
			return nil, &lire.ConfigurationError{Field: "root", Reason: "--root is required for the local store"}
		}
		return blobstore.NewLocalStore(f.root), nil
	case "minio":
		var cfg minio.Config
		if err := decodeYAML(f.config, &cfg); err != nil {
			return nil, err
		}
		return minio.Dial(ctx, cfg)
	case "s3":
		var cfg s3.Config
		if err := decodeYAML(f.config, &cfg); err != nil {
			return nil, err
		}
		return s3.Dial(ctx, cfg)
	default:
		return nil, &lire.ConfigurationError{Field: "store", Reason: fmt.Sprintf("unknown store %q", f.kind)}
	}
}

func decodeYAML(path string, out any) error {
	if path == "" {
		return &lire.ConfigurationError{Field: "store-config", Reason: "--store-config is required"}
	}
	file, err := os.Open(path)
	if err != nil {
		return &lire.ConfigurationError{Field: "store-config", Reason: err.Error()}
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return &lire.ConfigurationError{Field: "store-config", Reason: fmt.Sprintf("%s: %v", path, err)}
	}
	return nil
}

func newBackupCmd(g *globalFlags) *cobra.Command {
	f := &storeFlags{}
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy a consistent checkpoint of an index to a blob store",
		Long: `Backup checkpoints the index and copies its manifest and block files to
a local directory, a MinIO bucket or an S3 bucket.

Examples:
  lire backup --index ./idx --root /backups --prefix nightly
  lire backup --index ./idx --store minio --store-config minio.yaml --prefix nightly`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireIndex(); err != nil {
				return err
			}
			opts, err := g.options()
			if err != nil {
				return err
			}
			store, err := f.open(cmd.Context())
			if err != nil {
				return err
			}
			idx, err := lire.Open(cmd.Context(), g.index, opts...)
			if err != nil {
				return err
			}
			defer idx.Close()

			if err := idx.Backup(cmd.Context(), store, f.prefix); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backed up %d vectors to %s store\n", idx.Len(), f.kind)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newRestoreCmd(g *globalFlags) *cobra.Command {
	f := &storeFlags{}
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup into an empty index directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := g.requireIndex(); err != nil {
				return err
			}
			store, err := f.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := lire.Restore(cmd.Context(), store, f.prefix, g.index); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", g.index)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
