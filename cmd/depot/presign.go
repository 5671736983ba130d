package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"depot/internal/apierror"
	"depot/internal/objectstore"
	"depot/internal/storage"

	"github.com/spf13/cobra"
)

func newPresignCommand(flags *globalFlags) *cobra.Command {
	var (
		method      string
		expires     time.Duration
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "presign BUCKET KEY",
		Short: "Print a presigned URL for one object operation",
		Long: `Print a presigned URL for one object operation.

The URL is signed with objects.signing_secret from the config file, which
must match the secret of the serving node. The node's metadata database is
consulted to warn about buckets that do not exist.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Objects.SigningSecret == "" {
				return errors.New("objects.signing_secret must be set to presign URLs")
			}
			_, logCloser, err := setupLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			content, err := storage.NewLocalFileStorage(cfg.ContentDir())
			if err != nil {
				return fmt.Errorf("failed to open content store: %w", err)
			}
			objects, err := objectstore.New(cmd.Context(), cfg.MetadataPath(), content,
				objectstore.WithRegion(cfg.Region),
				objectstore.WithSigningSecret([]byte(cfg.Objects.SigningSecret)),
				objectstore.WithPresignBaseURL(cfg.Objects.PresignBaseURL),
			)
			if err != nil {
				return fmt.Errorf("failed to open object store: %w", err)
			}
			defer objects.Close()

			bucket, key := args[0], args[1]
			if _, err := objects.GetBucket(cmd.Context(), bucket); errors.Is(err, apierror.ErrNoSuchBucket) {
				slog.Warn("Presigning for a bucket that does not exist yet", "bucket", bucket)
			} else if err != nil {
				return err
			}

			u, err := objects.GeneratePresignedURL(objectstore.PresignInput{
				Bucket:      bucket,
				Key:         key,
				Operation:   objectstore.Operation(strings.ToUpper(method)),
				ExpiresIn:   expires,
				ContentType: contentType,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "m", "GET", "operation to authorize: GET, PUT, HEAD or DELETE")
	cmd.Flags().DurationVarP(&expires, "expires", "e", 15*time.Minute, "validity of the URL")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type a PUT must carry")
	return cmd
}
