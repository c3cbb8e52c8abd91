package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360studio/triage/datastore"
	"github.com/c360studio/triage/filestore"
	"github.com/c360studio/triage/queue"
)

func submitCmd() *cobra.Command {
	var (
		configPath string
		categories []string
		excluded   []string
	)

	cmd := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Submit files for analysis",
		Long: `Submit uploads the given files to the triage filestore and announces a
new submission to the dispatcher. An empty category selection runs every
service category.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), configPath, categories, excluded, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringSliceVar(&categories, "categories", nil, "Service categories to run (default: all)")
	cmd.Flags().StringSliceVar(&excluded, "exclude", nil, "Service categories to skip")

	return cmd
}

func cancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel SID",
		Short: "Cancel an in-flight submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(cmd.Context(), configPath, func(ctx context.Context, pub *queue.Publisher) error {
				if err := pub.CancelSubmission(ctx, &queue.SubmissionCancel{SID: args[0]}); err != nil {
					return err
				}
				fmt.Printf("cancellation requested for %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	return cmd
}

func archiveCmd() *cobra.Command {
	var (
		configPath  string
		deleteAfter bool
	)

	cmd := &cobra.Command{
		Use:   "archive SID",
		Short: "Archive a completed submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPublisher(cmd.Context(), configPath, func(ctx context.Context, pub *queue.Publisher) error {
				req := &queue.ArchiveRequest{SID: args[0], DeleteAfter: deleteAfter}
				if err := pub.RequestArchive(ctx, req); err != nil {
					return err
				}
				fmt.Printf("archive requested for %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().BoolVar(&deleteAfter, "delete-after", false, "Remove hot copies after archiving")
	return cmd
}

func runSubmit(ctx context.Context, configPath string, categories, excluded, paths []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client, err := connectToNATS(ctx, cfg, discardLogger())
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	js, err := client.JetStream()
	if err != nil {
		return fmt.Errorf("get JetStream context: %w", err)
	}
	hot, err := filestore.New(ctx, js, filestore.BucketHot)
	if err != nil {
		return fmt.Errorf("open filestore: %w", err)
	}

	refs := make([]datastore.FileRef, 0, len(paths))
	for _, path := range paths {
		ref, err := uploadFile(ctx, hot, path)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
		fmt.Printf("uploaded %s as %s (%s)\n", path, ref.SHA256, ref.Type)
	}

	sid := uuid.NewString()
	ingest := &queue.SubmissionIngest{
		Submission: datastore.Submission{
			SID:                sid,
			SelectedCategories: categories,
			ExcludedCategories: excluded,
			Files:              refs,
			CreatedAt:          time.Now(),
		},
	}

	pub := queue.NewPublisher(client, "triage-cli")
	if err := pub.AnnounceSubmission(ctx, ingest); err != nil {
		return fmt.Errorf("announce submission: %w", err)
	}

	fmt.Printf("submission %s announced with %d file(s)\n", sid, len(refs))
	return nil
}

// uploadFile hashes a local file, stores it under its digest, and returns
// the reference to put in the submission.
func uploadFile(ctx context.Context, hot *filestore.Store, path string) (datastore.FileRef, error) {
	f, err := os.Open(path)
	if err != nil {
		return datastore.FileRef{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return datastore.FileRef{}, fmt.Errorf("read %s: %w", path, err)
	}
	fileType := http.DetectContentType(head[:n])

	hasher := sha256.New()
	hasher.Write(head[:n])
	if _, err := io.Copy(hasher, f); err != nil {
		return datastore.FileRef{}, fmt.Errorf("hash %s: %w", path, err)
	}
	digest := hex.EncodeToString(hasher.Sum(nil))

	if err := hot.Upload(ctx, path, digest); err != nil {
		return datastore.FileRef{}, err
	}
	return datastore.FileRef{SHA256: digest, Type: fileType}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withPublisher(ctx context.Context, configPath string, fn func(context.Context, *queue.Publisher) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client, err := connectToNATS(ctx, cfg, discardLogger())
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	return fn(ctx, queue.NewPublisher(client, "triage-cli"))
}
