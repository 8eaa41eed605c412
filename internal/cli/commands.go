package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-drive/compression"
	"github.com/bitrise-io/go-drive/config"
	"github.com/bitrise-io/go-drive/drive"
	"github.com/bitrise-io/go-drive/uploadbatch"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// UploadFlags ...
type UploadFlags struct {
	ParentID string
	Compress bool
	// Concurrency overrides the configured number of parallel uploads when positive.
	Concurrency int
}

// Upload uploads files to a folder.
func Upload(ctx context.Context, cfg config.Config, flags UploadFlags, paths []string, logger log.Logger) error {
	client, err := newDriveClient(cfg, logger)
	if err != nil {
		return err
	}

	input := uploadbatch.Input{
		BatchID:     uuid.NewString(),
		Paths:       paths,
		ParentID:    flags.ParentID,
		Compress:    flags.Compress,
		Concurrency: cfg.Concurrency,
	}
	if flags.Concurrency > 0 {
		input.Concurrency = flags.Concurrency
	}

	envRepo := env.NewRepository()
	params := uploadbatch.Params{
		Drive:   client,
		EnvRepo: envRepo,
		Logger:  logger,
		S3:      cfg.S3Params(),
	}
	if cfg.Analytics {
		params.Tracker = uploadbatch.NewDefaultTracker(input, logger)
	}

	_, err = uploadbatch.NewUploader(params).Upload(ctx, input)

	stats := client.UploadStats()
	logger.Println()
	logger.Infof("Upload stats:")
	logger.Printf("- Transmits: %d (average %s)", stats.Transmits(), stats.Average().Round(time.Millisecond))
	logger.Printf("- Bytes sent: %s", units.HumanSizeWithPrecision(float64(stats.BytesSent()), 3))
	logger.Printf("- Retries: %d, session renewals: %d", stats.Retries(), stats.Renewals())
	return err
}

// List prints the files and folders in a folder.
func List(ctx context.Context, cfg config.Config, folderID string, logger log.Logger) error {
	client, err := newDriveClient(cfg, logger)
	if err != nil {
		return err
	}

	if folderID == "" {
		folderID = "root"
	}
	files, err := client.Children(ctx, folderID)
	if err != nil {
		return err
	}

	for _, file := range files {
		size := "-"
		if !file.IsFolder() {
			size = units.HumanSizeWithPrecision(float64(file.Size), 3)
		}
		logger.Printf("%s\t%s\t%s\t%s", file.ID, size, file.ModifiedTime.Format(time.RFC3339), file.Name)
	}
	logger.Donef("%d item(s)", len(files))
	return nil
}

// DownloadFlags ...
type DownloadFlags struct {
	// Output is the destination path, defaults to the file name in the working directory.
	Output     string
	Decompress bool
}

// Download saves the content of a file.
func Download(ctx context.Context, cfg config.Config, id string, flags DownloadFlags, logger log.Logger) error {
	client, err := newDriveClient(cfg, logger)
	if err != nil {
		return err
	}

	dest := flags.Output
	if dest == "" {
		file, err := client.Get(ctx, id)
		if err != nil {
			return err
		}
		if file.IsFolder() {
			return fmt.Errorf("%s is a folder", file.Name)
		}
		dest = filepath.Base(file.Name)
	}

	startTime := time.Now()
	if err := client.Download(ctx, id, dest); err != nil {
		return err
	}
	info, err := os.Stat(dest)
	if err != nil {
		return err
	}
	logger.Donef("Downloaded %s (%s) in %s", dest, units.HumanSizeWithPrecision(float64(info.Size()), 3), time.Since(startTime).Round(time.Millisecond))

	if !flags.Decompress {
		return nil
	}
	return decompress(dest, logger)
}

func decompress(pth string, logger log.Logger) error {
	if !compression.IsCompressed(pth) {
		logger.Warnf("%s doesn't have the %s extension, skipping decompression", pth, compression.Extension)
		return nil
	}

	envRepo := env.NewRepository()
	compressor := compression.NewCompressor(logger, envRepo, compression.NewBinaryChecker(logger, envRepo))
	decompressed := compression.DecompressedName(pth)
	if err := compressor.DecompressFile(pth, decompressed); err != nil {
		return err
	}
	if err := os.Remove(pth); err != nil {
		logger.Warnf("Failed to remove %s: %s", pth, err)
	}

	logger.Donef("Decompressed to %s", decompressed)
	return nil
}

var _ uploadbatch.DriveUploader = (*drive.Client)(nil)
