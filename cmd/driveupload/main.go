package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-drive/config"
	"github.com/bitrise-io/go-drive/internal/cli"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/spf13/cobra"
)

var logger = log.NewLogger()

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "driveupload",
	Short:         "Upload files to drive with resumable uploads.",
	Long:          `Upload files to drive with resumable uploads. Interrupted uploads continue from the last byte the server stored.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var authURLCmd = &cobra.Command{
	Use:   "auth-url",
	Short: "Print the URL of the consent page.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return cli.AuthURL(cfg, logger)
	},
}

var authCmd = &cobra.Command{
	Use:   "auth [code]",
	Short: "Exchange an authorization code for a token.",
	Long:  `Exchange an authorization code for a token. The token is stored in the token file and refreshed when it expires.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return cli.Auth(cmd.Context(), cfg, args[0], logger)
	},
}

var uploadCmdFlags cli.UploadFlags
var uploadCmd = &cobra.Command{
	Use:   "upload [path1] [path2] ...",
	Short: "Upload files.",
	Long: `Upload files. Paths can be local files, glob patterns like 'build/**/*.log',
file://, http(s):// or s3://bucket/key URLs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return cli.Upload(cmd.Context(), cfg, uploadCmdFlags, args, logger)
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [folder-id]",
	Short: "List the files in a folder.",
	Long:  `List the files in a folder. Lists the root folder when no folder ID is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		folderID := ""
		if len(args) > 0 {
			folderID = args[0]
		}
		return cli.List(cmd.Context(), cfg, folderID, logger)
	},
}

var downloadCmdFlags cli.DownloadFlags
var downloadCmd = &cobra.Command{
	Use:   "download [file-id]",
	Short: "Download a file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return cli.Download(cmd.Context(), cfg, args[0], downloadCmdFlags, logger)
	},
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(env.NewRepository(), pathutil.NewPathModifier())
	if err != nil {
		return config.Config{}, err
	}

	logger.EnableDebugLog(verbose || cfg.Verbose)
	if verbose || cfg.Verbose {
		cfg.Print(logger)
		logger.Println()
	}
	return cfg, nil
}

func main() {
	rootCmd.AddCommand(authURLCmd, authCmd, uploadCmd, lsCmd, downloadCmd)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print debug logs")

	// ===============
	// uploadCmd flags
	// ===============
	uploadCmd.Flags().StringVarP(
		&uploadCmdFlags.ParentID, "parent", "p", "", "ID of the folder the files are uploaded to",
	)
	uploadCmd.Flags().BoolVarP(
		&uploadCmdFlags.Compress, "compress", "z", false, "Compress the files with zstd before uploading",
	)
	uploadCmd.Flags().IntVarP(
		&uploadCmdFlags.Concurrency, "concurrency", "c", 0, "Number of parallel uploads",
	)

	// =================
	// downloadCmd flags
	// =================
	downloadCmd.Flags().StringVarP(
		&downloadCmdFlags.Output, "out", "o", "", "Output path, defaults to the file name",
	)
	downloadCmd.Flags().BoolVarP(
		&downloadCmdFlags.Decompress, "decompress", "d", false, "Decompress .zst files after download",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}
