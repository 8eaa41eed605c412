// Package compression compresses single files with zstd before upload and decompresses them after download.
package compression

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Extension is appended to the name of compressed files.
const Extension = ".zst"

// DependencyChecker reports whether the zstd binary is available.
type DependencyChecker interface {
	CheckDependencies() bool
}

// BinaryChecker looks up the zstd binary on the PATH.
type BinaryChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewBinaryChecker ...
func NewBinaryChecker(logger log.Logger, envRepo env.Repository) *BinaryChecker {
	return &BinaryChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (c *BinaryChecker) CheckDependencies() bool {
	cmdFactory := command.NewFactory(c.envRepo)
	cmd := cmdFactory.Create("which", []string{"zstd"}, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Compressor ...
type Compressor struct {
	logger            log.Logger
	envRepo           env.Repository
	dependencyChecker DependencyChecker
}

// NewCompressor ...
func NewCompressor(logger log.Logger, envRepo env.Repository, dependencyChecker DependencyChecker) *Compressor {
	return &Compressor{
		logger:            logger,
		envRepo:           envRepo,
		dependencyChecker: dependencyChecker,
	}
}

// CompressedName returns the name of the compressed version of a file.
func CompressedName(name string) string {
	return name + Extension
}

// DecompressedName strips the compression extension from name, if present.
func DecompressedName(name string) string {
	return strings.TrimSuffix(name, Extension)
}

// IsCompressed reports whether name carries the compression extension.
func IsCompressed(name string) bool {
	return strings.HasSuffix(name, Extension) && len(name) > len(Extension)
}

// CompressFile writes the zstd compressed content of src to dst.
func (c *Compressor) CompressFile(src, dst string) error {
	if c.dependencyChecker.CheckDependencies() {
		c.logger.Debugf("Using installed zstd binary")
		if err := c.runBinary("-q", "-f", "--threads=0", src, "-o", dst); err != nil {
			return fmt.Errorf("compress %s: %w", src, err)
		}
		return nil
	}

	c.logger.Debugf("Falling back to native implementation of zstd.")
	if err := compressWithGoLib(src, dst); err != nil {
		return fmt.Errorf("compress %s: %w", src, err)
	}
	return nil
}

// DecompressFile writes the decompressed content of the zstd file src to dst.
func (c *Compressor) DecompressFile(src, dst string) error {
	if c.dependencyChecker.CheckDependencies() {
		c.logger.Debugf("Using installed zstd binary")
		if err := c.runBinary("-q", "-d", "-f", src, "-o", dst); err != nil {
			return fmt.Errorf("decompress %s: %w", src, err)
		}
		return nil
	}

	c.logger.Debugf("Falling back to native implementation of zstd.")
	if err := decompressWithGoLib(src, dst); err != nil {
		return fmt.Errorf("decompress %s: %w", src, err)
	}
	return nil
}

func (c *Compressor) runBinary(args ...string) error {
	cmd := command.NewFactory(c.envRepo).Create("zstd", args, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}
	return nil
}

func compressWithGoLib(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer in.Close() //nolint:errcheck

	return writeFile(dst, func(out io.Writer) error {
		zw, err := zstd.NewWriter(out)
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if _, err := io.Copy(zw, in); err != nil {
			_ = zw.Close()
			return fmt.Errorf("compress content: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("close zstd writer: %w", err)
		}
		return nil
	})
}

func decompressWithGoLib(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer in.Close() //nolint:errcheck

	zr, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	return writeFile(dst, func(out io.Writer) error {
		if _, err := io.Copy(out, zr); err != nil {
			return fmt.Errorf("decompress content: %w", err)
		}
		return nil
	})
}

// writeFile writes dst through a temporary file in the same directory, so a failed write
// never leaves a truncated dst behind.
func writeFile(dst string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}
