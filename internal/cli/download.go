package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var downloadOut string

var downloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Download an ONNX model file",
	Long: `Download a model to a local path so the service does not fetch it at startup.

Examples:
  cutout download https://example.com/sam2_decoder.onnx -o ./sam2_weights/sam2_decoder.onnx`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadOut, "out", "o", "", "destination (default is the configured decoder path)")
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	dest := downloadOut
	if dest == "" {
		dest = cfg.SAM2.DecoderURL
	}
	if dest == "" {
		return fmt.Errorf("no destination given")
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, args[0], nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bar := progressbar.DefaultBytes(resp.ContentLength, "downloading")
	n, err := io.Copy(io.MultiWriter(tmp, bar), resp.Body)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("download failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move model into place: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", dest, humanize.Bytes(uint64(n)))
	return nil
}
