package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var encodeOut string

var encodeCmd = &cobra.Command{
	Use:   "encode <image>",
	Short: "Compute SAM2 image embeddings with the local encoder",
	Long: `Run the configured vision encoder once and write the embeddings JSON.
The file can be reused by segment --embeddings or posted to /api/sam2/segment.`,
	Args: cobra.ExactArgs(1),
	RunE: runEncode,
}

func init() {
	encodeCmd.Flags().StringVarP(&encodeOut, "out", "o", "embeddings.json", "output file")
	rootCmd.AddCommand(encodeCmd)
}

func runEncode(cmd *cobra.Command, args []string) error {
	img, err := openImage(args[0])
	if err != nil {
		return err
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Destroy()

	emb, err := embeddingsFor(cmd.Context(), rt, img, "")
	if err != nil {
		return err
	}

	data, err := json.Marshal(emb)
	if err != nil {
		return err
	}
	if err := os.WriteFile(encodeOut, data, 0o644); err != nil {
		return fmt.Errorf("failed to write embeddings: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s shape=%v (%s)\n", encodeOut, emb.Shape, humanize.Bytes(uint64(len(data))))
	return nil
}
