package cli

import (
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/getcharzp/go-cutout/internal/compositor"
	"github.com/spf13/cobra"
)

var (
	compFeather int
	compDPI     float64
	compOut     string
)

var compositeCmd = &cobra.Command{
	Use:   "composite <image> <mask>",
	Short: "Apply a mask to a local image",
	Long: `Run the mask compositor offline: the mask is resized to the source,
optionally feathered, applied as alpha, trimmed and written as a PNG.

The mask may be any image. Its alpha channel is used when it has transparency,
otherwise its luminance.`,
	Args: cobra.ExactArgs(2),
	RunE: runComposite,
}

func init() {
	compositeCmd.Flags().IntVarP(&compFeather, "feather", "f", 0, "feather radius in pixels")
	compositeCmd.Flags().Float64Var(&compDPI, "dpi", compositor.DefaultDPI, "DPI written into the PNG")
	compositeCmd.Flags().StringVarP(&compOut, "out", "o", "result.png", "output file")
	rootCmd.AddCommand(compositeCmd)
}

func runComposite(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	maskImg, err := openImage(args[1])
	if err != nil {
		return err
	}
	alpha, w, h := maskAlpha(maskImg)

	c := compositor.New(nil)
	c.MaxPixels = cfg.Fetch.MaxPixels
	c.DPI = compDPI
	res, err := c.Composite(cmd.Context(), src, compositor.MaskSpec{
		Alpha:         alpha,
		Width:         w,
		Height:        h,
		FeatherRadius: compFeather,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(compOut, res.PNG, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s %dx%d from %dx%d (%s)\n",
		compOut, res.Width, res.Height, res.SourceWidth, res.SourceHeight, humanize.Bytes(uint64(len(res.PNG))))
	return nil
}

// maskAlpha 把任意图片转换为单通道 Mask: 有透明度时取 Alpha, 否则取亮度
func maskAlpha(img image.Image) ([]byte, int, int) {
	n := imaging.Clone(img)
	w, h := n.Bounds().Dx(), n.Bounds().Dy()
	out := make([]byte, w*h)

	hasAlpha := false
	for i := 3; i < len(n.Pix); i += 4 {
		if n.Pix[i] != 255 {
			hasAlpha = true
			break
		}
	}
	for i := range out {
		p := n.Pix[i*4 : i*4+4]
		if hasAlpha {
			out[i] = p[3]
			continue
		}
		out[i] = uint8((299*int(p[0]) + 587*int(p[1]) + 114*int(p[2]) + 500) / 1000)
	}
	return out, w, h
}
