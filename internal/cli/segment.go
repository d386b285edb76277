package cli

import (
	"fmt"
	"image"
	"image/draw"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/getcharzp/go-cutout"
	"github.com/getcharzp/go-cutout/internal/compositor"
	"github.com/getcharzp/go-cutout/sam2"
	"github.com/spf13/cobra"
)

var (
	segPoints     []string
	segEmbeddings string
	segOut        string
	segMaskOut    string
	segCutoutOut  string
	segFeather    int
	segFont       string
)

var segmentCmd = &cobra.Command{
	Use:   "segment <image>",
	Short: "Preview a SAM2 mask from point prompts",
	Long: `Run the point-prompt editing protocol against a local image and write previews.

Each --point is "x,y" in image pixels, optionally followed by ",keep" (default)
or ",remove". Without points the automatic center segmentation is used.

Examples:
  cutout segment cat.jpg -o overlay.png
  cutout segment cat.jpg -p 320,240 -p 40,40,remove -m mask.png -c cutout.png`,
	Args: cobra.ExactArgs(1),
	RunE: runSegment,
}

func init() {
	segmentCmd.Flags().StringArrayVarP(&segPoints, "point", "p", nil, "point prompt x,y[,keep|remove]")
	segmentCmd.Flags().StringVarP(&segEmbeddings, "embeddings", "e", "", "precomputed embeddings JSON (skips the encoder)")
	segmentCmd.Flags().StringVarP(&segOut, "out", "o", "overlay.png", "overlay preview output")
	segmentCmd.Flags().StringVarP(&segMaskOut, "mask", "m", "", "grayscale mask output, usable by composite")
	segmentCmd.Flags().StringVarP(&segCutoutOut, "cutout", "c", "", "transparent preview on a checkerboard")
	segmentCmd.Flags().IntVarP(&segFeather, "feather", "f", 0, "feather radius for the cutout preview")
	segmentCmd.Flags().StringVar(&segFont, "font", "", "TTF/OTF font used to label the overlay with score and provider")
	rootCmd.AddCommand(segmentCmd)
}

// pointArg 解析后的命令行提示点
type pointArg struct {
	At   image.Point
	Mode sam2.Mode
}

// parsePoint 解析 "x,y[,keep|remove]"
func parsePoint(s string) (pointArg, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return pointArg{}, fmt.Errorf("invalid point %q, want x,y[,keep|remove]", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return pointArg{}, fmt.Errorf("invalid point %q: %w", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return pointArg{}, fmt.Errorf("invalid point %q: %w", s, err)
	}
	p := pointArg{At: image.Pt(x, y), Mode: sam2.ModeKeep}
	if len(parts) == 3 {
		switch strings.ToLower(strings.TrimSpace(parts[2])) {
		case "keep", "+":
		case "remove", "-":
			p.Mode = sam2.ModeRemove
		default:
			return pointArg{}, fmt.Errorf("invalid point mode %q", parts[2])
		}
	}
	return p, nil
}

func runSegment(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	points := make([]pointArg, 0, len(segPoints))
	for _, s := range segPoints {
		p, err := parsePoint(s)
		if err != nil {
			return err
		}
		points = append(points, p)
	}

	img, err := openImage(args[0])
	if err != nil {
		return err
	}
	b := img.Bounds()

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Destroy()

	emb, err := embeddingsFor(ctx, rt, img, segEmbeddings)
	if err != nil {
		return err
	}

	dec := sam2.NewDecoder(rt, cfg.DecoderConfig())
	if err := dec.Initialize(ctx); err != nil {
		return err
	}
	defer dec.Dispose()

	editor, err := sam2.NewEditor(dec, emb, b.Dx(), b.Dy())
	if err != nil {
		return err
	}
	if len(points) == 0 {
		if _, err := editor.Start(ctx); err != nil {
			return err
		}
	}
	for _, p := range points {
		editor.SetMode(p.Mode)
		if _, err := editor.Click(ctx, p.At.X, p.At.Y); err != nil {
			return err
		}
	}

	out := editor.Mask()
	if out == nil {
		return fmt.Errorf("no mask produced")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "mask %dx%d score=%.4f provider=%s\n", out.Width, out.Height, out.Score, out.Provider)

	if err := writeOverlay(img, out, editor.Points()); err != nil {
		return err
	}
	if segMaskOut != "" {
		gray, err := compositor.DecodeMask(sam2.SerializeMask(out.Mask), out.Width, out.Height)
		if err != nil {
			return err
		}
		if err := imaging.Save(gray, segMaskOut); err != nil {
			return fmt.Errorf("failed to save mask: %w", err)
		}
	}
	if segCutoutOut != "" {
		preview := sam2.RenderMaskedPreview(img, sam2.FeatherPreview(out.Mask, segFeather))
		board := sam2.Checkerboard(out.Width, out.Height, 16)
		draw.Draw(board, board.Bounds(), preview, image.Point{}, draw.Over)
		if err := imaging.Save(board, segCutoutOut); err != nil {
			return fmt.Errorf("failed to save cutout preview: %w", err)
		}
	}
	return nil
}

func writeOverlay(img image.Image, out *sam2.MaskOutput, points []sam2.PointPrompt) error {
	overlay := sam2.RenderOverlay(img, out.Mask)

	markers := make([]cutout.Marker, 0, len(points))
	for _, p := range points {
		c := cutout.KeepColor
		if p.Label == sam2.LabelBackground {
			c = cutout.RemoveColor
		}
		markers = append(markers, cutout.Marker{
			At:    image.Pt(int(p.X*float32(out.Width)), int(p.Y*float32(out.Height))),
			Color: c,
		})
	}
	cutout.DrawMarkers(overlay, markers, 6)

	if segFont != "" {
		td, err := cutout.NewTextDrawer(segFont)
		if err != nil {
			return err
		}
		defer td.Close()
		if err := td.SetSize(16); err != nil {
			return err
		}
		td.DrawLabel(overlay, fmt.Sprintf("score %.2f  %s", out.Score, out.Provider), 8, 8)
	}

	if err := imaging.Save(overlay, segOut); err != nil {
		return fmt.Errorf("failed to save overlay: %w", err)
	}
	return nil
}
