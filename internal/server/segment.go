package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/getcharzp/go-cutout/internal/compositor"
	"github.com/getcharzp/go-cutout/internal/store"
	"github.com/getcharzp/go-cutout/sam2"
	"github.com/gin-gonic/gin"
)

// SegmentRequest 服务端解码请求
type SegmentRequest struct {
	Embeddings *sam2.Embeddings   `json:"embeddings"`
	Points     []sam2.PointPrompt `json:"points"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
}

// SegmentResponse Mask 以 base64 alpha 字节返回, 可直接提交给 apply-mask
type SegmentResponse struct {
	Success    bool    `json:"success"`
	MaskBase64 string  `json:"maskBase64"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Score      float32 `json:"score"`
	Provider   string  `json:"provider"`
	Fallback   bool    `json:"fallback,omitempty"`
}

func (s *Server) segment(c *gin.Context) {
	if s.segmenter == nil || !s.segmenter.Ready() {
		abort(c, newError(KindUnavailable, "SAM2 decoder is not available", nil))
		return
	}

	var req SegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, validationError("Invalid JSON body"))
		return
	}
	if req.Embeddings == nil || req.Embeddings.Data == "" || req.Width <= 0 || req.Height <= 0 {
		abort(c, validationError("Missing required fields: embeddings, width, height"))
		return
	}
	for _, pt := range req.Points {
		if pt.X < 0 || pt.X > 1 || pt.Y < 0 || pt.Y > 1 {
			abort(c, validationError("Point coordinates must be normalized to [0, 1]"))
			return
		}
		if pt.Label != sam2.LabelForeground && pt.Label != sam2.LabelBackground {
			abort(c, validationError("Point label must be 0 or 1"))
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	out, err := s.segmenter.Predict(ctx, req.Embeddings, req.Points, req.Width, req.Height)
	if err != nil {
		abort(c, newError(KindProcessing, "Segmentation failed", err))
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveDecode(out.Provider.String(), out.Elapsed)
	}

	c.JSON(http.StatusOK, SegmentResponse{
		Success:    true,
		MaskBase64: sam2.MaskToBase64(out.Mask),
		Width:      out.Width,
		Height:     out.Height,
		Score:      out.Score,
		Provider:   out.Provider.String(),
		Fallback:   out.Fallback,
	})
}

// encode 接受 multipart 的 image 字段或原始图片字节
func (s *Server) encode(c *gin.Context) {
	if s.encoder == nil || !s.encoder.Ready() {
		abort(c, newError(KindUnavailable, "SAM2 encoder is not configured", nil))
		return
	}

	data, err := readImageBody(c)
	if err != nil {
		abort(c, validationError("Missing image"))
		return
	}
	if _, err := compositor.CheckPixels(data, s.maxPixels); err != nil {
		var tooLarge *compositor.TooLargeError
		if errors.As(err, &tooLarge) {
			abort(c, newError(KindProcessing, "Image too large", err))
		} else {
			abort(c, validationError("Unsupported image format"))
		}
		return
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		abort(c, validationError("Unsupported image format"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	emb, err := s.encoder.Encode(ctx, img)
	if err != nil {
		abort(c, newError(KindProcessing, "Encoding failed", err))
		return
	}
	c.JSON(http.StatusOK, emb)
}

// readImageBody 只有 multipart 请求才解析表单, 其余 Content-Type 按原始字节读取
func readImageBody(c *gin.Context) ([]byte, error) {
	if c.ContentType() == gin.MIMEMultipartPOSTForm {
		fh, err := c.FormFile("image")
		if err != nil {
			return nil, err
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	return data, nil
}

// history 当前用户最近的处理记录
func (s *Server) history(c *gin.Context) {
	if s.records == nil {
		c.JSON(http.StatusOK, gin.H{"records": []any{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	records, err := s.records.ListRecords(c.Request.Context(), c.GetString(ctxUserID), limit)
	if err != nil {
		abort(c, newError(KindProcessing, "Failed to load history", err))
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.build.Version,
		"decoder": s.segmenter != nil && s.segmenter.Ready(),
		"encoder": s.encoder != nil && s.encoder.Ready(),
	})
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, s.build)
}
