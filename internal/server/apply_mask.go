package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/getcharzp/go-cutout/internal/compositor"
	"github.com/getcharzp/go-cutout/internal/ledger"
	"github.com/getcharzp/go-cutout/internal/quota"
	"github.com/getcharzp/go-cutout/internal/store"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ApplyMaskRequest 应用 Mask 请求体
type ApplyMaskRequest struct {
	ImageURL      string `json:"imageUrl"`
	Mask          string `json:"mask"`
	MaskWidth     int    `json:"maskWidth"`
	MaskHeight    int    `json:"maskHeight"`
	FeatherRadius int    `json:"featherRadius"`
}

func (r *ApplyMaskRequest) validate(maxFeather int) error {
	if r.ImageURL == "" || r.Mask == "" || r.MaskWidth <= 0 || r.MaskHeight <= 0 {
		return validationError("Missing required fields: imageUrl, mask, maskWidth, maskHeight")
	}
	if r.FeatherRadius < 0 {
		return validationError("featherRadius must not be negative")
	}
	if r.FeatherRadius > maxFeather {
		return validationError(fmt.Sprintf("featherRadius must not exceed %d", maxFeather))
	}
	return nil
}

const defaultMaxFeatherRadius = 50

// ledgerTimeout 单次记账的时长上限, redis 不可用时不拖慢响应
const ledgerTimeout = 2 * time.Second

const (
	headerImageID     = "X-Image-Id"
	headerStoragePath = "X-Storage-Path"

	ledgerProvider  = "sam2"
	ledgerOperation = "background_removal"
)

// applyMask 鉴权 -> 校验 -> 档案 -> 额度 -> 下载 -> 合成 -> 存储 (尽力而为) -> 记账 -> 返回 PNG
func (s *Server) applyMask(c *gin.Context) {
	start := s.now()
	userID := c.GetString(ctxUserID)

	var req ApplyMaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, validationError("Invalid JSON body"))
		return
	}
	if err := req.validate(s.maxFeather); err != nil {
		abort(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abort(c, newError(KindNotFound, "User profile not found", err))
		} else {
			abort(c, processingError(err))
		}
		return
	}
	ent := s.gate.Entitlement(profile)

	if err := s.gate.Check(ctx, userID, ent); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			if s.metrics != nil {
				s.metrics.QuotaRejected()
			}
			abort(c, newError(KindQuota, exceeded.Error(), err))
			return
		}
		abort(c, processingError(err))
		return
	}

	res, err := s.process(ctx, &req)
	if err != nil {
		s.track(ctx, userID, ent, start, err)
		abort(c, err)
		return
	}

	storagePath, imageID := s.persist(ctx, userID, &req, ent, res, start)
	s.track(ctx, userID, ent, start, nil)
	if s.metrics != nil {
		s.metrics.Processed(res.SourceWidth, res.SourceHeight)
	}

	c.Header(headerImageID, imageID)
	c.Header(headerStoragePath, storagePath)
	c.Header("Content-Length", strconv.Itoa(len(res.PNG)))
	c.Data(http.StatusOK, "image/png", res.PNG)
}

// process 下载原图并合成, 超时统一视为处理失败
func (s *Server) process(ctx context.Context, req *ApplyMaskRequest) (*compositor.Result, error) {
	src, err := s.fetcher.Fetch(ctx, req.ImageURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, processingError(fmt.Errorf("request timed out: %w", ctx.Err()))
		}
		return nil, newError(KindSourceFetch, "Failed to download original image", err)
	}

	alpha, err := base64.StdEncoding.DecodeString(req.Mask)
	if err != nil {
		return nil, processingError(fmt.Errorf("mask base64 解码失败: %w", err))
	}

	type outcome struct {
		res *compositor.Result
		err error
	}
	// 单个阶段开始后无法中断, 超时直接返回, 后台的合成自行结束
	done := make(chan outcome, 1)
	go func() {
		res, err := s.compositor.Composite(ctx, src, compositor.MaskSpec{
			Alpha:         alpha,
			Width:         req.MaskWidth,
			Height:        req.MaskHeight,
			FeatherRadius: req.FeatherRadius,
		})
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, processingError(fmt.Errorf("request timed out: %w", ctx.Err()))
	case o := <-done:
		if o.err != nil {
			if ctx.Err() != nil {
				return nil, processingError(fmt.Errorf("request timed out: %w", ctx.Err()))
			}
			return nil, processingError(o.err)
		}
		return o.res, nil
	}
}

// persist 上传结果并写入图库, 失败只记录日志
func (s *Server) persist(ctx context.Context, userID string, req *ApplyMaskRequest, ent quota.Entitlement, res *compositor.Result, start time.Time) (storagePath, imageID string) {
	ts := s.now().UnixMilli()
	filename := fmt.Sprintf("sam2_%d.png", ts)
	storagePath = userID + "/processed/" + filename

	if s.blobs == nil {
		return storagePath, ""
	}
	if err := s.blobs.Put(ctx, storagePath, res.PNG); err != nil {
		s.log.Error("storage upload failed", zap.String("user_id", userID), zap.String("path", storagePath), zap.Error(err))
		s.persistFailed("storage")
		return storagePath, ""
	}
	if s.records == nil {
		return storagePath, ""
	}

	url := s.blobs.URL(storagePath)
	id, err := s.records.InsertRecord(ctx, store.Record{
		UserID:            userID,
		OriginalFilename:  fmt.Sprintf("background_removal_%d.png", ts),
		ProcessedFilename: filename,
		OperationType:     store.OperationBackgroundRemoval,
		FileSize:          len(res.PNG),
		Status:            "completed",
		StorageURL:        url,
		Metadata: store.RecordMeta{
			CreditsUsed:      quota.Credits(ent),
			ProcessingTimeMS: s.now().Sub(start).Milliseconds(),
			FeatherRadius:    req.FeatherRadius,
			OriginalDimensions: store.Dimensions{
				Width:  res.SourceWidth,
				Height: res.SourceHeight,
			},
			StoragePath: storagePath,
		},
	})
	if err != nil {
		s.log.Error("failed to save to gallery", zap.String("user_id", userID), zap.Error(err))
		s.persistFailed("gallery")
		return storagePath, ""
	}
	return storagePath, id
}

// track 写入用量账本, 失败只记录日志
func (s *Server) track(ctx context.Context, userID string, ent quota.Entitlement, start time.Time, cause error) {
	entry := ledger.Entry{
		UserID:           userID,
		Provider:         ledgerProvider,
		Operation:        ledgerOperation,
		Status:           ledger.StatusSuccess,
		CreditsCharged:   quota.Credits(ent),
		UserPlan:         ent.PlanName(),
		ProcessingTimeMS: s.now().Sub(start).Milliseconds(),
	}
	if cause != nil {
		entry.Status = ledger.StatusFailure
		entry.CreditsCharged = 0
		entry.Error = cause.Error()
	}
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := s.ledger.Log(logCtx, entry); err != nil {
		s.log.Warn("cost tracking failed", zap.String("user_id", userID), zap.Error(err))
		s.persistFailed("ledger")
	}
}

func (s *Server) persistFailed(target string) {
	if s.metrics != nil {
		s.metrics.PersistFailed(target)
	}
}
