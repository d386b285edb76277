package server

import (
	"context"
	"image"
	"time"

	"github.com/getcharzp/go-cutout/internal/compositor"
	"github.com/getcharzp/go-cutout/internal/ledger"
	"github.com/getcharzp/go-cutout/internal/metrics"
	"github.com/getcharzp/go-cutout/internal/quota"
	"github.com/getcharzp/go-cutout/internal/store"
	"github.com/getcharzp/go-cutout/sam2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProfileStore 用户档案
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*store.Profile, error)
}

// RecordStore 图库记录
type RecordStore interface {
	InsertRecord(ctx context.Context, rec store.Record) (string, error)
	ListRecords(ctx context.Context, userID string, limit int) ([]store.Record, error)
}

// BlobStore 结果文件存储
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	URL(key string) string
}

// SourceFetcher 原图下载
type SourceFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Ledger 用量账本
type Ledger interface {
	Log(ctx context.Context, e ledger.Entry) error
}

// MaskCompositor 把 Mask 应用到原图
type MaskCompositor interface {
	Composite(ctx context.Context, src []byte, spec compositor.MaskSpec) (*compositor.Result, error)
}

// Segmenter 服务端解码
type Segmenter interface {
	Ready() bool
	Predict(ctx context.Context, embeddings *sam2.Embeddings, points []sam2.PointPrompt, width, height int) (*sam2.MaskOutput, error)
}

// ImageEncoder 服务端特征提取
type ImageEncoder interface {
	Ready() bool
	Encode(ctx context.Context, img image.Image) (*sam2.Embeddings, error)
}

// BuildInfo 版本信息
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
}

// Deps 服务依赖, Segmenter/Encoder/Ledger/Metrics 可为空
type Deps struct {
	Auth       *Authenticator
	Limiter    *RateLimiter
	Profiles   ProfileStore
	Records    RecordStore
	Blobs      BlobStore
	Fetcher    SourceFetcher
	Gate       *quota.Gate
	Compositor MaskCompositor
	Ledger     Ledger
	Segmenter  Segmenter
	Encoder    ImageEncoder
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Build      BuildInfo

	// RequestTimeout 单个请求 (下载 + 处理) 的总时长上限
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// MaxFeatherRadius featherRadius 上限, <= 0 时为 50
	MaxFeatherRadius int
	// MaxPixels 原图像素上限, <= 0 时为 compositor.DefaultMaxPixels
	MaxPixels int64
	// FilesDir 非空时以 /files 对外提供结果文件
	FilesDir string
}

// Server HTTP 服务
type Server struct {
	auth       *Authenticator
	limiter    *RateLimiter
	profiles   ProfileStore
	records    RecordStore
	blobs      BlobStore
	fetcher    SourceFetcher
	gate       *quota.Gate
	compositor MaskCompositor
	ledger     Ledger
	segmenter  Segmenter
	encoder    ImageEncoder
	metrics    *metrics.Metrics
	log        *zap.Logger
	build      BuildInfo
	timeout    time.Duration
	maxBody    int64
	maxFeather int
	maxPixels  int64
	filesDir   string
	now        func() time.Time
}

// New 创建服务
func New(d Deps) *Server {
	s := &Server{
		auth:       d.Auth,
		limiter:    d.Limiter,
		profiles:   d.Profiles,
		records:    d.Records,
		blobs:      d.Blobs,
		fetcher:    d.Fetcher,
		gate:       d.Gate,
		compositor: d.Compositor,
		ledger:     d.Ledger,
		segmenter:  d.Segmenter,
		encoder:    d.Encoder,
		metrics:    d.Metrics,
		log:        d.Logger,
		build:      d.Build,
		timeout:    d.RequestTimeout,
		maxBody:    d.MaxBodyBytes,
		maxFeather: d.MaxFeatherRadius,
		maxPixels:  d.MaxPixels,
		filesDir:   d.FilesDir,
		now:        time.Now,
	}
	if s.auth == nil {
		s.auth = NewAuthenticator(nil, "")
	}
	if s.ledger == nil {
		s.ledger = ledger.Nop{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.timeout <= 0 {
		s.timeout = 60 * time.Second
	}
	if s.maxFeather <= 0 {
		s.maxFeather = defaultMaxFeatherRadius
	}
	if s.maxPixels <= 0 {
		s.maxPixels = compositor.DefaultMaxPixels
	}
	if s.compositor == nil {
		var observe compositor.StageObserver
		if s.metrics != nil {
			observe = s.metrics.ObserveStage
		}
		c := compositor.New(observe)
		c.MaxPixels = s.maxPixels
		s.compositor = c
	}
	return s
}

// Router 注册全部路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))
	r.Use(s.observeRequests())

	r.GET("/health", s.health)
	r.GET("/version", s.version)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	if s.filesDir != "" {
		r.Static("/files", s.filesDir)
	}

	api := r.Group("/api/sam2", bodyLimit(s.maxBody), s.auth.Middleware(), s.limiter.Middleware())
	{
		api.POST("/apply-mask", s.applyMask)
		api.POST("/segment", s.segment)
		api.POST("/encode", s.encode)
		api.GET("/history", s.history)
	}
	return r
}
