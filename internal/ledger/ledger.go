package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status 调用结果
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Entry 一次计费相关调用的记录
type Entry struct {
	UserID           string    `json:"user_id"`
	Provider         string    `json:"provider"`
	Operation        string    `json:"operation"`
	Status           string    `json:"status"`
	CreditsCharged   int       `json:"credits_charged"`
	UserPlan         string    `json:"user_plan"`
	ProcessingTimeMS int64     `json:"processing_time_ms"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary 用户某月的累计用量
type Summary struct {
	Calls    int64
	Failures int64
	Credits  int64
	TotalMS  int64
}

// RedisLedger 把用量写入 redis: 每月一个列表保存明细, 每用户每月一个 hash 保存汇总
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Options 连接参数
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Retention 明细与汇总的保留时长, 默认 400 天
	Retention time.Duration
}

// New 创建 redis 用量账本
func New(opts Options) *RedisLedger {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts.KeyPrefix, opts.Retention)
}

// NewWithClient 使用已有客户端
func NewWithClient(client *redis.Client, prefix string, retention time.Duration) *RedisLedger {
	if retention <= 0 {
		retention = 400 * 24 * time.Hour
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: retention}
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Log 追加一条记录并更新汇总
func (l *RedisLedger) Log(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	month := e.CreatedAt.UTC().Format("2006-01")
	entries := l.entriesKey(month)
	summary := l.summaryKey(e.UserID, month)

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, entries, data)
		pipe.Expire(ctx, entries, l.ttl)
		pipe.HIncrBy(ctx, summary, "calls", 1)
		if e.Status != StatusSuccess {
			pipe.HIncrBy(ctx, summary, "failures", 1)
		}
		pipe.HIncrBy(ctx, summary, "credits", int64(e.CreditsCharged))
		pipe.HIncrBy(ctx, summary, "total_ms", e.ProcessingTimeMS)
		pipe.Expire(ctx, summary, l.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入用量记录失败: %w", err)
	}
	return nil
}

// Summary 读取用户某月汇总
func (l *RedisLedger) Summary(ctx context.Context, userID string, month time.Time) (Summary, error) {
	values, err := l.client.HGetAll(ctx, l.summaryKey(userID, month.UTC().Format("2006-01"))).Result()
	if err != nil {
		return Summary{}, err
	}
	parse := func(k string) int64 {
		n, _ := strconv.ParseInt(values[k], 10, 64)
		return n
	}
	return Summary{
		Calls:    parse("calls"),
		Failures: parse("failures"),
		Credits:  parse("credits"),
		TotalMS:  parse("total_ms"),
	}, nil
}

// Entries 读取某月的明细
func (l *RedisLedger) Entries(ctx context.Context, month time.Time) ([]Entry, error) {
	raw, err := l.client.LRange(ctx, l.entriesKey(month.UTC().Format("2006-01")), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) entriesKey(month string) string {
	return l.prefix + "usage:" + month
}

func (l *RedisLedger) summaryKey(userID, month string) string {
	return l.prefix + "usage:" + month + ":" + userID
}

// Nop 未启用 redis 时使用
type Nop struct{}

func (Nop) Log(context.Context, Entry) error { return nil }
