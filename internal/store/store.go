package store

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketProfiles    = []byte("profiles")
	bucketAPIKeys     = []byte("api_keys")
	bucketRecords     = []byte("records")
	bucketUserRecords = []byte("user_records")
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// OperationBackgroundRemoval 抠图操作类型
const OperationBackgroundRemoval = "background-removal"

// Profile 用户档案
type Profile struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Plan      string    `json:"subscription_plan,omitempty"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Dimensions 像素尺寸
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RecordMeta 处理记录附带的信息
type RecordMeta struct {
	CreditsUsed        int        `json:"credits_used"`
	ProcessingTimeMS   int64      `json:"processing_time_ms"`
	FeatherRadius      int        `json:"feather_radius"`
	OriginalDimensions Dimensions `json:"original_dimensions"`
	StoragePath        string     `json:"storage_path"`
}

// Record 图库中的一条处理记录
type Record struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	OriginalFilename  string     `json:"original_filename"`
	ProcessedFilename string     `json:"processed_filename"`
	OperationType     string     `json:"operation_type"`
	FileSize          int        `json:"file_size"`
	Status            string     `json:"processing_status"`
	StorageURL        string     `json:"storage_url"`
	Metadata          RecordMeta `json:"metadata"`
	CreatedAt         time.Time  `json:"created_at"`
}

// BoltStore 基于 bbolt 的档案与图库存储
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open 打开 (或创建) 数据库并初始化所有 bucket
func Open(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 bolt 数据库失败: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketProfiles, bucketAPIKeys, bucketRecords, bucketUserRecords} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("创建 bucket %s 失败: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutProfile 写入或覆盖用户档案
func (s *BoltStore) PutProfile(ctx context.Context, p Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("user_id 不能为空")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketProfiles).Put([]byte(p.UserID), data)
	})
}

// GetProfile 读取用户档案, 不存在时返回 ErrNotFound
func (s *BoltStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketProfiles).Get([]byte(userID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// IssueAPIKey 为用户生成 API Key, 只保存其哈希
func (s *BoltStore) IssueAPIKey(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user_id 不能为空")
	}
	token := "ck_" + uuid.NewString()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).Put(hashKey(token), []byte(userID))
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// LookupAPIKey 根据 API Key 查找用户
func (s *BoltStore) LookupAPIKey(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketAPIKeys).Get(hashKey(token))
		if v == nil {
			return ErrNotFound
		}
		userID = string(v)
		return nil
	})
	return userID, err
}

// RevokeAPIKey 删除 API Key
func (s *BoltStore) RevokeAPIKey(ctx context.Context, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).Delete(hashKey(token))
	})
}

// InsertRecord 保存处理记录并返回生成的 ID
//
// 记录同时写入按用户分组的索引, 键为 创建时间(纳秒, 大端) + ID, 便于按时间范围统计.
func (s *BoltStore) InsertRecord(ctx context.Context, rec Record) (string, error) {
	if rec.UserID == "" {
		return "", fmt.Errorf("user_id 不能为空")
	}
	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRecords).Put([]byte(rec.ID), data); err != nil {
			return err
		}
		idx, err := tx.Bucket(bucketUserRecords).CreateBucketIfNotExists([]byte(rec.UserID))
		if err != nil {
			return err
		}
		return idx.Put(indexKey(rec.CreatedAt, rec.ID), []byte(rec.OperationType))
	})
	if err != nil {
		return "", fmt.Errorf("保存处理记录失败: %w", err)
	}
	return rec.ID, nil
}

// GetRecord 读取处理记录
func (s *BoltStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CountRecords 统计用户自 since 起某类操作的记录数
func (s *BoltStore) CountRecords(ctx context.Context, userID, operation string, since time.Time) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketUserRecords).Bucket([]byte(userID))
		if idx == nil {
			return nil
		}
		c := idx.Cursor()
		for k, v := c.Seek(indexKey(since, "")); k != nil; k, v = c.Next() {
			if string(v) == operation {
				count++
			}
		}
		return nil
	})
	return count, err
}

// ListRecords 按时间倒序列出用户最近的记录
func (s *BoltStore) ListRecords(ctx context.Context, userID string, limit int) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketUserRecords).Bucket([]byte(userID))
		if idx == nil {
			return nil
		}
		all := tx.Bucket(bucketRecords)
		c := idx.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			data := all.Get(k[8:])
			if data == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func hashKey(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return []byte(hex.EncodeToString(sum[:]))
}

func indexKey(t time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return append(key, id...)
}
