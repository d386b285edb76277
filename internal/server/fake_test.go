package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/getcharzp/go-cutout/internal/compositor"
	"github.com/getcharzp/go-cutout/internal/ledger"
	"github.com/getcharzp/go-cutout/internal/quota"
	"github.com/getcharzp/go-cutout/internal/store"
	"github.com/getcharzp/go-cutout/sam2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const testKey = "ck_test"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeKeys map[string]string

func (k fakeKeys) LookupAPIKey(_ context.Context, token string) (string, error) {
	if id, ok := k[token]; ok {
		return id, nil
	}
	return "", store.ErrNotFound
}

type fakeProfiles map[string]*store.Profile

func (p fakeProfiles) GetProfile(_ context.Context, userID string) (*store.Profile, error) {
	if prof, ok := p[userID]; ok {
		return prof, nil
	}
	return nil, store.ErrNotFound
}

type fakeCounter struct {
	used  int
	err   error
	calls int
}

func (c *fakeCounter) CountRecords(context.Context, string, string, time.Time) (int, error) {
	c.calls++
	return c.used, c.err
}

type fakeFetcher struct {
	mu    sync.Mutex
	data  []byte
	err   error
	block bool
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.data, f.err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBlobs struct {
	mu   sync.Mutex
	err  error
	puts map[string][]byte
}

func (b *fakeBlobs) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if b.puts == nil {
		b.puts = map[string][]byte{}
	}
	b.puts[key] = data
	return nil
}

func (b *fakeBlobs) URL(key string) string {
	return "http://files.local/" + key
}

type fakeRecords struct {
	mu       sync.Mutex
	inserted []store.Record
	err      error
}

func (r *fakeRecords) InsertRecord(_ context.Context, rec store.Record) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.inserted = append(r.inserted, rec)
	return "rec-1", nil
}

func (r *fakeRecords) ListRecords(_ context.Context, userID string, limit int) ([]store.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Record
	for _, rec := range r.inserted {
		if rec.UserID == userID && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeLedger struct {
	mu        sync.Mutex
	entries   []ledger.Entry
	err       error
	deadlines []time.Duration // 每次调用时 ctx 的剩余时长, 无期限为 0
}

func (l *fakeLedger) Log(ctx context.Context, e ledger.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	var left time.Duration
	if d, ok := ctx.Deadline(); ok {
		left = time.Until(d)
	}
	l.deadlines = append(l.deadlines, left)
	return l.err
}

func (l *fakeLedger) Entries() []ledger.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Entry(nil), l.entries...)
}

type fakeSegmenter struct {
	ready bool
	out   *sam2.MaskOutput
	err   error
}

func (s *fakeSegmenter) Ready() bool { return s.ready }

func (s *fakeSegmenter) Predict(context.Context, *sam2.Embeddings, []sam2.PointPrompt, int, int) (*sam2.MaskOutput, error) {
	return s.out, s.err
}

type fakeEncoder struct {
	size image.Point
}

func (e *fakeEncoder) Ready() bool { return true }

func (e *fakeEncoder) Encode(_ context.Context, img image.Image) (*sam2.Embeddings, error) {
	b := img.Bounds()
	e.size = b.Size()
	return sam2.NewEmbeddings([]float32{1, 2}, []int64{1, 2}, sam2.Size{Width: b.Dx(), Height: b.Dy()}), nil
}

// stuckCompositor 忽略 ctx, 直到 release 关闭才返回
type stuckCompositor struct {
	release chan struct{}
	started chan struct{}
}

func newStuckCompositor(t *testing.T) *stuckCompositor {
	c := &stuckCompositor{release: make(chan struct{}), started: make(chan struct{}, 1)}
	t.Cleanup(func() { close(c.release) })
	return c
}

func (c *stuckCompositor) Composite(context.Context, []byte, compositor.MaskSpec) (*compositor.Result, error) {
	c.started <- struct{}{}
	<-c.release
	return nil, errBoom
}

var errBoom = errors.New("boom")

// harness 默认配置: testKey 对应免费用户 u1, 本月已用 0 次
type harness struct {
	profiles fakeProfiles
	counter  *fakeCounter
	fetcher  *fakeFetcher
	blobs    *fakeBlobs
	records  *fakeRecords
	ledger   *fakeLedger
	deps     Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		profiles: fakeProfiles{"u1": {UserID: "u1"}},
		counter:  &fakeCounter{},
		fetcher:  &fakeFetcher{data: solidPNG(t, 4, 4, color.NRGBA{R: 255, A: 255})},
		blobs:    &fakeBlobs{},
		records:  &fakeRecords{},
		ledger:   &fakeLedger{},
	}
	h.deps = Deps{
		Auth:           NewAuthenticator(fakeKeys{testKey: "u1"}, "secret"),
		Profiles:       h.profiles,
		Records:        h.records,
		Blobs:          h.blobs,
		Fetcher:        h.fetcher,
		Gate:           quota.NewGate(h.counter, 2, []string{"pro"}),
		Ledger:         h.ledger,
		RequestTimeout: 5 * time.Second,
	}
	return h
}

func (h *harness) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, New(h.deps).Router(), method, path, body, header)
}

func doRequest(t *testing.T, r http.Handler, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	if header == nil {
		req.Header.Set("X-API-Key", testKey)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func solidPNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var colorWhite = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// declaredPNG 1x1 的 PNG, IHDR 声明为 w x h 并重新计算 CRC
func declaredPNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	data := solidPNG(t, 1, 1, colorWhite)
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}
