package download

import (
	"context"
	"sync"
	"time"

	"github.com/zzenonn/shardpull/internal/bridgeclient"
	downerr "github.com/zzenonn/shardpull/internal/errors"
	"github.com/zzenonn/shardpull/internal/resume"
)

// fakeBridge is an in-memory stand-in for the bridge REST surface.
type fakeBridge struct {
	mu sync.Mutex

	token string

	pointers []bridgeclient.PointerDTO
	pageSize int

	// replacements[index] is consumed front-to-back on each replacement
	// request for that index.
	replacements map[int][]bridgeclient.PointerDTO

	hmacValue string

	reports []bridgeclient.ExchangeReportDTO
}

func newFakeBridge(pointers []bridgeclient.PointerDTO, hmacValue string) *fakeBridge {
	return &fakeBridge{
		token:        "tok",
		pointers:     pointers,
		pageSize:     6,
		replacements: map[int][]bridgeclient.PointerDTO{},
		hmacValue:    hmacValue,
	}
}

func (b *fakeBridge) PostToken(ctx context.Context, bucketID string) (string, error) {
	return b.token, nil
}

func (b *fakeBridge) GetPointers(ctx context.Context, bucketID, fileID string, skip, limit int, token string) ([]bridgeclient.PointerDTO, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if skip >= len(b.pointers) {
		return nil, nil
	}
	end := skip + limit
	if end > len(b.pointers) {
		end = len(b.pointers)
	}
	return append([]bridgeclient.PointerDTO(nil), b.pointers[skip:end]...), nil
}

func (b *fakeBridge) GetReplacementPointer(ctx context.Context, bucketID, fileID string, skip int, exclude string, token string) (bridgeclient.PointerDTO, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.replacements[skip]
	if len(queue) == 0 {
		return bridgeclient.PointerDTO{}, downerr.New(downerr.KindBridgeRepointer, "no replacement configured")
	}
	next := queue[0]
	b.replacements[skip] = queue[1:]
	return next, nil
}

func (b *fakeBridge) GetFileInfo(ctx context.Context, bucketID, fileID string) (bridgeclient.FileInfoDTO, error) {
	var info bridgeclient.FileInfoDTO
	info.HMAC.Type = "sha512"
	info.HMAC.Value = b.hmacValue
	return info, nil
}

func (b *fakeBridge) PostExchangeReport(ctx context.Context, report bridgeclient.ExchangeReportDTO) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, report)
	return nil
}

func (b *fakeBridge) reportCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reports)
}

// fakeFarmer serves fixed shard contents keyed by hash, optionally failing
// the first N attempts for a given hash.
type fakeFarmer struct {
	mu        sync.Mutex
	content   map[string][]byte
	failFirst map[string]int
	attempts  map[string]int
	delay     map[string]time.Duration
}

func newFakeFarmer() *fakeFarmer {
	return &fakeFarmer{
		content:   map[string][]byte{},
		failFirst: map[string]int{},
		attempts:  map[string]int{},
		delay:     map[string]time.Duration{},
	}
}

func (f *fakeFarmer) Fetch(ctx context.Context, host string, port int, hash, token string, size int64, onProgress func(int64)) ([]byte, error) {
	f.mu.Lock()
	f.attempts[hash]++
	attempt := f.attempts[hash]
	failFirst := f.failFirst[hash]
	body := f.content[hash]
	delay := f.delay[hash]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, downerr.ErrTransferCanceled
		}
	}

	if attempt <= failFirst {
		return nil, downerr.New(downerr.KindFarmerRequest, "short shard body")
	}

	if onProgress != nil {
		onProgress(int64(len(body)))
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}

// memResumeStore is an in-memory resume.Store for tests.
type memResumeStore struct {
	mu   sync.Mutex
	data map[string]resume.Snapshot
}

func newMemResumeStore() *memResumeStore {
	return &memResumeStore{data: map[string]resume.Snapshot{}}
}

func (m *memResumeStore) key(bucketID, fileID string) string { return bucketID + "/" + fileID }

func (m *memResumeStore) Save(ctx context.Context, snap resume.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[m.key(snap.BucketID, snap.FileID)] = snap
	return nil
}

func (m *memResumeStore) Load(ctx context.Context, bucketID, fileID string) (resume.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.data[m.key(bucketID, fileID)]
	return snap, ok, nil
}

func (m *memResumeStore) Delete(ctx context.Context, bucketID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, m.key(bucketID, fileID))
	return nil
}

// memSink is an in-memory sink.Sink for tests, recording the offsets it was
// written at.
type memSink struct {
	mu      sync.Mutex
	buf     []byte
	offsets []int64
	closed  bool
}

func newMemSink(size int64) *memSink {
	return &memSink{buf: make([]byte, size)}
}

func (m *memSink) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets = append(m.offsets, off)
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memSink) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.buf[off:])
	return n, nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) Finalize(ctx context.Context) error { return nil }

func (m *memSink) writeOffsets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.offsets...)
}
