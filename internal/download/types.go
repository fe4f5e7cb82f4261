// Package download implements the core download engine: a single-threaded
// transition function driving token acquisition, paginated pointer
// retrieval, concurrent shard fetching with per-shard decryption, in-order
// write-through with an HMAC accumulator, replacement-pointer recovery,
// exchange-report dispatch, cancellation, and resumable persistence.
package download

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zzenonn/shardpull/internal/bridgeclient"
)

// Status is a pointer's position in its lifecycle state machine.
type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusBeingDownloaded Status = "BEING_DOWNLOADED"
	StatusDownloaded      Status = "DOWNLOADED"
	StatusError           Status = "ERROR"
	StatusBeingWritten    Status = "BEING_WRITTEN"
	StatusErrorReported   Status = "ERROR_REPORTED"
	StatusWritten         Status = "WRITTEN"
	StatusBeingReplaced   Status = "BEING_REPLACED"
)

// ExchangeReport records one farmer interaction for a pointer.
type ExchangeReport struct {
	DataHash   string
	ReporterID string
	FarmerID   string
	Start      int64 // unix ms
	End        int64 // unix ms
	ResultCode string // "success" or "failure"
	Message    string

	SendStatus int // 0 unsent, 1 in-flight, 2 sent
	SendCount  int
}

func (r *ExchangeReport) ready(maxTries int) bool {
	return r.Start > 0 && r.End > 0 && r.SendStatus == 0 && r.SendCount < maxTries
}

// Pointer is one shard descriptor with its own lifecycle state.
type Pointer struct {
	Index        int
	Size         int64
	Hash         string
	FarmerID     string
	FarmerHost   string
	FarmerPort   int
	Token        string
	ReplaceCount int
	Status       Status
	Report       ExchangeReport

	downloadedSize atomic.Int64
	buf            []byte
	cancel         context.CancelFunc
}

// DownloadedSize returns the bytes fetched so far for this pointer. Written
// by the farmer worker goroutine, read by the dispatch goroutine — an
// atomic since nothing else synchronizes that cross-goroutine read.
func (p *Pointer) DownloadedSize() int64 { return p.downloadedSize.Load() }

func applyPointerDTO(p *Pointer, dto bridgeclient.PointerDTO) {
	p.Token = dto.Token
	p.Hash = dto.Hash
	p.Size = dto.Size
	p.Index = dto.Index
	p.FarmerID = dto.Farmer.NodeID
	p.FarmerHost = dto.Farmer.Address
	p.FarmerPort = dto.Farmer.Port
}

// Tuning holds the engine's concurrency and retry knobs, independent of any
// global configuration so the engine stays testable in isolation.
type Tuning struct {
	ConcurrencyCap   int
	PointersPerPage  int
	MaxBridgeRetries int
	MaxReportRetries int
	MaxReplacements  int
}

// DefaultTuning returns the engine's recommended concurrency and retry
// knobs.
func DefaultTuning() Tuning {
	return Tuning{
		ConcurrencyCap:   4,
		PointersPerPage:  6,
		MaxBridgeRetries: 3,
		MaxReportRetries: 3,
		MaxReplacements:  3,
	}
}

// ProgressFunc reports fractional progress plus raw byte counts.
type ProgressFunc func(fraction float64, downloadedBytes, totalBytes int64)

// FinishedFunc is invoked exactly once, when the download terminates.
// status is nil on success.
type FinishedFunc func(status error)

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
