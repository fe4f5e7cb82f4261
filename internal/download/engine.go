package download

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/zzenonn/shardpull/internal/cryptoutil"
	downerr "github.com/zzenonn/shardpull/internal/errors"
	"github.com/zzenonn/shardpull/internal/resume"
	"github.com/zzenonn/shardpull/internal/sink"
)

// Engine drives one in-flight file download. All fields below the
// constructor are touched only from the single dispatch goroutine started
// by Start, except canceled (atomic), which Cancel sets from the caller's
// goroutine, and hmac and sink, which the one in-flight write worker uses
// (queueWriteNextShard never starts a second write while one is running).
// Each pointer's downloadedSize (atomic) is written by its fetch worker.
type Engine struct {
	bucketID string
	fileID   string
	sink     sink.Sink
	clientID string

	bridge      BridgeClient
	farmer      FarmerClient
	resumeStore resume.Store
	logger      *logrus.Entry
	cfg         Tuning

	hasKey     bool
	decryptKey [32]byte
	decryptCTR [cryptoutil.AESBlockSize]byte

	shardSize          int64
	nonUniformIndex    int
	totalPointers      int
	completedShards    int
	resolvingShards    int
	pointersCompleted  bool
	writing            bool
	requestingToken    bool
	requestingPointers bool
	requestingInfo     bool
	requestingReplace  bool

	token string
	info  struct {
		hmacType  string
		hmacValue string
	}
	hasInfo bool

	excludedFarmers []string
	errorStatus     error
	canceled        atomic.Bool
	finished        bool
	pendingWork     int

	hmac *cryptoutil.HMACAccumulator

	pointers []*Pointer

	tokenFailCount, pointerFailCount, infoFailCount int

	completions chan func()

	onProgress ProgressFunc
	onFinished FinishedFunc
}

// New builds an Engine for one download. The mnemonic later passed to
// Start may be empty for an unencrypted transfer.
func New(bridge BridgeClient, farmer FarmerClient, resumeStore resume.Store, logger *logrus.Entry, cfg Tuning) *Engine {
	return &Engine{
		bridge:          bridge,
		farmer:          farmer,
		resumeStore:     resumeStore,
		logger:          logger,
		cfg:             cfg,
		clientID:        "shardpull-client",
		completions:     make(chan func(), 64),
		nonUniformIndex: -1,
	}
}

// Start initializes state, derives decryption material if a mnemonic is
// configured, restores any existing snapshot, and kicks the transition
// function once. It returns immediately; progress is driven entirely by
// callbacks into the dispatch goroutine.
func (e *Engine) Start(ctx context.Context, bucketID, fileID string, snk sink.Sink, mnemonic string, onProgress ProgressFunc, onFinished FinishedFunc) error {
	e.bucketID = bucketID
	e.fileID = fileID
	e.sink = snk
	e.onProgress = onProgress
	e.onFinished = onFinished

	var hmacKey []byte
	if mnemonic != "" {
		key, err := cryptoutil.DeriveFileMaterial(mnemonic, bucketID, fileID)
		if err != nil {
			return fmt.Errorf("download: derive key material: %w", err)
		}
		e.hasKey = true
		e.decryptKey = key
		e.decryptCTR = cryptoutil.DecryptCTR(fileID)
		hmacKey = key[:]
	}
	e.hmac = cryptoutil.NewHMACAccumulator(hmacKey)

	if snap, ok, err := e.resumeStore.Load(ctx, bucketID, fileID); err != nil {
		e.logger.WithError(err).Warn("failed to load resume snapshot, starting fresh")
	} else if ok {
		e.restore(snap)
		if err := e.replayWrittenShards(); err != nil {
			return fmt.Errorf("download: replay written shards: %w", err)
		}
	}

	go e.run(ctx)
	return nil
}

// replayWrittenShards feeds the plaintext of every already-WRITTEN pointer
// back through the HMAC accumulator, in ascending index order, so a resumed
// download's final digest still covers the whole file. Requires the sink to
// support reading back what it wrote; sinks that can't are rejected here
// rather than producing a digest silently missing a prefix.
func (e *Engine) replayWrittenShards() error {
	var anyWritten bool
	for _, p := range e.pointers {
		if p != nil && p.Status == StatusWritten {
			anyWritten = true
			break
		}
	}
	if !anyWritten {
		return nil
	}

	replayer, ok := e.sink.(sink.Replayable)
	if !ok {
		return fmt.Errorf("sink does not support reading back written shards")
	}

	for _, p := range e.pointers {
		if p == nil || p.Status != StatusWritten {
			continue
		}
		buf := make([]byte, p.Size)
		if _, err := replayer.ReadAt(buf, int64(p.Index)*e.shardSize); err != nil {
			return fmt.Errorf("replay shard %d: %w", p.Index, err)
		}
		e.hmac.Write(buf)
	}
	return nil
}

// Cancel is idempotent: it flips the canceled flag, stops queued fetches,
// and lets in-flight fetches notice the flag (via their per-pointer
// context) and abort on their own.
func (e *Engine) Cancel() {
	if !e.canceled.CompareAndSwap(false, true) {
		return
	}
	e.completions <- func() {
		e.errorStatus = downerr.ErrTransferCanceled
		for _, p := range e.pointers {
			if p == nil {
				continue
			}
			if p.Status == StatusBeingDownloaded && p.cancel != nil {
				p.cancel()
			}
			if p.Status == StatusDownloaded {
				p.buf = nil
			}
		}
	}
}

func (e *Engine) run(ctx context.Context) {
	e.dispatch(ctx)
	for !e.finished {
		fn := <-e.completions
		fn()
		e.dispatch(ctx)
	}
}

func (e *Engine) spawn(work func() func()) {
	e.pendingWork++
	go func() {
		completion := work()
		e.completions <- completion
	}()
}

func (e *Engine) finish(ctx context.Context, status error) {
	if e.finished {
		return
	}
	e.finished = true

	if status == nil {
		if err := e.sink.Finalize(ctx); err != nil {
			status = err
		}
	}
	if err := e.sink.Close(); err != nil && status == nil {
		status = err
	}

	if status == nil {
		if err := e.resumeStore.Delete(ctx, e.bucketID, e.fileID); err != nil {
			e.logger.WithError(err).Warn("failed to delete resume snapshot after success")
		}
	} else if err := e.resumeStore.Save(ctx, e.toSnapshot()); err != nil {
		e.logger.WithError(err).Warn("failed to persist resume snapshot")
	}

	if e.onFinished != nil {
		e.onFinished(status)
	}
}

func (e *Engine) handleBridgeError(counter *int, err error) {
	kind := downerr.KindOf(err)
	if !downerr.IsTransient(kind) {
		e.errorStatus = err
		return
	}
	*counter++
	if *counter >= e.cfg.MaxBridgeRetries {
		e.errorStatus = err
	}
}

func (e *Engine) reportProgress() {
	if e.onProgress == nil {
		return
	}
	var downloaded, total int64
	for _, p := range e.pointers {
		if p == nil {
			continue
		}
		downloaded += p.DownloadedSize()
		total += p.Size
	}
	var fraction float64
	if total > 0 {
		fraction = float64(downloaded) / float64(total)
	}
	e.onProgress(fraction, downloaded, total)
}

func excludeList(farmers []string) string {
	return strings.Join(farmers, ",")
}
