package download

import (
	"context"
	"strings"

	"github.com/zzenonn/shardpull/internal/bridgeclient"
	"github.com/zzenonn/shardpull/internal/cryptoutil"
	downerr "github.com/zzenonn/shardpull/internal/errors"
)

// dispatch is the transition function: invoked after every I/O completion,
// and once at Start. It must never be called concurrently with itself —
// the single dispatch goroutine in run() is the only caller.
func (e *Engine) dispatch(ctx context.Context) {
	if e.errorStatus != nil && e.pendingWork == 0 && !e.finished {
		e.finish(ctx, e.errorStatus)
		return
	}

	e.queueWriteNextShard(ctx)

	if e.pointersCompleted && e.totalPointers > 0 && e.completedShards == e.totalPointers && e.pendingWork == 0 && !e.finished {
		e.completeHMACCheck(ctx)
		return
	}

	if e.canceled.Load() {
		return
	}

	if e.token == "" && !e.requestingToken {
		e.requestToken(ctx)
	}
	if e.token != "" {
		e.maybeRequestPointers(ctx)
	}
	if e.errorStatus != nil {
		if e.pendingWork == 0 && !e.finished {
			e.finish(ctx, e.errorStatus)
		}
		return
	}
	if !e.hasInfo && !e.requestingInfo {
		e.requestInfo(ctx)
	}

	e.queueRequestShards(ctx)
	e.queueSendExchangeReports(ctx)
}

func (e *Engine) completeHMACCheck(ctx context.Context) {
	digest := e.hmac.FinalHex()
	if e.hasInfo && e.info.hmacValue != "" {
		if !strings.EqualFold(digest, e.info.hmacValue) {
			e.finish(ctx, downerr.ErrFileDecryption)
			return
		}
	}
	e.finish(ctx, nil)
}

func (e *Engine) requestToken(ctx context.Context) {
	e.requestingToken = true
	e.spawn(func() func() {
		token, err := e.bridge.PostToken(ctx, e.bucketID)
		return func() {
			e.pendingWork--
			e.requestingToken = false
			if err != nil {
				e.handleBridgeError(&e.tokenFailCount, err)
				return
			}
			e.token = token
		}
	})
}

func (e *Engine) requestInfo(ctx context.Context) {
	e.requestingInfo = true
	e.spawn(func() func() {
		info, err := e.bridge.GetFileInfo(ctx, e.bucketID, e.fileID)
		return func() {
			e.pendingWork--
			e.requestingInfo = false
			if err != nil {
				e.handleBridgeError(&e.infoFailCount, err)
				return
			}
			e.info.hmacType = info.HMAC.Type
			e.info.hmacValue = info.HMAC.Value
			e.hasInfo = true
		}
	})
}

// maybeRequestPointers implements the replacement-before-paging policy: an
// ERROR_REPORTED pointer is serviced before any new page is requested.
func (e *Engine) maybeRequestPointers(ctx context.Context) {
	if e.requestingPointers || e.requestingReplace {
		return
	}

	for _, p := range e.pointers {
		if p == nil {
			continue
		}
		if p.Status == StatusErrorReported {
			if p.ReplaceCount >= e.cfg.MaxReplacements {
				e.errorStatus = downerr.ErrFarmerExhausted
				return
			}
			e.requestReplacement(ctx, p)
			return
		}
	}

	if e.pointersCompleted {
		return
	}
	e.requestPointerPage(ctx)
}

func (e *Engine) requestPointerPage(ctx context.Context) {
	e.requestingPointers = true
	skip := e.totalPointers
	limit := e.cfg.PointersPerPage
	token := e.token

	e.spawn(func() func() {
		page, err := e.bridge.GetPointers(ctx, e.bucketID, e.fileID, skip, limit, token)
		return func() {
			e.pendingWork--
			e.requestingPointers = false
			if err != nil {
				e.handleBridgeError(&e.pointerFailCount, err)
				return
			}
			if len(page) == 0 {
				e.pointersCompleted = true
				if e.nonUniformIndex != -1 && e.nonUniformIndex != e.totalPointers-1 {
					e.errorStatus = downerr.New(downerr.KindBridgeJSON, "pointer shard size is not uniform")
				}
				return
			}
			e.appendPointers(page)
		}
	})
}

// appendPointers grows the pointer table by the actual page length and
// re-keys each entry by its bridge-returned index, not array position, so
// gaps or reordered pages never misalign a pointer with the wrong slot.
func (e *Engine) appendPointers(page []bridgeclient.PointerDTO) {
	for _, dto := range page {
		if e.shardSize == 0 {
			e.shardSize = dto.Size
		}
		if dto.Size != e.shardSize {
			if e.nonUniformIndex != -1 {
				e.errorStatus = downerr.New(downerr.KindBridgeJSON, "pointer shard size is not uniform")
				return
			}
			e.nonUniformIndex = dto.Index
		}

		p := &Pointer{Status: StatusCreated}
		applyPointerDTO(p, dto)
		e.setPointer(p)
	}
	e.totalPointers = len(e.pointers)
}

func (e *Engine) setPointer(p *Pointer) {
	for len(e.pointers) <= p.Index {
		e.pointers = append(e.pointers, nil)
	}
	e.pointers[p.Index] = p
}

func (e *Engine) requestReplacement(ctx context.Context, p *Pointer) {
	e.requestingReplace = true
	p.Status = StatusBeingReplaced
	e.excludedFarmers = append(e.excludedFarmers, p.FarmerID)
	exclude := excludeList(e.excludedFarmers)
	skip := p.Index
	token := e.token

	e.spawn(func() func() {
		dto, err := e.bridge.GetReplacementPointer(ctx, e.bucketID, e.fileID, skip, exclude, token)
		return func() {
			e.pendingWork--
			e.requestingReplace = false
			if err != nil {
				p.Status = StatusErrorReported
				e.handleBridgeError(&e.pointerFailCount, err)
				return
			}
			applyPointerDTO(p, dto)
			p.Status = StatusCreated
			p.ReplaceCount++
			p.Report = ExchangeReport{}
			p.downloadedSize.Store(0)
		}
	})
}

func (e *Engine) queueRequestShards(ctx context.Context) {
	if e.canceled.Load() {
		return
	}
	for _, p := range e.pointers {
		if p == nil {
			continue
		}
		if e.resolvingShards >= e.cfg.ConcurrencyCap {
			return
		}
		if p.Status != StatusCreated {
			continue
		}
		e.requestShard(ctx, p)
	}
}

// requestShard fetches one shard on a worker goroutine. Decryption also runs
// on that worker, not the completion closure, so a 16 MiB shard's AES-CTR
// pass never blocks the dispatch goroutine — decryptKey/decryptCTR/shardSize
// are fixed by fetch time, so they're captured here rather than re-read from
// e inside the worker.
func (e *Engine) requestShard(ctx context.Context, p *Pointer) {
	p.Status = StatusBeingDownloaded
	e.resolvingShards++
	p.Report.Start = nowMillis()

	fetchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	hasKey := e.hasKey
	decryptKey := e.decryptKey
	decryptCTR := e.decryptCTR
	shardSize := e.shardSize
	index := p.Index

	e.spawn(func() func() {
		buf, err := e.farmer.Fetch(fetchCtx, p.FarmerHost, p.FarmerPort, p.Hash, p.Token, p.Size, func(cumulative int64) {
			p.downloadedSize.Store(cumulative)
		})

		var decErr error
		if err == nil && hasKey {
			ctr, ctrErr := cryptoutil.ShardCTR(decryptCTR, index, shardSize)
			if ctrErr != nil {
				decErr = ctrErr
			} else if xerr := cryptoutil.DecryptShard(decryptKey, ctr, buf); xerr != nil {
				decErr = xerr
			}
		}

		return func() {
			e.pendingWork--
			e.resolvingShards--
			p.cancel = nil

			if e.canceled.Load() {
				p.buf = nil
				return
			}

			p.Report.End = nowMillis()
			p.Report.DataHash = p.Hash
			p.Report.FarmerID = p.FarmerID
			p.Report.ReporterID = e.clientID

			if err != nil {
				p.Status = StatusError
				p.Report.ResultCode = "failure"
				if downerr.KindOf(err) == downerr.KindFarmerIntegrity {
					p.Report.Message = "integrity-failed"
				} else {
					p.Report.Message = "download-error"
				}
				return
			}

			if decErr != nil {
				e.errorStatus = downerr.Wrap(downerr.KindFileDecryption, decErr)
				return
			}

			p.buf = buf
			p.Status = StatusDownloaded
			p.Report.ResultCode = "success"
			p.Report.Message = "download-ok"
			e.reportProgress()
		}
	})
}

// queueWriteNextShard scans from index 0 and dispatches a write only for
// the first non-WRITTEN pointer, and only if it is already DOWNLOADED —
// this guarantees shards are written strictly in ascending index order.
func (e *Engine) queueWriteNextShard(ctx context.Context) {
	if e.writing || e.canceled.Load() {
		return
	}
	for _, p := range e.pointers {
		if p == nil || p.Status == StatusWritten {
			continue
		}
		if p.Status != StatusDownloaded {
			return
		}
		e.writing = true
		p.Status = StatusBeingWritten
		e.writeShard(ctx, p)
		return
	}
}

func (e *Engine) writeShard(_ context.Context, p *Pointer) {
	buf := p.buf
	offset := int64(p.Index) * e.shardSize

	e.spawn(func() func() {
		e.hmac.Write(buf)
		_, err := e.sink.WriteAt(buf, offset)
		return func() {
			e.pendingWork--
			e.writing = false
			if err != nil {
				e.errorStatus = downerr.Wrap(downerr.KindFileWrite, err)
				return
			}
			p.Status = StatusWritten
			p.buf = nil
			e.completedShards++
		}
	})
}

func (e *Engine) queueSendExchangeReports(ctx context.Context) {
	for _, p := range e.pointers {
		if p == nil || !p.Report.ready(e.cfg.MaxReportRetries) {
			continue
		}
		e.sendExchangeReport(ctx, p)
	}
}

func (e *Engine) sendExchangeReport(ctx context.Context, p *Pointer) {
	p.Report.SendStatus = 1
	body := bridgeclient.ExchangeReportDTO{
		DataHash:              p.Report.DataHash,
		ReporterID:            p.Report.ReporterID,
		FarmerID:              p.Report.FarmerID,
		ClientID:              e.clientID,
		ExchangeStart:         p.Report.Start,
		ExchangeEnd:           p.Report.End,
		ExchangeResultCode:    p.Report.ResultCode,
		ExchangeResultMessage: p.Report.Message,
	}

	e.spawn(func() func() {
		err := e.bridge.PostExchangeReport(ctx, body)
		return func() {
			e.pendingWork--
			if err != nil {
				p.Report.SendStatus = 0
				p.Report.SendCount++
			} else {
				p.Report.SendStatus = 2
			}

			reportDone := p.Report.SendStatus == 2 || p.Report.SendCount >= e.cfg.MaxReportRetries
			if reportDone && p.Status == StatusError {
				p.Status = StatusErrorReported
			}
		}
	})
}
