package download

import "github.com/zzenonn/shardpull/internal/resume"

func (e *Engine) toSnapshot() resume.Snapshot {
	snap := resume.Snapshot{
		BucketID:      e.bucketID,
		FileID:        e.fileID,
		ShardSize:     e.shardSize,
		TotalPointers: e.totalPointers,
	}
	for _, p := range e.pointers {
		if p == nil {
			continue
		}
		snap.Pointers = append(snap.Pointers, resume.PointerSnapshot{
			Index:           p.Index,
			Size:            p.Size,
			Hash:            p.Hash,
			Token:           p.Token,
			FarmerID:        p.FarmerID,
			FarmerHost:      p.FarmerHost,
			FarmerPort:      p.FarmerPort,
			Status:          string(p.Status),
			DownloadedSize:  p.DownloadedSize(),
			ReportResult:    p.Report.ResultCode,
			ReportSendCount: p.Report.SendCount,
		})
	}
	return snap
}

// restore rebuilds pointer state from a prior snapshot. Any pointer whose
// status was less than WRITTEN is reset to CREATED so its shard is
// re-fetched; WRITTEN pointers are preserved and counted toward
// completedShards.
func (e *Engine) restore(snap resume.Snapshot) {
	e.shardSize = snap.ShardSize
	e.totalPointers = snap.TotalPointers
	e.pointers = make([]*Pointer, len(snap.Pointers))

	for i, ps := range snap.Pointers {
		p := &Pointer{
			Index:      ps.Index,
			Size:       ps.Size,
			Hash:       ps.Hash,
			Token:      ps.Token,
			FarmerID:   ps.FarmerID,
			FarmerHost: ps.FarmerHost,
			FarmerPort: ps.FarmerPort,
			Status:     StatusCreated,
		}
		if Status(ps.Status) == StatusWritten {
			p.Status = StatusWritten
			e.completedShards++
		}
		e.pointers[i] = p
	}

	if e.totalPointers > 0 {
		e.pointersCompleted = len(e.pointers) >= e.totalPointers
	}
}
