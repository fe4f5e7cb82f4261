package download

import (
	"context"

	"github.com/zzenonn/shardpull/internal/bridgeclient"
)

// BridgeClient is the subset of bridgeclient.Client the engine depends on.
// Narrowed to an interface so tests can substitute a fake bridge.
type BridgeClient interface {
	PostToken(ctx context.Context, bucketID string) (string, error)
	GetPointers(ctx context.Context, bucketID, fileID string, skip, limit int, token string) ([]bridgeclient.PointerDTO, error)
	GetReplacementPointer(ctx context.Context, bucketID, fileID string, skip int, exclude string, token string) (bridgeclient.PointerDTO, error)
	GetFileInfo(ctx context.Context, bucketID, fileID string) (bridgeclient.FileInfoDTO, error)
	PostExchangeReport(ctx context.Context, report bridgeclient.ExchangeReportDTO) error
}

// FarmerClient is the subset of farmerclient.Client the engine depends on.
type FarmerClient interface {
	Fetch(ctx context.Context, host string, port int, hash, token string, size int64, onProgress func(cumulative int64)) ([]byte, error)
}
