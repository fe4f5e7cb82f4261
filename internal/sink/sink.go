// Package sink provides pluggable download destinations. Every
// implementation supports positioned writes during the download and a
// Finalize step that runs once the engine has written every shard — local
// files need none, the cloud-backed sinks use it to flush a spooled file to
// the real destination.
package sink

import (
	"context"
	"io"
)

// Sink is the destination for a reconstructed file. Writer.WriteAt is
// called by the download engine's single writer worker in strictly
// ascending offset order; implementations never need their own locking.
type Sink interface {
	io.WriterAt
	io.Closer
	// Finalize completes delivery (e.g. uploads a spooled file) once the
	// engine has written every shard. It is a no-op for local sinks.
	Finalize(ctx context.Context) error
}

// Replayable is satisfied by every Sink implementation in this package: all
// of them spool to (or are) a local file, so a resumed download can read
// back shards that were already written in a prior run and feed them into
// the HMAC accumulator without re-fetching them from a farmer.
type Replayable interface {
	Sink
	io.ReaderAt
}
