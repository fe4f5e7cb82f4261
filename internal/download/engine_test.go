package download

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zzenonn/shardpull/internal/bridgeclient"
	"github.com/zzenonn/shardpull/internal/cryptoutil"
	downerr "github.com/zzenonn/shardpull/internal/errors"
	"github.com/zzenonn/shardpull/internal/resume"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testTuning() Tuning {
	t := DefaultTuning()
	t.ConcurrencyCap = 2
	return t
}

func pointerDTO(index int, hash string, size int64, farmerID string) bridgeclient.PointerDTO {
	var dto bridgeclient.PointerDTO
	dto.Index = index
	dto.Hash = hash
	dto.Size = size
	dto.Token = "ptr-tok"
	dto.Farmer.Address = "farmer.example"
	dto.Farmer.Port = 8080
	dto.Farmer.NodeID = farmerID
	return dto
}

func shardContent(i int, size int64) []byte {
	return bytes.Repeat([]byte{byte(0x61 + i)}, int(size))
}

func waitFinished(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish in time")
		return nil
	}
}

func TestHappyPath(t *testing.T) {
	const shardSize = 64
	const n = 3

	var pointers []bridgeclient.PointerDTO
	farmer := newFakeFarmer()
	acc := cryptoutil.NewHMACAccumulator(nil)
	for i := 0; i < n; i++ {
		hash := "hash" + string(rune('0'+i))
		content := shardContent(i, shardSize)
		farmer.content[hash] = content
		acc.Write(content)
		pointers = append(pointers, pointerDTO(i, hash, shardSize, "farmer"+string(rune('0'+i))))
	}

	bridge := newFakeBridge(pointers, acc.FinalHex())
	resumeStore := newMemResumeStore()
	sink := newMemSink(shardSize * n)

	e := New(bridge, farmer, resumeStore, testLogger(), testTuning())

	done := make(chan error, 1)
	if err := e.Start(context.Background(), "bucket1", "file1", sink, "", nil, func(status error) {
		done <- status
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := waitFinished(t, done); err != nil {
		t.Fatalf("download finished with error: %v", err)
	}

	offsets := sink.writeOffsets()
	if len(offsets) != n {
		t.Fatalf("wrote %d shards, want %d", len(offsets), n)
	}
	for i, off := range offsets {
		if off != int64(i)*shardSize {
			t.Errorf("write %d at offset %d, want %d", i, off, int64(i)*shardSize)
		}
	}

	if bridge.reportCount() != n {
		t.Errorf("posted %d reports, want %d", bridge.reportCount(), n)
	}

	for i := 0; i < n; i++ {
		want := shardContent(i, shardSize)
		got := sink.buf[int64(i)*shardSize : int64(i+1)*shardSize]
		if !bytes.Equal(got, want) {
			t.Errorf("shard %d content mismatch", i)
		}
	}
}

func TestFlakyShardReplacedOnce(t *testing.T) {
	const shardSize = 64
	const n = 5
	const flakyIndex = 2

	var pointers []bridgeclient.PointerDTO
	farmer := newFakeFarmer()
	acc := cryptoutil.NewHMACAccumulator(nil)
	for i := 0; i < n; i++ {
		hash := "hash" + string(rune('0'+i))
		content := shardContent(i, shardSize)
		farmer.content[hash] = content
		acc.Write(content)
		pointers = append(pointers, pointerDTO(i, hash, shardSize, "farmer"+string(rune('0'+i))))
	}
	farmer.failFirst["hash2"] = 1

	bridge := newFakeBridge(pointers, acc.FinalHex())
	bridge.replacements[flakyIndex] = []bridgeclient.PointerDTO{
		pointerDTO(flakyIndex, "hash2", shardSize, "farmer2-replacement"),
	}

	resumeStore := newMemResumeStore()
	sink := newMemSink(shardSize * n)
	e := New(bridge, farmer, resumeStore, testLogger(), testTuning())

	done := make(chan error, 1)
	if err := e.Start(context.Background(), "bucket1", "file1", sink, "", nil, func(status error) {
		done <- status
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := waitFinished(t, done); err != nil {
		t.Fatalf("download finished with error: %v", err)
	}

	if bridge.reportCount() != n+1 {
		t.Errorf("posted %d reports, want %d", bridge.reportCount(), n+1)
	}
}

func TestFarmerExhausted(t *testing.T) {
	const shardSize = 64
	const n = 3
	const badIndex = 1

	var pointers []bridgeclient.PointerDTO
	farmer := newFakeFarmer()
	for i := 0; i < n; i++ {
		hash := "hash" + string(rune('0'+i))
		content := shardContent(i, shardSize)
		farmer.content[hash] = content
		pointers = append(pointers, pointerDTO(i, hash, shardSize, "farmer"+string(rune('0'+i))))
	}
	farmer.failFirst["hash1"] = 1000 // always fails

	bridge := newFakeBridge(pointers, "")
	for attempt := 0; attempt < 3; attempt++ {
		bridge.replacements[badIndex] = append(bridge.replacements[badIndex],
			pointerDTO(badIndex, "hash1", shardSize, "farmer1-replacement"))
	}

	resumeStore := newMemResumeStore()
	sink := newMemSink(shardSize * n)
	e := New(bridge, farmer, resumeStore, testLogger(), testTuning())

	done := make(chan error, 1)
	if err := e.Start(context.Background(), "bucket1", "file1", sink, "", nil, func(status error) {
		done <- status
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := waitFinished(t, done)
	if downerr.KindOf(err) != downerr.KindFarmerExhausted {
		t.Fatalf("kind = %v, want farmer-exhausted", downerr.KindOf(err))
	}

	for _, off := range sink.writeOffsets() {
		if off == badIndex*shardSize {
			t.Error("write at the exhausted shard's offset should never happen")
		}
	}
}

func TestIntegrityMismatch(t *testing.T) {
	const shardSize = 64
	const n = 2

	var pointers []bridgeclient.PointerDTO
	farmer := newFakeFarmer()
	for i := 0; i < n; i++ {
		hash := "hash" + string(rune('0'+i))
		content := shardContent(i, shardSize)
		farmer.content[hash] = content
		pointers = append(pointers, pointerDTO(i, hash, shardSize, "farmer"+string(rune('0'+i))))
	}

	badHMAC := hex.EncodeToString(bytes.Repeat([]byte{0xAB}, 64))
	bridge := newFakeBridge(pointers, badHMAC)
	resumeStore := newMemResumeStore()
	sink := newMemSink(shardSize * n)
	e := New(bridge, farmer, resumeStore, testLogger(), testTuning())

	done := make(chan error, 1)
	if err := e.Start(context.Background(), "bucket1", "file1", sink, "", nil, func(status error) {
		done <- status
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := waitFinished(t, done)
	if downerr.KindOf(err) != downerr.KindFileDecryption {
		t.Fatalf("kind = %v, want file-decryption", downerr.KindOf(err))
	}
	if len(sink.writeOffsets()) != n {
		t.Errorf("expected every shard to be written before the hmac check fails, got %d writes", len(sink.writeOffsets()))
	}
}

func TestCancellationMidFlight(t *testing.T) {
	const shardSize = 64
	const n = 4

	var pointers []bridgeclient.PointerDTO
	farmer := newFakeFarmer()
	acc := cryptoutil.NewHMACAccumulator(nil)
	for i := 0; i < n; i++ {
		hash := "hash" + string(rune('0'+i))
		content := shardContent(i, shardSize)
		farmer.content[hash] = content
		acc.Write(content)
		pointers = append(pointers, pointerDTO(i, hash, shardSize, "farmer"+string(rune('0'+i))))
		if i >= 1 {
			farmer.delay[hash] = 50 * time.Millisecond
		}
	}

	bridge := newFakeBridge(pointers, acc.FinalHex())
	resumeStore := newMemResumeStore()
	sink := newMemSink(shardSize * n)
	e := New(bridge, farmer, resumeStore, testLogger(), testTuning())

	done := make(chan error, 1)
	firstWrite := make(chan struct{})
	var signaled bool
	if err := e.Start(context.Background(), "bucket1", "file1", sink, "", func(fraction float64, downloaded, total int64) {
	}, func(status error) {
		done <- status
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		for {
			if len(sink.writeOffsets()) >= 1 && !signaled {
				signaled = true
				close(firstWrite)
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	<-firstWrite
	e.Cancel()

	err := waitFinished(t, done)
	if downerr.KindOf(err) != downerr.KindTransferCanceled {
		t.Fatalf("kind = %v, want transfer-canceled", downerr.KindOf(err))
	}
}

func TestResumeSkipsWrittenShards(t *testing.T) {
	const shardSize = 64
	const n = 14
	const writtenThrough = 6 // shards 0-6 already WRITTEN

	farmer := newFakeFarmer()
	acc := cryptoutil.NewHMACAccumulator(nil)
	snk := newMemSink(shardSize * n)

	snap := resume.Snapshot{
		BucketID:      "bucket1",
		FileID:        "file1",
		ShardSize:     shardSize,
		TotalPointers: n,
	}
	for i := 0; i < n; i++ {
		hash := "hash" + string(rune('0'+i))
		content := shardContent(i, shardSize)
		acc.Write(content)

		ps := resume.PointerSnapshot{Index: i, Size: shardSize, Hash: hash}
		if i <= writtenThrough {
			copy(snk.buf[int64(i)*shardSize:], content)
			ps.Status = string(StatusWritten)
			ps.DownloadedSize = shardSize
		} else {
			farmer.content[hash] = content
			ps.Status = string(StatusCreated)
		}
		snap.Pointers = append(snap.Pointers, ps)
	}

	resumeStore := newMemResumeStore()
	if err := resumeStore.Save(context.Background(), snap); err != nil {
		t.Fatalf("seed resume snapshot: %v", err)
	}

	bridge := newFakeBridge(nil, acc.FinalHex())
	e := New(bridge, farmer, resumeStore, testLogger(), testTuning())

	done := make(chan error, 1)
	if err := e.Start(context.Background(), "bucket1", "file1", snk, "", nil, func(status error) {
		done <- status
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := waitFinished(t, done); err != nil {
		t.Fatalf("resumed download finished with error: %v", err)
	}

	for i := 0; i <= writtenThrough; i++ {
		if _, ok := farmer.attempts["hash"+string(rune('0'+i))]; ok {
			t.Errorf("shard %d was already written, should not have been re-fetched", i)
		}
	}
	for i := writtenThrough + 1; i < n; i++ {
		if farmer.attempts["hash"+string(rune('0'+i))] == 0 {
			t.Errorf("shard %d was pending, should have been fetched", i)
		}
	}

	for i := 0; i < n; i++ {
		want := shardContent(i, shardSize)
		got := snk.buf[int64(i)*shardSize : int64(i+1)*shardSize]
		if !bytes.Equal(got, want) {
			t.Errorf("shard %d content mismatch after resume", i)
		}
	}
}
