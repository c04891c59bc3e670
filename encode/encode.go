// Package encode implements the upload pipeline: segmenting an uploadable
// source, encrypting and FEC-expanding each segment, building the four hash
// trees, packaging the URI-extension block, and driving a set of
// share.Writer collaborators to completion with partial-failure tolerance
// above a configurable happiness floor.
package encode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridstore/gridstore/capability"
	"github.com/gridstore/gridstore/cipher"
	"github.com/gridstore/gridstore/erasure"
	"github.com/gridstore/gridstore/log"
	"github.com/gridstore/gridstore/merkle"
	"github.com/gridstore/gridstore/metrics"
	"github.com/gridstore/gridstore/share"
	"github.com/gridstore/gridstore/thash"
)

// ErrNotEnoughPeers is returned when the number of live shareholders drops
// below the configured happiness threshold at any checkpoint.
var ErrNotEnoughPeers = errors.New("encode: not enough live shareholders")

// NotEnoughPeersError reports the happiness shortfall that aborted an upload.
type NotEnoughPeersError struct {
	Live, Happy int
}

func (e *NotEnoughPeersError) Error() string {
	return fmt.Sprintf("encode: %d live shareholders, need %d for happiness", e.Live, e.Happy)
}

func (e *NotEnoughPeersError) Unwrap() error { return ErrNotEnoughPeers }

// Uploadable is the plaintext source an Encoder reads from. It mirrors
// io.ReaderAt plus a known total size, since the pipeline must know the
// file size up front to compute segment_size and num_segments.
type Uploadable interface {
	Size() int64
	ReadAt(p []byte, off int64) (int, error)
}

// Params carries the upload parameters named in get_param: the share
// counts and the maximum segment size.
type Params struct {
	K, Happy, N    int
	MaxSegmentSize int
}

// Result is returned by Start on a successful upload.
type Result struct {
	URIExtensionHash [32]byte
	K, N             int
	FileSize         int64
}

// Encoder drives one upload from a single Uploadable source to a fixed set
// of n share.Writer collaborators.
type Encoder struct {
	key    []byte
	params Params
	log    *log.Logger

	source      Uploadable
	fileSize    int64
	segmentSize int
	numSegments int

	writers map[int]share.Writer
}

// New creates an Encoder for the given per-file key and parameters.
// params.N writers must subsequently be registered via SetShareholders
// before Start.
func New(key []byte, params Params) *Encoder {
	return &Encoder{key: key, params: params, log: log.Default().Module("encode")}
}

// SetEncryptedUploadable establishes the segmenter: segment_size =
// min(max_segment_size, file_size), num_segments = ceil(file_size /
// segment_size).
func (e *Encoder) SetEncryptedUploadable(source Uploadable) error {
	size := source.Size()
	if size <= 0 {
		return fmt.Errorf("encode: uploadable size must be > 0, got %d", size)
	}
	segSize := e.params.MaxSegmentSize
	if int64(segSize) > size {
		segSize = int(size)
	}
	if segSize <= 0 {
		return fmt.Errorf("encode: invalid segment size %d", segSize)
	}

	e.source = source
	e.fileSize = size
	e.segmentSize = segSize
	e.numSegments = int((size + int64(segSize) - 1) / int64(segSize))
	return nil
}

// ShareCounts returns (k, happy, n) as registered in Params.
func (e *Encoder) ShareCounts() (k, happy, n int) {
	return e.params.K, e.params.Happy, e.params.N
}

// NumSegments returns the number of segments computed by
// SetEncryptedUploadable.
func (e *Encoder) NumSegments() int { return e.numSegments }

// SegmentSize returns the per-segment plaintext size computed by
// SetEncryptedUploadable (the final segment may be shorter in practice).
func (e *Encoder) SegmentSize() int { return e.segmentSize }

// SetShareholders registers exactly n writers, one per share index in
// [0, n).
func (e *Encoder) SetShareholders(writers map[int]share.Writer) error {
	if len(writers) != e.params.N {
		return fmt.Errorf("encode: expected %d shareholders, got %d", e.params.N, len(writers))
	}
	for j := 0; j < e.params.N; j++ {
		if _, ok := writers[j]; !ok {
			return fmt.Errorf("encode: missing shareholder for share index %d", j)
		}
	}
	e.writers = writers
	return nil
}

// liveSet tracks which of the n shareholders are still considered alive,
// guarded by mu since segment fan-out happens concurrently.
type liveSet struct {
	mu   sync.Mutex
	live map[int]bool
}

func newLiveSet(n int) *liveSet {
	m := make(map[int]bool, n)
	for j := 0; j < n; j++ {
		m[j] = true
	}
	return &liveSet{live: m}
}

func (s *liveSet) kill(j int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[j] {
		metrics.SharesLost.Inc()
	}
	s.live[j] = false
}

func (s *liveSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, alive := range s.live {
		if alive {
			n++
		}
	}
	return n
}

func (s *liveSet) liveIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for j, alive := range s.live {
		if alive {
			out = append(out, j)
		}
	}
	return out
}

// Start runs the full upload pipeline and returns the URI-extension hash,
// the share counts, and the file size.
func (e *Encoder) Start(ctx context.Context) (*Result, error) {
	codec, err := erasure.New(e.params.K, e.params.N)
	if err != nil {
		return nil, err
	}

	live := newLiveSet(e.params.N)

	g0, _ := errgroup.WithContext(ctx)
	for j := 0; j < e.params.N; j++ {
		j := j
		g0.Go(func() error {
			if err := e.writers[j].Start(ctx); err != nil {
				e.log.Warn("shareholder failed to start", "share", j, "err", err)
				live.kill(j)
			}
			return nil
		})
	}
	if err := g0.Wait(); err != nil {
		return nil, err
	}
	if c := live.count(); c < e.params.Happy {
		metrics.UploadsAborted.Inc()
		return nil, &NotEnoughPeersError{Live: c, Happy: e.params.Happy}
	}
	metrics.LiveShareholders.Set(int64(live.count()))

	plaintextHash := make([][32]byte, e.numSegments)
	crypttextHash := make([][32]byte, e.numSegments)
	blockHash := make([][][32]byte, e.params.N)
	for j := range blockHash {
		blockHash[j] = make([][32]byte, e.numSegments)
	}

	for segno := 0; segno < e.numSegments; segno++ {
		offset := int64(segno) * int64(e.segmentSize)
		n := e.segmentSize
		if remaining := e.fileSize - offset; int64(n) > remaining {
			n = int(remaining)
		}

		raw := make([]byte, n)
		if _, err := e.source.ReadAt(raw, offset); err != nil {
			return nil, fmt.Errorf("encode: read segment %d: %w", segno, err)
		}
		plaintextHash[segno] = thash.Sum(thash.TagPlaintext, raw)

		crypttext, err := cipher.Encrypt(e.key, offset, raw)
		if err != nil {
			return nil, fmt.Errorf("encode: encrypt segment %d: %w", segno, err)
		}
		crypttextHash[segno] = thash.Sum(thash.TagCrypttext, crypttext)

		encodeStart := time.Now()
		blocks := codec.Encode(crypttext)
		metrics.SegmentEncodeTime.Observe(float64(time.Since(encodeStart).Milliseconds()))
		for j := 0; j < e.params.N; j++ {
			blockHash[j][segno] = thash.Sum(thash.TagBlock, blocks[j])
		}

		g, gctx := errgroup.WithContext(ctx)
		_ = gctx
		for _, j := range live.liveIndices() {
			j := j
			block := blocks[j]
			g.Go(func() error {
				if err := e.writers[j].PutBlock(ctx, segno, block); err != nil {
					e.log.Warn("shareholder failed put_block", "share", j, "segno", segno, "err", err)
					live.kill(j)
					return nil
				}
				metrics.SharesSent.Inc()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if c := live.count(); c < e.params.Happy {
			metrics.UploadsAborted.Inc()
			return nil, &NotEnoughPeersError{Live: c, Happy: e.params.Happy}
		}
		metrics.LiveShareholders.Set(int64(live.count()))
	}

	plaintextTree := merkle.Build(toLeaves(plaintextHash))
	crypttextTree := merkle.Build(toLeaves(crypttextHash))
	blockTrees := make([]*merkle.Tree, e.params.N)
	blockRoots := make([][]byte, e.params.N)
	for j := 0; j < e.params.N; j++ {
		blockTrees[j] = merkle.Build(toLeaves(blockHash[j]))
		root, _ := blockTrees[j].Root()
		blockRoots[j] = root[:]
	}
	shareTree := merkle.Build(blockRoots)

	plaintextNodes := plaintextTree.AllNodes()
	crypttextNodes := crypttextTree.AllNodes()

	g, _ := errgroup.WithContext(ctx)
	for _, j := range live.liveIndices() {
		j := j
		g.Go(func() error {
			chain, err := shareTree.NeededHashes(j)
			if err != nil {
				e.log.Warn("shareholder share-hash chain unavailable", "share", j, "err", err)
				live.kill(j)
				return nil
			}
			if err := e.writers[j].PutBlockHashes(ctx, blockTrees[j].AllNodes()); err != nil {
				live.kill(j)
				return nil
			}
			if err := e.writers[j].PutShareHashes(ctx, chain); err != nil {
				live.kill(j)
				return nil
			}
			if err := e.writers[j].PutPlaintextHashes(ctx, plaintextNodes); err != nil {
				live.kill(j)
				return nil
			}
			if err := e.writers[j].PutCrypttextHashes(ctx, crypttextNodes); err != nil {
				live.kill(j)
				return nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if c := live.count(); c < e.params.Happy {
		metrics.UploadsAborted.Inc()
		return nil, &NotEnoughPeersError{Live: c, Happy: e.params.Happy}
	}
	metrics.LiveShareholders.Set(int64(live.count()))

	shareRoot, _ := shareTree.Root()
	plaintextRoot, _ := plaintextTree.Root()
	crypttextRoot, _ := crypttextTree.Root()
	ext := capability.URIExtension{
		Size:              uint64(e.fileSize),
		SegmentSize:       uint64(e.segmentSize),
		NumSegments:       uint64(e.numSegments),
		NeededShares:      uint64(e.params.K),
		TotalShares:       uint64(e.params.N),
		ShareRootHash:     shareRoot,
		PlaintextRootHash: plaintextRoot,
		CrypttextRootHash: crypttextRoot,
	}
	encodedExt, err := ext.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode: uri-extension encode: %w", err)
	}
	uriHash, err := ext.Hash()
	if err != nil {
		return nil, fmt.Errorf("encode: uri-extension hash: %w", err)
	}

	g, _ = errgroup.WithContext(ctx)
	for _, j := range live.liveIndices() {
		j := j
		g.Go(func() error {
			if err := e.writers[j].PutURIExtension(ctx, encodedExt); err != nil {
				live.kill(j)
				return nil
			}
			if err := e.writers[j].Close(ctx); err != nil {
				live.kill(j)
				return nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if c := live.count(); c < e.params.Happy {
		metrics.UploadsAborted.Inc()
		return nil, &NotEnoughPeersError{Live: c, Happy: e.params.Happy}
	}
	metrics.LiveShareholders.Set(int64(live.count()))

	e.log.Info("upload complete", "k", e.params.K, "n", e.params.N, "fileSize", e.fileSize)
	return &Result{URIExtensionHash: uriHash, K: e.params.K, N: e.params.N, FileSize: e.fileSize}, nil
}

func toLeaves(hashes [][32]byte) [][]byte {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		h := h
		out[i] = h[:]
	}
	return out
}
