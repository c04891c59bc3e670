// Package download implements the download pipeline: acquiring share
// readers, agreeing on a URI-extension block across peers, fetching and
// validating hash chains, FEC-reconstructing segments, and validating the
// resulting crypttext and plaintext against their respective hash trees,
// all under a "fail over, don't fail" policy toward single-source errors.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
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

// ErrNotEnoughPeers is returned when fewer than k validated readers remain
// at any point in the pipeline.
var ErrNotEnoughPeers = errors.New("download: not enough validated shareholders")

// NotEnoughPeersError reports how many validated readers were available
// against how many were needed.
type NotEnoughPeersError struct {
	Have, Need int
	Stage      string
}

func (e *NotEnoughPeersError) Error() string {
	return fmt.Sprintf("download: %s: have %d validated readers, need %d", e.Stage, e.Have, e.Need)
}

func (e *NotEnoughPeersError) Unwrap() error { return ErrNotEnoughPeers }

// FailureCounters tallies single-source failures by class, for diagnostics;
// none of them are fatal on their own under the fail-over policy.
type FailureCounters struct {
	URIExtension      int
	PlaintextHashroot int
	PlaintextHashtree int
	CrypttextHashroot int
	CrypttextHashtree int
}

// Downloader drives one download of the file identified by a capability,
// given a set of share.Reader collaborators and a byte-sink target.
type Downloader struct {
	key       []byte
	log       *log.Logger
	collector *metrics.MetricsCollector
}

// New creates a Downloader using the per-file symmetric key carried by the
// capability being downloaded.
func New(key []byte) *Downloader {
	return &Downloader{
		key: key,
		log: log.Default().Module("download"),
		collector: metrics.NewMetricsCollector(metrics.CollectorConfig{
			EnableHistograms: true,
		}),
	}
}

// SourceFailures returns every recorded per-source failure event, tagged by
// share index and failure stage, for diagnosing which shareholders are
// degrading a download.
func (d *Downloader) SourceFailures() []metrics.MetricEntry {
	return d.collector.GetByTag("kind", "source_failure")
}

func (d *Downloader) recordSourceFailure(shareIdx int, stage string) {
	metrics.SourceFailures.Inc()
	d.collector.Record("downloader.source_failure", 1, map[string]string{
		"kind":  "source_failure",
		"share": strconv.Itoa(shareIdx),
		"stage": stage,
	})
}

// Download reconstructs the plaintext named by cap from readers (keyed by
// share index, at least k of them must ultimately validate) and writes it
// to target in strict file-offset order.
func (d *Downloader) Download(ctx context.Context, cap capability.Capability, readers map[int]share.Reader, target io.Writer) (counters *FailureCounters, err error) {
	defer func() {
		if err != nil {
			metrics.DownloadsFailed.Inc()
		}
	}()

	counters = &FailureCounters{}
	k := int(cap.NeededShares)
	n := int(cap.TotalShares)

	alive := make(map[int]bool, len(readers))
	for j := range readers {
		alive[j] = true
	}

	ext, extSource, err := d.resolveURIExtension(ctx, cap, readers, alive, counters)
	if err != nil {
		return counters, err
	}

	plaintextTree, crypttextTree, err := d.fetchHashTrees(ctx, ext, readers, alive, extSource, counters)
	if err != nil {
		return counters, err
	}

	blockTrees, err := d.validateShares(ctx, ext, n, readers, alive)
	if err != nil {
		return counters, err
	}
	if len(blockTrees) < k {
		return counters, &NotEnoughPeersError{Have: len(blockTrees), Need: k, Stage: "share validation"}
	}
	metrics.ValidatedShares.Set(int64(len(blockTrees)))

	validatedIndices := make([]int, 0, len(blockTrees))
	for j := range blockTrees {
		validatedIndices = append(validatedIndices, j)
	}
	sort.Ints(validatedIndices)

	codec, err := erasure.New(k, n)
	if err != nil {
		return counters, err
	}

	fileSize := int64(ext.Size)
	segSize := int64(ext.SegmentSize)
	numSegments := int(ext.NumSegments)

	for segno := 0; segno < numSegments; segno++ {
		offset := int64(segno) * segSize
		segLen := segSize
		if remaining := fileSize - offset; segLen > remaining {
			segLen = remaining
		}

		blocks, err := d.collectSegmentBlocks(ctx, segno, k, validatedIndices, readers, blockTrees)
		if err != nil {
			return counters, err
		}

		decodeStart := time.Now()
		recon, err := codec.Decode(blocks, int(segLen))
		metrics.SegmentDecodeTime.Observe(float64(time.Since(decodeStart).Milliseconds()))
		if err != nil {
			return counters, err
		}

		crypttextHash := thash.Sum(thash.TagCrypttext, recon)
		if err := crypttextTree.Verify(segno, thash.Sum(thash.TagLeaf, crypttextHash[:])); err != nil {
			return counters, fmt.Errorf("download: crypttext check segment %d: %w", segno, err)
		}

		plaintext, err := cipher.Decrypt(d.key, offset, recon)
		if err != nil {
			return counters, err
		}
		plaintextHash := thash.Sum(thash.TagPlaintext, plaintext)
		if err := plaintextTree.Verify(segno, thash.Sum(thash.TagLeaf, plaintextHash[:])); err != nil {
			return counters, fmt.Errorf("download: plaintext check segment %d: %w", segno, err)
		}

		if _, err := target.Write(plaintext); err != nil {
			return counters, fmt.Errorf("download: write segment %d: %w", segno, err)
		}
	}

	d.log.Info("download complete", "k", k, "n", n, "fileSize", fileSize)
	return counters, nil
}

func (d *Downloader) resolveURIExtension(ctx context.Context, cap capability.Capability, readers map[int]share.Reader, alive map[int]bool, counters *FailureCounters) (capability.URIExtension, int, error) {
	for _, j := range sortedKeys(readers) {
		raw, err := readers[j].GetURIExtension(ctx)
		if err != nil {
			alive[j] = false
			d.recordSourceFailure(j, "get_uri_extension")
			continue
		}
		h := thash.Sum(thash.TagURIExtension, raw)
		if h != cap.URIExtensionHash {
			counters.URIExtension++
			alive[j] = false
			d.log.Warn("reader served uri-extension with wrong hash", "share", j)
			d.recordSourceFailure(j, "uri_extension_hash_mismatch")
			continue
		}
		ext, err := capability.DecodeURIExtension(raw)
		if err != nil {
			counters.URIExtension++
			alive[j] = false
			d.recordSourceFailure(j, "uri_extension_decode")
			continue
		}
		return ext, j, nil
	}
	return capability.URIExtension{}, -1, &NotEnoughPeersError{Have: 0, Need: 1, Stage: "uri-extension resolution"}
}

func (d *Downloader) fetchHashTrees(ctx context.Context, ext capability.URIExtension, readers map[int]share.Reader, alive map[int]bool, preferred int, counters *FailureCounters) (*merkle.Tree, *merkle.Tree, error) {
	order := []int{preferred}
	for _, j := range sortedKeys(readers) {
		if j != preferred {
			order = append(order, j)
		}
	}

	padded := nextPow2(int(ext.NumSegments))
	for _, j := range order {
		if !alive[j] {
			continue
		}
		pnodes, err := readers[j].GetPlaintextHashes(ctx)
		if err != nil {
			counters.PlaintextHashtree++
			d.recordSourceFailure(j, "get_plaintext_hashes")
			continue
		}
		pt := merkle.New(padded)
		if err := pt.SetHashes(pnodes); err != nil {
			counters.PlaintextHashtree++
			d.recordSourceFailure(j, "plaintext_hashtree_invalid")
			continue
		}
		proot, ok := pt.Root()
		if !ok || proot != ext.PlaintextRootHash {
			counters.PlaintextHashroot++
			d.recordSourceFailure(j, "plaintext_hashroot_mismatch")
			continue
		}

		cnodes, err := readers[j].GetCrypttextHashes(ctx)
		if err != nil {
			counters.CrypttextHashtree++
			d.recordSourceFailure(j, "get_crypttext_hashes")
			continue
		}
		ct := merkle.New(padded)
		if err := ct.SetHashes(cnodes); err != nil {
			counters.CrypttextHashtree++
			d.recordSourceFailure(j, "crypttext_hashtree_invalid")
			continue
		}
		croot, ok := ct.Root()
		if !ok || croot != ext.CrypttextRootHash {
			counters.CrypttextHashroot++
			d.recordSourceFailure(j, "crypttext_hashroot_mismatch")
			continue
		}

		return pt, ct, nil
	}
	return nil, nil, &NotEnoughPeersError{Have: 0, Need: 1, Stage: "hash-tree fetch"}
}

// shareValidation is the per-reader outcome of step 4, computed
// concurrently across readers since each is an independent fetch.
type shareValidation struct {
	index int
	tree  *merkle.Tree
	ok    bool
}

func (d *Downloader) validateShares(ctx context.Context, ext capability.URIExtension, n int, readers map[int]share.Reader, alive map[int]bool) (map[int]*merkle.Tree, error) {
	indices := sortedKeys(readers)
	results := make([]shareValidation, len(indices))

	g, _ := errgroup.WithContext(ctx)
	for i, j := range indices {
		i, j := i, j
		g.Go(func() error {
			if !alive[j] {
				return nil
			}
			tree, ok := d.validateOneShare(ctx, ext, n, j, readers[j])
			results[i] = shareValidation{index: j, tree: tree, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[int]*merkle.Tree)
	for _, r := range results {
		if r.ok {
			out[r.index] = r.tree
		}
	}
	return out, nil
}

func (d *Downloader) validateOneShare(ctx context.Context, ext capability.URIExtension, n, j int, r share.Reader) (*merkle.Tree, bool) {
	blockNodes, err := r.GetBlockHashes(ctx)
	if err != nil {
		d.recordSourceFailure(j, "get_block_hashes")
		return nil, false
	}
	blockTree := merkle.New(nextPow2(int(ext.NumSegments)))
	if err := blockTree.SetHashes(blockNodes); err != nil {
		d.recordSourceFailure(j, "block_hashtree_invalid")
		return nil, false
	}
	blockRoot, ok := blockTree.Root()
	if !ok {
		d.recordSourceFailure(j, "block_hashtree_no_root")
		return nil, false
	}

	shareNodes, err := r.GetShareHashes(ctx)
	if err != nil {
		d.recordSourceFailure(j, "get_share_hashes")
		return nil, false
	}
	shareTree := merkle.New(nextPow2(n))
	if err := shareTree.SetHashes([]merkle.IndexedHash{{Index: 0, Hash: ext.ShareRootHash}}); err != nil {
		d.recordSourceFailure(j, "share_hashtree_invalid")
		return nil, false
	}
	if err := shareTree.SetHashes(shareNodes); err != nil {
		d.recordSourceFailure(j, "share_hashtree_invalid")
		return nil, false
	}
	if err := shareTree.Verify(j, thash.Sum(thash.TagLeaf, blockRoot[:])); err != nil {
		d.recordSourceFailure(j, "share_verify_failed")
		return nil, false
	}
	return blockTree, true
}

// collectSegmentBlocks fetches and validates block(segno) from validated
// shares in order, falling over to the next candidate on any failure,
// until k good blocks are collected.
func (d *Downloader) collectSegmentBlocks(ctx context.Context, segno, k int, validatedIndices []int, readers map[int]share.Reader, blockTrees map[int]*merkle.Tree) (map[int][]byte, error) {
	blocks := make(map[int][]byte, k)
	for _, j := range validatedIndices {
		if len(blocks) == k {
			break
		}
		block, err := readers[j].GetBlock(ctx, segno)
		if err != nil {
			d.recordSourceFailure(j, "get_block")
			continue
		}
		blockHash := thash.Sum(thash.TagBlock, block)
		if err := blockTrees[j].Verify(segno, thash.Sum(thash.TagLeaf, blockHash[:])); err != nil {
			d.log.Warn("block failed hash-tree verification", "share", j, "segno", segno)
			d.recordSourceFailure(j, "block_verify")
			continue
		}
		metrics.SharesFetched.Inc()
		blocks[j] = block
	}
	if len(blocks) < k {
		return nil, &NotEnoughPeersError{Have: len(blocks), Need: k, Stage: fmt.Sprintf("segment %d reconstruction", segno)}
	}
	return blocks, nil
}

func sortedKeys(readers map[int]share.Reader) []int {
	out := make([]int, 0, len(readers))
	for j := range readers {
		out = append(out, j)
	}
	sort.Ints(out)
	return out
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	size := 1
	for size < n {
		size *= 2
	}
	return size
}
