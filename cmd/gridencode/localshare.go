package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gridstore/gridstore/merkle"
	"github.com/gridstore/gridstore/rlp"
)

// localShareWriter is a minimal filesystem-backed share.Writer used by this
// command's own upload, laid out as prefix/storage-index/share-<n>/ so that
// gridcrawl can walk the resulting tree as prefix and bucket directories.
// It does not implement the storage server's real bucket container format
// (leases, corruption advisories, and so on are out of scope here) — it
// exists only so gridencode has somewhere real to write to.
type localShareWriter struct {
	dir string
}

func newLocalShareWriter(root, prefix, storageIndex string, share int) *localShareWriter {
	dir := filepath.Join(root, prefix, storageIndex, "share-"+strconv.Itoa(share))
	return &localShareWriter{dir: dir}
}

func (w *localShareWriter) Start(ctx context.Context) error {
	return os.MkdirAll(filepath.Join(w.dir, "blocks"), 0755)
}

func (w *localShareWriter) PutBlock(ctx context.Context, segno int, block []byte) error {
	path := filepath.Join(w.dir, "blocks", strconv.Itoa(segno))
	return os.WriteFile(path, block, 0644)
}

func (w *localShareWriter) PutPlaintextHashes(ctx context.Context, hashes []merkle.IndexedHash) error {
	return w.putHashes("plaintext-hashes.rlp", hashes)
}

func (w *localShareWriter) PutCrypttextHashes(ctx context.Context, hashes []merkle.IndexedHash) error {
	return w.putHashes("crypttext-hashes.rlp", hashes)
}

func (w *localShareWriter) PutBlockHashes(ctx context.Context, hashes []merkle.IndexedHash) error {
	return w.putHashes("block-hashes.rlp", hashes)
}

func (w *localShareWriter) PutShareHashes(ctx context.Context, hashes []merkle.IndexedHash) error {
	return w.putHashes("share-hashes.rlp", hashes)
}

func (w *localShareWriter) putHashes(name string, hashes []merkle.IndexedHash) error {
	data, err := rlp.EncodeToBytes(hashes)
	if err != nil {
		return fmt.Errorf("localshare: encode %s: %w", name, err)
	}
	return os.WriteFile(filepath.Join(w.dir, name), data, 0644)
}

func (w *localShareWriter) PutURIExtension(ctx context.Context, data []byte) error {
	return os.WriteFile(filepath.Join(w.dir, "uri-extension.rlp"), data, 0644)
}

func (w *localShareWriter) Close(ctx context.Context) error {
	return os.WriteFile(filepath.Join(w.dir, "complete"), nil, 0644)
}

func (w *localShareWriter) Abort(ctx context.Context) error {
	return os.RemoveAll(w.dir)
}
