// Package share declares the collaborator interfaces the encoder and
// downloader drive — one share-writer per outbound share, one share-reader
// per inbound share — and a deterministic in-memory Fake implementing both,
// parametrized by an enumerated failure mode, for use in tests in place of
// any real transport.
package share

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridstore/gridstore/merkle"
)

// Writer is the per-share collaborator the Encoder drives. Every method may
// fail; a failure marks the share dead for the remainder of the upload.
type Writer interface {
	Start(ctx context.Context) error
	PutBlock(ctx context.Context, segno int, block []byte) error
	PutPlaintextHashes(ctx context.Context, hashes []merkle.IndexedHash) error
	PutCrypttextHashes(ctx context.Context, hashes []merkle.IndexedHash) error
	PutBlockHashes(ctx context.Context, hashes []merkle.IndexedHash) error
	PutShareHashes(ctx context.Context, hashes []merkle.IndexedHash) error
	PutURIExtension(ctx context.Context, data []byte) error
	Close(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Reader is the per-share collaborator the Downloader drives.
type Reader interface {
	GetBlock(ctx context.Context, segno int) ([]byte, error)
	GetPlaintextHashes(ctx context.Context) ([]merkle.IndexedHash, error)
	GetCrypttextHashes(ctx context.Context) ([]merkle.IndexedHash, error)
	GetBlockHashes(ctx context.Context) ([]merkle.IndexedHash, error)
	GetShareHashes(ctx context.Context) ([]merkle.IndexedHash, error)
	GetURIExtension(ctx context.Context) ([]byte, error)
}

// FailureMode selects the way a Fake deviates from honest behavior.
type FailureMode int

const (
	// Good behaves honestly in every respect.
	Good FailureMode = iota
	// BadBlock serves a corrupted block.
	BadBlock
	// Lost refuses to Start at all (dead before the upload begins).
	Lost
	// LostEarly accepts Start and the block for segment 0, then fails every
	// later block, hash-list, URI-extension and Close call (Abort and reads
	// still succeed).
	LostEarly
	// BadPlaintextHashroot corrupts the root node of the served plaintext hash tree.
	BadPlaintextHashroot
	// BadPlaintextHash corrupts a non-root node of the served plaintext hash tree.
	BadPlaintextHash
	// BadCrypttextHashroot corrupts the root node of the served crypttext hash tree.
	BadCrypttextHashroot
	// BadCrypttextHash corrupts a non-root node of the served crypttext hash tree.
	BadCrypttextHash
	// BadBlockHash corrupts the served block hash tree.
	BadBlockHash
	// BadShareHash corrupts the served share-hash chain.
	BadShareHash
	// MissingShareHash serves a truncated share-hash chain.
	MissingShareHash
	// BadURIExtension serves a corrupted uri-extension block.
	BadURIExtension
)

// Fake is an in-memory Writer and Reader over the same backing storage,
// parametrized by a FailureMode. Encoder tests use it as a writer; once an
// upload has populated it, downloader tests use the same instance as a
// reader.
type Fake struct {
	mu   sync.Mutex
	Mode FailureMode

	started, closed, aborted bool
	blocks                   map[int][]byte
	plaintextHashes          []merkle.IndexedHash
	crypttextHashes          []merkle.IndexedHash
	blockHashes              []merkle.IndexedHash
	shareHashes              []merkle.IndexedHash
	uriExtension             []byte
}

// NewFake returns a Fake share in the given failure mode.
func NewFake(mode FailureMode) *Fake {
	return &Fake{Mode: mode, blocks: make(map[int][]byte)}
}

var errDead = fmt.Errorf("share: fake peer is dead")

// Start implements Writer.
func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Mode == Lost {
		return errDead
	}
	f.started = true
	return nil
}

// PutBlock implements Writer.
func (f *Fake) PutBlock(ctx context.Context, segno int, block []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Mode == LostEarly && segno > 0 {
		return errDead
	}
	cp := append([]byte(nil), block...)
	f.blocks[segno] = cp
	return nil
}

// PutPlaintextHashes implements Writer.
func (f *Fake) PutPlaintextHashes(ctx context.Context, hashes []merkle.IndexedHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Mode == LostEarly {
		return errDead
	}
	f.plaintextHashes = append([]merkle.IndexedHash(nil), hashes...)
	return nil
}

// PutCrypttextHashes implements Writer.
func (f *Fake) PutCrypttextHashes(ctx context.Context, hashes []merkle.IndexedHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Mode == LostEarly {
		return errDead
	}
	f.crypttextHashes = append([]merkle.IndexedHash(nil), hashes...)
	return nil
}

// PutBlockHashes implements Writer.
func (f *Fake) PutBlockHashes(ctx context.Context, hashes []merkle.IndexedHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Mode == LostEarly {
		return errDead
	}
	f.blockHashes = append([]merkle.IndexedHash(nil), hashes...)
	return nil
}

// PutShareHashes implements Writer.
func (f *Fake) PutShareHashes(ctx context.Context, hashes []merkle.IndexedHash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Mode == LostEarly {
		return errDead
	}
	f.shareHashes = append([]merkle.IndexedHash(nil), hashes...)
	return nil
}

// PutURIExtension implements Writer.
func (f *Fake) PutURIExtension(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Mode == LostEarly {
		return errDead
	}
	f.uriExtension = append([]byte(nil), data...)
	return nil
}

// Close implements Writer.
func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Mode == LostEarly {
		return errDead
	}
	f.closed = true
	return nil
}

// Abort implements Writer.
func (f *Fake) Abort(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}

// GetBlock implements Reader.
func (f *Fake) GetBlock(ctx context.Context, segno int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blocks[segno]
	if !ok {
		return nil, fmt.Errorf("share: no block for segment %d", segno)
	}
	out := append([]byte(nil), b...)
	if f.Mode == BadBlock {
		corrupt(out)
	}
	return out, nil
}

// GetPlaintextHashes implements Reader.
func (f *Fake) GetPlaintextHashes(ctx context.Context) ([]merkle.IndexedHash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := cloneHashes(f.plaintextHashes)
	switch f.Mode {
	case BadPlaintextHashroot:
		corruptRoot(out)
	case BadPlaintextHash:
		corruptNonRoot(out)
	}
	return out, nil
}

// GetCrypttextHashes implements Reader.
func (f *Fake) GetCrypttextHashes(ctx context.Context) ([]merkle.IndexedHash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := cloneHashes(f.crypttextHashes)
	switch f.Mode {
	case BadCrypttextHashroot:
		corruptRoot(out)
	case BadCrypttextHash:
		corruptNonRoot(out)
	}
	return out, nil
}

// GetBlockHashes implements Reader.
func (f *Fake) GetBlockHashes(ctx context.Context) ([]merkle.IndexedHash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := cloneHashes(f.blockHashes)
	if f.Mode == BadBlockHash {
		corruptNonRoot(out)
	}
	return out, nil
}

// GetShareHashes implements Reader.
func (f *Fake) GetShareHashes(ctx context.Context) ([]merkle.IndexedHash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := cloneHashes(f.shareHashes)
	switch f.Mode {
	case BadShareHash:
		corruptNonRoot(out)
	case MissingShareHash:
		if len(out) > 0 {
			out = out[:len(out)-1]
		}
	}
	return out, nil
}

// GetURIExtension implements Reader.
func (f *Fake) GetURIExtension(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]byte(nil), f.uriExtension...)
	if f.Mode == BadURIExtension {
		corrupt(out)
	}
	return out, nil
}

func corrupt(b []byte) {
	if len(b) > 0 {
		b[0] ^= 0xFF
	}
}

func cloneHashes(in []merkle.IndexedHash) []merkle.IndexedHash {
	return append([]merkle.IndexedHash(nil), in...)
}

func corruptRoot(hashes []merkle.IndexedHash) {
	for i := range hashes {
		if hashes[i].Index == 0 {
			hashes[i].Hash[0] ^= 0xFF
			return
		}
	}
}

func corruptNonRoot(hashes []merkle.IndexedHash) {
	for i := range hashes {
		if hashes[i].Index != 0 {
			hashes[i].Hash[0] ^= 0xFF
			return
		}
	}
	if len(hashes) > 0 {
		hashes[0].Hash[0] ^= 0xFF
	}
}
