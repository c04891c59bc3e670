// Command gridencode uploads one local file through the encode pipeline,
// writing shares to a local directory tree laid out as
// <out>/<prefix>/<storage-index>/share-<n>/ so that gridcrawl can walk the
// result, and prints the resulting capability token to stdout.
//
// Usage:
//
//	gridencode --in FILE --out DIR [flags]
//
// Flags:
//
//	--in             path to the file to upload (required)
//	--out            root directory to write shares into (required)
//	--id             storage index name (default: input file's base name)
//	--k              needed shares (default: 3)
//	--happy          happiness threshold (default: 7)
//	--n              total shares (default: 10)
//	--segment-size   maximum segment size in bytes (default: 131072)
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"path/filepath"

	"github.com/gridstore/gridstore/capability"
	"github.com/gridstore/gridstore/crawler"
	"github.com/gridstore/gridstore/encode"
	"github.com/gridstore/gridstore/share"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type fileUploadable struct {
	f    *os.File
	size int64
}

func (u fileUploadable) Size() int64 { return u.size }

func (u fileUploadable) ReadAt(p []byte, off int64) (int, error) {
	return u.f.ReadAt(p, off)
}

// prefixFor deterministically assigns a storage index to one of the crawler's
// 1024 fixed prefix directories. This is directory sharding, not a wire-
// format hash, so it uses the stdlib's non-cryptographic FNV-1a rather than
// the tagged-hash machinery in thash.
func prefixFor(storageIndex string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(storageIndex))
	return crawler.Prefixes[h.Sum32()%uint32(len(crawler.Prefixes))]
}

func run(args []string) int {
	fs := flag.NewFlagSet("gridencode", flag.ContinueOnError)
	in := fs.String("in", "", "path to the file to upload")
	out := fs.String("out", "", "root directory to write shares into")
	id := fs.String("id", "", "storage index name (default: input file's base name)")
	k := fs.Int("k", 3, "needed shares")
	happy := fs.Int("happy", 7, "happiness threshold")
	n := fs.Int("n", 10, "total shares")
	segmentSize := fs.Int("segment-size", 131072, "maximum segment size in bytes")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *in == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "gridencode: --in and --out are required")
		return 2
	}

	storageIndex := *id
	if storageIndex == "" {
		storageIndex = filepath.Base(*in)
	}
	prefix := prefixFor(storageIndex)

	f, err := os.Open(*in)
	if err != nil {
		log.Printf("open %s: %v", *in, err)
		return 1
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Printf("stat %s: %v", *in, err)
		return 1
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Printf("generate key: %v", err)
		return 1
	}

	writers := make(map[int]share.Writer, *n)
	for j := 0; j < *n; j++ {
		writers[j] = newLocalShareWriter(*out, prefix, storageIndex, j)
	}

	enc := encode.New(key, encode.Params{K: *k, Happy: *happy, N: *n, MaxSegmentSize: *segmentSize})
	if err := enc.SetEncryptedUploadable(fileUploadable{f: f, size: info.Size()}); err != nil {
		log.Printf("configure upload: %v", err)
		return 1
	}
	if err := enc.SetShareholders(writers); err != nil {
		log.Printf("configure shareholders: %v", err)
		return 1
	}

	log.Printf("uploading %s as storage index %q under prefix %q (k=%d happy=%d n=%d)",
		*in, storageIndex, prefix, *k, *happy, *n)

	result, err := enc.Start(context.Background())
	if err != nil {
		log.Printf("upload failed: %v", err)
		return 1
	}

	token := capability.Capability{
		Key:              key,
		URIExtensionHash: result.URIExtensionHash,
		NeededShares:     uint32(*k),
		TotalShares:      uint32(*n),
		Size:             uint64(info.Size()),
	}
	fmt.Println(token.String())
	return 0
}
