package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// hasher builds a fingerprint from labelled, length-prefixed fields so that
// no two distinct field sequences produce the same byte stream
type hasher struct {
	h hash.Hash
}

func newHasher() *hasher {
	return &hasher{h: sha256.New()}
}

func (h *hasher) bytes(label string, data []byte) {
	var n [8]byte

	binary.BigEndian.PutUint64(n[:], uint64(len(label)))
	h.h.Write(n[:])
	h.h.Write([]byte(label))

	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	h.h.Write(n[:])
	h.h.Write(data)
}

func (h *hasher) str(label, s string) {
	h.bytes(label, []byte(s))
}

// sum returns the hex-encoded digest
func (h *hasher) sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// fileDigest returns the hex sha256 of a file's content
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFiles digests paths concurrently, returning digests in input order
func hashFiles(ctx context.Context, paths []string) ([]string, error) {
	digests := make([]string, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			d, err := fileDigest(path)
			if err != nil {
				return err
			}

			digests[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return digests, nil
}
