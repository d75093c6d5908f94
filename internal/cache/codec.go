// Package cache defines the stored form of a compilation result.
//
// An Entry is serialized to a single blob so that storage backends can put it
// atomically: a reader either sees no blob or a complete one. The blob is a
// magic header followed by a gzip stream of protowire fields. Every blob
// carries its fingerprint and a checksum over the replayed content, so a
// mismatching or damaged blob is detected on read and never served.
package cache

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/Norgate-AV/compcache/internal/wire"
)

// magic identifies the blob format version
var magic = []byte("CCE1")

// ErrCorrupt is returned when a blob cannot be decoded
var ErrCorrupt = errors.New("corrupt cache entry")

// maxDecodedSize bounds the decompressed size of one entry
var maxDecodedSize int64 = 4 << 30

// MismatchError indicates a suspected fingerprint collision or damaged entry.
// The entry must be evicted and recomputed.
type MismatchError struct {
	Key    string
	Reason string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("cache entry %s rejected: %s", e.Key, e.Reason)
}

const (
	fieldKey         protowire.Number = 1
	fieldLanguage    protowire.Number = 2
	fieldArtifact    protowire.Number = 3
	fieldStdout      protowire.Number = 4
	fieldStderr      protowire.Number = 5
	fieldExitCode    protowire.Number = 6
	fieldSignal      protowire.Number = 7
	fieldColorMode   protowire.Number = 8
	fieldCompileTime protowire.Number = 9
	fieldCreatedAt   protowire.Number = 10
	fieldChecksum    protowire.Number = 11

	fieldArtifactName protowire.Number = 1
	fieldArtifactMode protowire.Number = 2
	fieldArtifactData protowire.Number = 3
)

// Encode serializes an entry into a blob
func Encode(e *Entry) ([]byte, error) {
	var enc wire.Encoder
	enc.String(fieldKey, e.Key)
	enc.String(fieldLanguage, e.Language)

	for _, a := range e.Artifacts {
		enc.Message(fieldArtifact, func(inner *wire.Encoder) {
			inner.String(fieldArtifactName, a.Name)
			inner.Uint(fieldArtifactMode, uint64(a.Mode))
			inner.Bytes(fieldArtifactData, a.Data)
		})
	}

	enc.Bytes(fieldStdout, e.Stdout)
	enc.Bytes(fieldStderr, e.Stderr)
	enc.Int(fieldExitCode, int64(e.Status.Code))
	enc.Int(fieldSignal, int64(e.Status.Signal))
	enc.String(fieldColorMode, e.ColorMode)
	enc.Int(fieldCompileTime, int64(e.CompileTime))
	if !e.CreatedAt.IsZero() {
		enc.Int(fieldCreatedAt, e.CreatedAt.UnixNano())
	}
	enc.Bytes(fieldChecksum, e.Checksum)

	var buf bytes.Buffer
	buf.Write(magic)

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(enc.Data()); err != nil {
		return nil, fmt.Errorf("failed to compress entry: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress entry: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode parses a blob produced by Encode
func Decode(blob []byte) (*Entry, error) {
	if !bytes.HasPrefix(blob, magic) {
		return nil, fmt.Errorf("%w: unknown format", ErrCorrupt)
	}

	zr, err := gzip.NewReader(bytes.NewReader(blob[len(magic):]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if int64(len(raw)) > maxDecodedSize {
		return nil, fmt.Errorf("%w: decompressed size exceeds %d bytes", ErrCorrupt, maxDecodedSize)
	}

	e := &Entry{}
	err = wire.Walk(raw, func(num protowire.Number, f wire.Field) error {
		switch num {
		case fieldKey:
			e.Key = f.String()
		case fieldLanguage:
			e.Language = f.String()
		case fieldArtifact:
			a, err := decodeArtifact(f.Raw())
			if err != nil {
				return err
			}
			e.Artifacts = append(e.Artifacts, a)
		case fieldStdout:
			e.Stdout = f.Bytes()
		case fieldStderr:
			e.Stderr = f.Bytes()
		case fieldExitCode:
			e.Status.Code = int(f.Int())
		case fieldSignal:
			e.Status.Signal = int(f.Int())
		case fieldColorMode:
			e.ColorMode = f.String()
		case fieldCompileTime:
			e.CompileTime = time.Duration(f.Int())
		case fieldCreatedAt:
			e.CreatedAt = time.Unix(0, f.Int())
		case fieldChecksum:
			e.Checksum = f.Bytes()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return e, nil
}

func decodeArtifact(b []byte) (Artifact, error) {
	var a Artifact
	err := wire.Walk(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case fieldArtifactName:
			a.Name = f.String()
		case fieldArtifactMode:
			a.Mode = uint32(f.Uint())
		case fieldArtifactData:
			a.Data = f.Bytes()
		}
		return nil
	})

	return a, err
}
