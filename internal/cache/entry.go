package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/Norgate-AV/compcache/internal/codes"
)

// Artifact is one output file of a compilation
type Artifact struct {
	// Name is the logical output name ("obj", "dep", or a file name relative to the output directory)
	Name string

	// Mode holds the permission bits to restore
	Mode uint32

	Data []byte
}

// Entry represents a cached compilation result.
// Entries are immutable once written.
type Entry struct {
	// Key is the fingerprint this entry was stored under
	Key string

	// Language is the compiled-language family name (C, C++, Rust)
	Language string

	// Artifacts lists the compiled outputs; empty for failed compilations
	Artifacts []Artifact

	// Stdout and Stderr are replayed verbatim on a hit
	Stdout []byte
	Stderr []byte

	// Status is the exit status of the real compiler
	Status codes.ExitStatus

	// ColorMode is the diagnostics color mode the compile ran under
	ColorMode string

	// CompileTime is how long the real compile took
	CompileTime time.Duration

	// CreatedAt is when the entry was produced
	CreatedAt time.Time

	// Checksum covers everything replayed to a client
	Checksum []byte
}

// Artifact returns the named artifact
func (e *Entry) Artifact(name string) (Artifact, bool) {
	for _, a := range e.Artifacts {
		if a.Name == name {
			return a, true
		}
	}

	return Artifact{}, false
}

// Size returns the number of payload bytes held by the entry
func (e *Entry) Size() int64 {
	size := int64(len(e.Stdout) + len(e.Stderr))
	for _, a := range e.Artifacts {
		size += int64(len(a.Data))
	}

	return size
}

// Seal computes and stores the entry checksum
func (e *Entry) Seal() {
	e.Checksum = e.computeChecksum()
}

// Verify checks that the entry is intact and belongs to key
func (e *Entry) Verify(key string) error {
	if e.Key != key {
		return &MismatchError{Key: key, Reason: "entry recorded under a different fingerprint"}
	}

	sum := e.computeChecksum()
	if len(e.Checksum) != len(sum) || string(e.Checksum) != string(sum) {
		return &MismatchError{Key: key, Reason: "content checksum mismatch"}
	}

	return nil
}

func (e *Entry) computeChecksum() []byte {
	h := sha256.New()

	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}

	writeField([]byte(e.Key))
	writeField([]byte(e.Language))
	writeField(e.Stdout)
	writeField(e.Stderr)
	writeField([]byte(e.ColorMode))

	var status [16]byte
	binary.BigEndian.PutUint64(status[:8], uint64(int64(e.Status.Code)))
	binary.BigEndian.PutUint64(status[8:], uint64(int64(e.Status.Signal)))
	h.Write(status[:])

	for _, a := range e.Artifacts {
		writeField([]byte(a.Name))

		var mode [4]byte
		binary.BigEndian.PutUint32(mode[:], a.Mode)
		h.Write(mode[:])

		writeField(a.Data)
	}

	return h.Sum(nil)
}
