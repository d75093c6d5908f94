package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackend is an in-memory Backend with failure injection
type memBackend struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  error
	slow  bool
	calls int
}

func newMemBackend() *memBackend {
	return &memBackend{blobs: make(map[string][]byte)}
}

func (m *memBackend) before(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	fail, slow := m.fail, m.slow
	m.mu.Unlock()

	if slow {
		<-ctx.Done()
		return unavailable("slow", "mem", ctx.Err())
	}

	return fail
}

func (m *memBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.before(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *memBackend) Put(ctx context.Context, key string, blob []byte) error {
	if err := m.before(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (m *memBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.before(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.blobs[key]
	return ok, nil
}

func (m *memBackend) Delete(ctx context.Context, key string) error {
	if err := m.before(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, key)
	return nil
}

func (m *memBackend) Location() string { return "memory" }
func (m *memBackend) Close() error     { return nil }

func (m *memBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestHTTP_RoundTrip(t *testing.T) {
	var mu sync.Mutex
	blobs := map[string][]byte{}
	var authHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		authHeader = r.Header.Get("Authorization")
		key := strings.TrimPrefix(r.URL.Path, "/cache/")

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			blobs[key] = data
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet, http.MethodHead:
			data, ok := blobs[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if r.Method == http.MethodGet {
				w.Write(data)
			}
		case http.MethodDelete:
			delete(blobs, key)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	h, err := NewHTTP(HTTPConfig{URL: srv.URL + "/cache/", Token: "secret"})
	require.NoError(t, err)

	_, err = h.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.Put(ctx, "k1", []byte("payload")))
	assert.Equal(t, "Bearer secret", authHeader)

	data, err := h.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	ok, err := h.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.Delete(ctx, "k1"))
	ok, err = h.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTP_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h, err := NewHTTP(HTTPConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = h.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, h.Put(context.Background(), "k", []byte("x")), ErrUnavailable)
}

func TestNewHTTP_InvalidURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{URL: "not a url"})
	assert.Error(t, err)
}

// fakeS3 implements s3API over a map
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	b := newS3WithClient(fake, "builds", "compcache")

	_, err := b.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := b.Exists(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Put(ctx, "abc", []byte("object")))
	assert.Contains(t, fake.objects, "compcache/abc")

	data, err := b.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "object", string(data))

	require.NoError(t, b.Delete(ctx, "abc"))
	assert.Empty(t, fake.objects)

	assert.Equal(t, "S3, bucket: builds, prefix: compcache", b.Location())
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	ctx := context.Background()
	mem := newMemBackend()
	mem.fail = unavailable("get", "mem", errors.New("connection refused"))

	b := NewBreaker(mem, BreakerConfig{MaxFailures: 2, Cooldown: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }

	for range 2 {
		_, err := b.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, StateOpen, b.State())

	// Rejected without reaching the backend
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrOpenState)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, mem.callCount())

	// After the cool-down one probe goes through and closes the breaker
	now = now.Add(2 * time.Minute)
	mem.mu.Lock()
	mem.fail = nil
	mem.mu.Unlock()

	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_MissIsNotFailure(t *testing.T) {
	b := NewBreaker(newMemBackend(), BreakerConfig{MaxFailures: 1})

	for range 5 {
		_, err := b.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestEncrypted_RoundTrip(t *testing.T) {
	ctx := context.Background()

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	idFile := filepath.Join(t.TempDir(), "key.txt")
	require.NoError(t, os.WriteFile(idFile, []byte(id.String()+"\n"), 0o600))

	recipients, identities, err := LoadAgeKeys("", idFile)
	require.NoError(t, err)
	require.Len(t, recipients, 1)

	mem := newMemBackend()
	enc, err := NewEncrypted(mem, recipients, identities)
	require.NoError(t, err)

	require.NoError(t, enc.Put(ctx, "k", []byte("plaintext entry")))
	assert.NotContains(t, string(mem.blobs["k"]), "plaintext entry")

	data, err := enc.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "plaintext entry", string(data))
	assert.Contains(t, enc.Location(), "encrypted")
}

func TestEncrypted_WrongIdentity(t *testing.T) {
	ctx := context.Background()

	writer, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	reader, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	mem := newMemBackend()
	w, err := NewEncrypted(mem, []age.Recipient{writer.Recipient()}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Put(ctx, "k", []byte("secret")))

	r, err := NewEncrypted(mem, []age.Recipient{reader.Recipient()}, []age.Identity{reader})
	require.NoError(t, err)

	_, err = r.Get(ctx, "k")
	assert.Error(t, err)
}

func TestTiered_ReadThroughPopulatesLocal(t *testing.T) {
	ctx := context.Background()
	local := openLocal(t, t.TempDir(), 0)
	remote := newMemBackend()
	remote.blobs[hexKey("a")] = []byte("from remote")

	tiered := NewTiered(local, []Backend{remote}, time.Second)

	data, err := tiered.Get(ctx, hexKey("a"))
	require.NoError(t, err)
	assert.Equal(t, "from remote", string(data))

	ok, err := local.Exists(ctx, hexKey("a"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTiered_WriteThrough(t *testing.T) {
	ctx := context.Background()
	local := openLocal(t, t.TempDir(), 0)
	r1, r2 := newMemBackend(), newMemBackend()

	tiered := NewTiered(local, []Backend{r1, r2}, time.Second)
	require.NoError(t, tiered.Put(ctx, hexKey("b"), []byte("blob")))

	assert.Equal(t, []byte("blob"), r1.blobs[hexKey("b")])
	assert.Equal(t, []byte("blob"), r2.blobs[hexKey("b")])
	assert.Contains(t, tiered.Location(), "memory")
}

func TestTiered_SlowRemoteDegradesToMiss(t *testing.T) {
	local := openLocal(t, t.TempDir(), 0)
	remote := newMemBackend()
	remote.slow = true

	tiered := NewTiered(local, []Backend{remote}, 20*time.Millisecond)

	start := time.Now()
	_, err := tiered.Get(context.Background(), hexKey("c"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTiered_RemoteWriteFailureReported(t *testing.T) {
	ctx := context.Background()
	local := openLocal(t, t.TempDir(), 0)
	remote := newMemBackend()
	remote.fail = unavailable("put", "mem", errors.New("boom"))

	tiered := NewTiered(local, []Backend{remote}, time.Second)
	err := tiered.Put(ctx, hexKey("d"), []byte("blob"))
	assert.ErrorIs(t, err, ErrUnavailable)

	// The local tier still has it
	data, err := tiered.Get(ctx, hexKey("d"))
	require.NoError(t, err)
	assert.Equal(t, "blob", string(data))
}
