package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// Encrypted wraps a backend and age-encrypts every blob it stores.
// Used for remote stores shared beyond the local machine.
type Encrypted struct {
	next       Backend
	recipients []age.Recipient
	identities []age.Identity
}

// NewEncrypted wraps next. At least one identity is needed to read blobs back.
func NewEncrypted(next Backend, recipients []age.Recipient, identities []age.Identity) (*Encrypted, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("encryption requires at least one recipient")
	}

	return &Encrypted{next: next, recipients: recipients, identities: identities}, nil
}

// LoadAgeKeys parses a recipient string and an identity file.
// An empty identityFile yields no identities (write-only).
func LoadAgeKeys(recipient, identityFile string) ([]age.Recipient, []age.Identity, error) {
	var recipients []age.Recipient
	var identities []age.Identity

	if identityFile != "" {
		f, err := os.Open(identityFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open identity file: %w", err)
		}
		defer f.Close()

		identities, err = age.ParseIdentities(f)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse identity file: %w", err)
		}
	}

	if recipient != "" {
		r, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse recipient: %w", err)
		}
		recipients = append(recipients, r)
	} else {
		// Fall back to encrypting to our own X25519 identities
		for _, id := range identities {
			if x, ok := id.(*age.X25519Identity); ok {
				recipients = append(recipients, x.Recipient())
			}
		}
	}

	return recipients, identities, nil
}

// Location implements Backend
func (e *Encrypted) Location() string {
	return e.next.Location() + " (encrypted)"
}

// Get implements Backend
func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := e.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if len(e.identities) == 0 {
		return nil, fmt.Errorf("%w: no identity configured to decrypt %s", ErrUnavailable, key)
	}

	r, err := age.Decrypt(bytes.NewReader(blob), e.identities...)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cache entry: %w", err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cache entry: %w", err)
	}

	return data, nil
}

// Put implements Backend
func (e *Encrypted) Put(ctx context.Context, key string, blob []byte) error {
	var buf bytes.Buffer

	w, err := age.Encrypt(&buf, e.recipients...)
	if err != nil {
		return fmt.Errorf("failed to encrypt cache entry: %w", err)
	}

	if _, err := w.Write(blob); err != nil {
		return fmt.Errorf("failed to encrypt cache entry: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to encrypt cache entry: %w", err)
	}

	return e.next.Put(ctx, key, buf.Bytes())
}

// Exists implements Backend
func (e *Encrypted) Exists(ctx context.Context, key string) (bool, error) {
	return e.next.Exists(ctx, key)
}

// Delete implements Backend
func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.next.Delete(ctx, key)
}

// Close implements Backend
func (e *Encrypted) Close() error {
	return e.next.Close()
}
