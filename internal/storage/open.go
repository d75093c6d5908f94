package storage

import (
	"context"
	"fmt"
	"time"
)

// Options selects and configures the backends to open
type Options struct {
	// Dir and MaxSize configure the local tier, which is always present
	Dir     string
	MaxSize int64

	// S3 is used when S3.Bucket is set
	S3 S3Config

	// HTTP is used when HTTP.URL is set
	HTTP HTTPConfig

	// RemoteTimeout bounds each remote call
	RemoteTimeout time.Duration

	// Age encryption for remote tiers; disabled when both are empty
	EncryptionRecipient    string
	EncryptionIdentityFile string
}

// Open builds the backend stack described by opts.
// Remotes are wrapped in Breaker (and Encrypted when configured) and layered
// under the local tier with Tiered. Without remotes the local backend is returned directly.
func Open(ctx context.Context, opts Options) (Backend, error) {
	local, err := NewLocal(opts.Dir, opts.MaxSize)
	if err != nil {
		return nil, err
	}

	var remotes []Backend

	if opts.S3.Bucket != "" {
		b, err := NewS3(ctx, opts.S3)
		if err != nil {
			local.Close()
			return nil, fmt.Errorf("failed to configure s3 storage: %w", err)
		}
		remotes = append(remotes, b)
	}

	if opts.HTTP.URL != "" {
		b, err := NewHTTP(opts.HTTP)
		if err != nil {
			local.Close()
			return nil, fmt.Errorf("failed to configure http storage: %w", err)
		}
		remotes = append(remotes, b)
	}

	if len(remotes) == 0 {
		return local, nil
	}

	if opts.EncryptionRecipient != "" || opts.EncryptionIdentityFile != "" {
		recipients, identities, err := LoadAgeKeys(opts.EncryptionRecipient, opts.EncryptionIdentityFile)
		if err != nil {
			local.Close()
			return nil, err
		}

		for i, r := range remotes {
			enc, err := NewEncrypted(r, recipients, identities)
			if err != nil {
				local.Close()
				return nil, err
			}
			remotes[i] = enc
		}
	}

	for i, r := range remotes {
		remotes[i] = NewBreaker(r, BreakerConfig{})
	}

	return NewTiered(local, remotes, opts.RemoteTimeout), nil
}
