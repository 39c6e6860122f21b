// Package storage provides the durable object storage used for encrypted
// credential backups.
package storage

import "context"

// ObjectStorage is the minimal object-store contract the credential store
// needs: whole-object put/get/delete under hierarchical keys.
type ObjectStorage interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// GetAll fetches every object under prefix, keyed by full object key.
	// An empty map with nil error means nothing is stored there.
	GetAll(ctx context.Context, prefix string) (map[string][]byte, error)
	// DeletePrefix removes every object under prefix. Idempotent.
	DeletePrefix(ctx context.Context, prefix string) error
}
