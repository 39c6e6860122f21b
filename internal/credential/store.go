// Package credential persists per-session authentication material as named
// blobs on local disk, optionally mirrored (individually encrypted) to
// durable object storage so sessions survive loss of the local volume.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/secrets"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/storage"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/transport"
)

// Storage modes.
const (
	ModeLocal  = "local"
	ModeHybrid = "hybrid"
	ModeCloud  = "cloud"
)

// LocalSession identifies a credential directory found on disk.
type LocalSession struct {
	TenantID     string
	Phone        string
	LastModified time.Time
}

// Store manages credential blobs for all sessions.
type Store struct {
	rootDir string
	mode    string
	objects storage.ObjectStorage

	secretRef string
	provider  secrets.Provider

	mu        sync.Mutex
	backingUp map[string]bool
}

func NewStore(rootDir, mode string, objects storage.ObjectStorage, provider secrets.Provider, secretRef string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o700); err != nil {
		return nil, fmt.Errorf("credential root dir unwritable: %w", err)
	}

	if mode != ModeLocal && objects == nil {
		return nil, fmt.Errorf("storage mode %q requires object storage", mode)
	}

	return &Store{
		rootDir:   rootDir,
		mode:      mode,
		objects:   objects,
		secretRef: secretRef,
		provider:  provider,
		backingUp: make(map[string]bool),
	}, nil
}

func (s *Store) cloudEnabled() bool {
	return s.mode != ModeLocal && s.objects != nil
}

// Dir returns the local credential directory for a session.
func (s *Store) Dir(tenantID, phone string) string {
	return filepath.Join(s.rootDir, tenantID+"_"+phone)
}

func remotePrefix(tenantID, phone string) string {
	return "credentials/" + tenantID + "/" + phone + "/"
}

// HasLocal reports whether a valid local credential exists: the directory
// must contain the primary blob, partial directories do not count.
func (s *Store) HasLocal(tenantID, phone string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(tenantID, phone), transport.SessionDBName))
	return err == nil
}

// Load makes the credential directory ready for a transport dial. If the
// primary blob is missing locally and a backup mode is configured, it
// attempts a restore first. Returns the directory and whether a restore
// happened.
func (s *Store) Load(ctx context.Context, tenantID, phone string) (string, bool, error) {
	dir := s.Dir(tenantID, phone)

	if s.HasLocal(tenantID, phone) {
		return dir, false, nil
	}

	if !s.cloudEnabled() {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", false, fmt.Errorf("create credential dir: %w", err)
		}
		return dir, false, nil
	}

	restored, err := s.Restore(ctx, tenantID, phone)
	if err != nil {
		if !errors.Is(err, ErrCredentialCorrupt) {
			return "", false, err
		}
		// A corrupt backup cannot resume the session, but it must not block
		// it either: hand back an empty directory so the dial goes through
		// fresh pairing. The partial restore is already wiped.
		log.Printf("⚠ Corrupt credential backup for %s:%s, falling back to fresh pairing: %v", tenantID, phone, err)
		restored = false
	}
	if !restored {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", false, fmt.Errorf("create credential dir: %w", err)
		}
	}
	return dir, restored, nil
}

// Restore downloads all backed-up blobs for the session, decrypts each and
// writes them locally. A missing backup is expected, not exceptional: it
// returns (false, nil).
func (s *Store) Restore(ctx context.Context, tenantID, phone string) (bool, error) {
	key, err := s.cipherKey(ctx)
	if err != nil {
		return false, err
	}

	blobs, err := s.objects.GetAll(ctx, remotePrefix(tenantID, phone))
	if err != nil {
		return false, fmt.Errorf("download backup: %w", err)
	}
	if len(blobs) == 0 {
		return false, nil
	}

	dir := s.Dir(tenantID, phone)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create credential dir: %w", err)
	}

	for objectKey, sealed := range blobs {
		name := filepath.Base(objectKey)
		plaintext, err := decryptBlob(key, sealed)
		if err != nil {
			// One corrupt blob invalidates the whole restore: a partial
			// credential set cannot resume a session.
			s.wipeLocal(tenantID, phone)
			return false, fmt.Errorf("restore %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), plaintext, 0o600); err != nil {
			return false, fmt.Errorf("write blob %s: %w", name, err)
		}
	}

	log.Printf("✓ Restored %d credential blobs for %s:%s", len(blobs), tenantID, phone)
	return true, nil
}

// Persist is invoked on every credential-rotation signal from the transport.
// Local blobs are already on disk (the transport writes them); in hybrid
// mode this additionally kicks off an async best-effort backup.
func (s *Store) Persist(ctx context.Context, tenantID, phone string) error {
	if !s.cloudEnabled() {
		return nil
	}

	if s.mode == ModeCloud {
		return s.Backup(ctx, tenantID, phone)
	}

	// Hybrid: never block the hot path on the mirror.
	dedupeKey := tenantID + ":" + phone
	s.mu.Lock()
	if s.backingUp[dedupeKey] {
		s.mu.Unlock()
		return nil
	}
	s.backingUp[dedupeKey] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.backingUp, dedupeKey)
			s.mu.Unlock()
		}()

		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.Backup(bgCtx, tenantID, phone); err != nil {
			log.Printf("⚠ Async credential backup failed for %s:%s: %v", tenantID, phone, err)
		}
	}()
	return nil
}

// Backup encrypts every local blob and uploads it under the session prefix.
func (s *Store) Backup(ctx context.Context, tenantID, phone string) error {
	if !s.cloudEnabled() {
		return nil
	}
	if !s.HasLocal(tenantID, phone) {
		return fmt.Errorf("no local credential for %s:%s", tenantID, phone)
	}

	key, err := s.cipherKey(ctx)
	if err != nil {
		return err
	}

	dir := s.Dir(tenantID, phone)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read credential dir: %w", err)
	}

	uploaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read blob %s: %w", entry.Name(), err)
		}
		sealed, err := encryptBlob(key, data)
		if err != nil {
			return fmt.Errorf("encrypt blob %s: %w", entry.Name(), err)
		}
		if err := s.objects.Put(ctx, remotePrefix(tenantID, phone)+entry.Name(), sealed); err != nil {
			return fmt.Errorf("upload blob %s: %w", entry.Name(), err)
		}
		uploaded++
	}

	log.Printf("✓ Backed up %d credential blobs for %s:%s", uploaded, tenantID, phone)
	return nil
}

// Delete removes local blobs and, when a backup mode is configured, the
// remote mirror. Idempotent on missing data.
func (s *Store) Delete(ctx context.Context, tenantID, phone string) error {
	s.wipeLocal(tenantID, phone)

	if s.cloudEnabled() {
		if err := s.objects.DeletePrefix(ctx, remotePrefix(tenantID, phone)); err != nil {
			return fmt.Errorf("delete remote credential: %w", err)
		}
	}
	return nil
}

func (s *Store) wipeLocal(tenantID, phone string) {
	if err := os.RemoveAll(s.Dir(tenantID, phone)); err != nil {
		log.Printf("⚠ Failed to remove credential dir for %s:%s: %v", tenantID, phone, err)
	}
}

// ListLocal enumerates valid local sessions (directories holding the
// primary blob). Partial directories are skipped.
func (s *Store) ListLocal() ([]LocalSession, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("read credential root: %w", err)
	}

	var out []LocalSession
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}

		primary := filepath.Join(s.rootDir, entry.Name(), transport.SessionDBName)
		info, err := os.Stat(primary)
		if err != nil {
			// No primary blob, not a recoverable session.
			continue
		}

		out = append(out, LocalSession{
			TenantID:     parts[0],
			Phone:        parts[1],
			LastModified: info.ModTime(),
		})
	}
	return out, nil
}

// StartBackupLoop runs the periodic safety-net backup for all currently
// active sessions, catching rotations whose signal was missed. Stops when
// ctx is cancelled.
func (s *Store) StartBackupLoop(ctx context.Context, interval time.Duration, active func() [][2]string) {
	if !s.cloudEnabled() || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, pair := range active() {
				if err := s.Backup(ctx, pair[0], pair[1]); err != nil {
					log.Printf("⚠ Periodic backup failed for %s:%s: %v", pair[0], pair[1], err)
				}
			}
		}
	}
}

func (s *Store) cipherKey(ctx context.Context) ([]byte, error) {
	if s.provider == nil || s.secretRef == "" {
		return nil, fmt.Errorf("backup key is not configured")
	}
	secret, err := s.provider.Get(ctx, s.secretRef)
	if err != nil {
		return nil, fmt.Errorf("resolve backup key: %w", err)
	}
	return deriveKey(secret), nil
}
