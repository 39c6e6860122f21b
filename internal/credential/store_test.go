package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/secrets"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/storage"
	"github.com/NoCodeify/whatsapp-web-service-sub002/internal/transport"
)

const testSecretRef = "TEST_BACKUP_KEY"

func newCloudStore(t *testing.T) (*Store, *storage.MemoryStore) {
	t.Helper()
	t.Setenv(testSecretRef, "unit-test-backup-secret")

	objects := storage.NewMemoryStore()
	store, err := NewStore(t.TempDir(), ModeCloud, objects, secrets.EnvProvider{}, testSecretRef)
	require.NoError(t, err)
	return store, objects
}

func writeSession(t *testing.T, store *Store, tenantID, phone string, blobs map[string][]byte) {
	t.Helper()
	dir := store.Dir(tenantID, phone)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	for name, data := range blobs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
	}
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newCloudStore(t)

	blobs := map[string][]byte{
		transport.SessionDBName: []byte("sqlite database bytes"),
		"app-state.bin":         []byte{0x00, 0x01, 0xff, 0xfe},
	}
	writeSession(t, store, "tenant-a", "15550101234", blobs)

	require.NoError(t, store.Backup(ctx, "tenant-a", "15550101234"))

	// Simulate loss of the local volume.
	store.wipeLocal("tenant-a", "15550101234")
	assert.False(t, store.HasLocal("tenant-a", "15550101234"))

	restored, err := store.Restore(ctx, "tenant-a", "15550101234")
	require.NoError(t, err)
	assert.True(t, restored)

	for name, want := range blobs {
		got, err := os.ReadFile(filepath.Join(store.Dir("tenant-a", "15550101234"), name))
		require.NoError(t, err)
		assert.Equal(t, want, got, "blob %s must survive the round trip byte for byte", name)
	}
}

func TestRestoreWithoutBackupIsNotAnError(t *testing.T) {
	store, _ := newCloudStore(t)

	restored, err := store.Restore(context.Background(), "tenant-a", "15550101234")
	assert.NoError(t, err)
	assert.False(t, restored)
}

func TestRestoreCorruptBlobWipesLocalAndFails(t *testing.T) {
	ctx := context.Background()
	store, objects := newCloudStore(t)

	writeSession(t, store, "tenant-a", "15550101234", map[string][]byte{
		transport.SessionDBName: []byte("sqlite database bytes"),
	})
	require.NoError(t, store.Backup(ctx, "tenant-a", "15550101234"))
	store.wipeLocal("tenant-a", "15550101234")

	// Corrupt the mirrored blob.
	prefix := remotePrefix("tenant-a", "15550101234")
	require.NoError(t, objects.Put(ctx, prefix+transport.SessionDBName, []byte("garbage, not a sealed blob")))

	restored, err := store.Restore(ctx, "tenant-a", "15550101234")
	assert.False(t, restored)
	assert.ErrorIs(t, err, ErrCredentialCorrupt)
	assert.False(t, store.HasLocal("tenant-a", "15550101234"), "partial restores must not leave blobs behind")
}

func TestLoadCorruptBackupFallsBackToFreshPairing(t *testing.T) {
	ctx := context.Background()
	store, objects := newCloudStore(t)

	writeSession(t, store, "tenant-a", "15550101234", map[string][]byte{
		transport.SessionDBName: []byte("sqlite database bytes"),
	})
	require.NoError(t, store.Backup(ctx, "tenant-a", "15550101234"))
	store.wipeLocal("tenant-a", "15550101234")

	prefix := remotePrefix("tenant-a", "15550101234")
	require.NoError(t, objects.Put(ctx, prefix+transport.SessionDBName, []byte("garbage, not a sealed blob")))

	// A corrupt backup must not block the session: Load hands back an empty
	// directory so the dial can pair fresh.
	dir, restored, err := store.Load(ctx, "tenant-a", "15550101234")
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, store.Dir("tenant-a", "15550101234"), dir)
	assert.DirExists(t, dir)
	assert.False(t, store.HasLocal("tenant-a", "15550101234"))
}

func TestLoadRestoresOnMiss(t *testing.T) {
	ctx := context.Background()
	store, _ := newCloudStore(t)

	writeSession(t, store, "tenant-a", "15550101234", map[string][]byte{
		transport.SessionDBName: []byte("sqlite database bytes"),
	})
	require.NoError(t, store.Backup(ctx, "tenant-a", "15550101234"))
	store.wipeLocal("tenant-a", "15550101234")

	dir, restored, err := store.Load(ctx, "tenant-a", "15550101234")
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, store.Dir("tenant-a", "15550101234"), dir)
	assert.True(t, store.HasLocal("tenant-a", "15550101234"))
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, objects := newCloudStore(t)

	writeSession(t, store, "tenant-a", "15550101234", map[string][]byte{
		transport.SessionDBName: []byte("data"),
	})
	require.NoError(t, store.Backup(ctx, "tenant-a", "15550101234"))

	require.NoError(t, store.Delete(ctx, "tenant-a", "15550101234"))
	assert.False(t, store.HasLocal("tenant-a", "15550101234"))

	remote, err := objects.GetAll(ctx, remotePrefix("tenant-a", "15550101234"))
	require.NoError(t, err)
	assert.Empty(t, remote)

	// Second delete of already-missing data succeeds.
	require.NoError(t, store.Delete(ctx, "tenant-a", "15550101234"))
}

func TestListLocalSkipsPartialDirs(t *testing.T) {
	store, _ := newCloudStore(t)

	writeSession(t, store, "tenant-a", "15550101234", map[string][]byte{
		transport.SessionDBName: []byte("data"),
	})
	// Directory without the primary blob.
	require.NoError(t, os.MkdirAll(store.Dir("tenant-b", "447911123456"), 0o700))
	// Directory that does not follow the tenant_phone naming.
	require.NoError(t, os.MkdirAll(filepath.Join(store.rootDir, "lost+found"), 0o700))

	locals, err := store.ListLocal()
	require.NoError(t, err)
	require.Len(t, locals, 1)
	assert.Equal(t, "tenant-a", locals[0].TenantID)
	assert.Equal(t, "15550101234", locals[0].Phone)
}

func TestLocalModeNeedsNoObjectStorage(t *testing.T) {
	store, err := NewStore(t.TempDir(), ModeLocal, nil, nil, "")
	require.NoError(t, err)

	// Persist and Backup are no-ops without a cloud mirror.
	assert.NoError(t, store.Persist(context.Background(), "tenant-a", "15550101234"))
	assert.NoError(t, store.Backup(context.Background(), "tenant-a", "15550101234"))
}

func TestCloudModeRequiresObjectStorage(t *testing.T) {
	_, err := NewStore(t.TempDir(), ModeCloud, nil, secrets.EnvProvider{}, testSecretRef)
	assert.Error(t, err)
}
