package ownership

import (
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/hutch-sh/hutch/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func TestPutGetRemove(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Put(Record{SessionID: "s1", Username: "alice"}))

	rec, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, store.Remove("s1"))
	_, err = store.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveMissingIsNoop(t *testing.T) {
	store, _ := newTestStore(t)
	assert.NoError(t, store.Remove("never-existed"))
}

func TestListAndCountByUser(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Put(Record{SessionID: "s1", Username: "alice"}))
	require.NoError(t, store.Put(Record{SessionID: "s2", Username: "alice"}))
	require.NoError(t, store.Put(Record{SessionID: "s3", Username: "bob"}))

	ids, err := store.ListByUser("alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

	count, err := store.Count("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = store.Count("carol")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(Record{SessionID: "s1", Username: "alice"}))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)
}

func TestMalformedEntriesDropped(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Put(Record{SessionID: "good", Username: "alice"}))

	// Corrupt a record directly in the bucket
	err := store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOwners).Put([]byte("bad"), []byte("{not json"))
	})
	require.NoError(t, err)

	recs, err := store.All()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "good", recs[0].SessionID)
}
