package commitment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zkdefi/shield-client/internal/blobstore"
)

const testUser = "0x0456"

func sampleCommitment(hash string) Commitment {
	return Commitment{
		Hash:       hash,
		UserSecret: "1234",
		Amount:     "2500000000000000000",
		PoolType:   PoolNeutral,
		Nonce:      "5678",
		Blinding:   "9012",
	}
}

func fixedNow() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, testUser, "0x1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: expected ErrNotFound, got %v", err)
	}

	if err := s.Save(ctx, testUser, sampleCommitment("0xAA")); err != nil {
		t.Fatalf("Save #1: %v", err)
	}
	if err := s.Save(ctx, testUser, sampleCommitment("0xbb")); err != nil {
		t.Fatalf("Save #2: %v", err)
	}

	got, err := s.Get(ctx, "0x456", "aa")
	if err != nil {
		t.Fatalf("Get normalized: %v", err)
	}
	if got.Hash != "0xaa" {
		t.Fatalf("hash: got %q want 0xaa", got.Hash)
	}
	if !got.CreatedAt.Equal(fixedNow()) {
		t.Fatalf("created_at: got %v", got.CreatedAt)
	}

	idx := uint64(3)
	got.LeafIndex = &idx
	got.MerkleRoot = "0x77"
	if err := s.Save(ctx, testUser, got); err != nil {
		t.Fatalf("Save sync update: %v", err)
	}
	list, err := s.List(ctx, testUser)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List len: got %d want 2", len(list))
	}
	var found bool
	for _, c := range list {
		if c.Hash == "0xaa" {
			found = true
			if c.LeafIndex == nil || *c.LeafIndex != 3 || c.MerkleRoot != "0x77" {
				t.Fatalf("sync update not persisted: %+v", c)
			}
		}
	}
	if !found {
		t.Fatalf("0xaa missing from list")
	}

	// Updating the amount without inclusion data keeps the leaf index.
	spent := sampleCommitment("0xaa")
	spent.Amount = "1000"
	if err := s.Save(ctx, testUser, spent); err != nil {
		t.Fatalf("Save partial: %v", err)
	}
	got, err = s.Get(ctx, testUser, "0xaa")
	if err != nil {
		t.Fatalf("Get after partial: %v", err)
	}
	if got.Amount != "1000" || got.LeafIndex == nil || *got.LeafIndex != 3 {
		t.Fatalf("partial update: %+v", got)
	}

	tampered := sampleCommitment("0xaa")
	tampered.Blinding = "1"
	if err := s.Save(ctx, testUser, tampered); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}

	if err := s.Remove(ctx, testUser, "0xaa"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, testUser, "0xaa"); err != nil {
		t.Fatalf("Remove idempotent: %v", err)
	}
	list, err = s.List(ctx, testUser)
	if err != nil {
		t.Fatalf("List after remove: %v", err)
	}
	if len(list) != 1 || list[0].Hash != "0xbb" {
		t.Fatalf("List after remove: %+v", list)
	}

	// Other users are isolated.
	other, err := s.List(ctx, "0x999")
	if err != nil {
		t.Fatalf("List other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no entries for other user, got %d", len(other))
	}

	cleared, err := s.EnsureVersion(ctx, testUser, DefaultSchemaMarker)
	if err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}
	if !cleared {
		t.Fatalf("expected entries without marker to be cleared")
	}
	cleared, err = s.EnsureVersion(ctx, testUser, DefaultSchemaMarker)
	if err != nil || cleared {
		t.Fatalf("EnsureVersion repeat: cleared=%v err=%v", cleared, err)
	}

	if err := s.Save(ctx, testUser, sampleCommitment("0xcc")); err != nil {
		t.Fatalf("Save after reset: %v", err)
	}
	if err := s.Clear(ctx, testUser); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	list, err = s.List(ctx, testUser)
	if err != nil || len(list) != 0 {
		t.Fatalf("List after clear: %v %+v", err, list)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore(fixedNow))
}

func TestObjectStore(t *testing.T) {
	t.Parallel()

	blobs, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	s, err := NewObjectStore(blobs, fixedNow)
	if err != nil {
		t.Fatalf("NewObjectStore: %v", err)
	}
	exerciseStore(t, s)
}

func TestNewObjectStoreRejectsNil(t *testing.T) {
	t.Parallel()

	if _, err := NewObjectStore(nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

// racingBlobs fails the first conditional write as if another writer got there first.
type racingBlobs struct {
	blobstore.Store
	mu     sync.Mutex
	failed bool
}

func (r *racingBlobs) Put(ctx context.Context, key string, payload []byte, opts blobstore.PutOptions) (string, error) {
	r.mu.Lock()
	fail := !r.failed
	r.failed = true
	r.mu.Unlock()
	if fail {
		return "", blobstore.ErrPreconditionFailed
	}
	return r.Store.Put(ctx, key, payload, opts)
}

func TestObjectStoreRetriesOnConflict(t *testing.T) {
	t.Parallel()

	inner, err := blobstore.New(blobstore.Config{})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	s, err := NewObjectStore(&racingBlobs{Store: inner}, fixedNow)
	if err != nil {
		t.Fatalf("NewObjectStore: %v", err)
	}
	if err := s.Save(context.Background(), testUser, sampleCommitment("0x1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Get(context.Background(), testUser, "0x1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	tests := []struct {
		name string
		user string
		c    Commitment
	}{
		{name: "bad hash", user: testUser, c: sampleCommitment("0xzz")},
		{name: "zero user", user: "0x0", c: sampleCommitment("0x1")},
		{name: "missing secret", user: testUser, c: func() Commitment { c := sampleCommitment("0x1"); c.UserSecret = ""; return c }()},
		{name: "bad amount", user: testUser, c: func() Commitment { c := sampleCommitment("0x1"); c.Amount = "1.5"; return c }()},
		{name: "path mismatch", user: testUser, c: func() Commitment { c := sampleCommitment("0x1"); c.PathElements = []string{"1"}; return c }()},
	}
	for _, tc := range tests {
		if err := s.Save(context.Background(), tc.user, tc.c); !errors.Is(err, ErrInvalidCommitment) {
			t.Fatalf("%s: expected ErrInvalidCommitment, got %v", tc.name, err)
		}
	}
}

func TestParsePoolType(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]PoolType{"conservative": PoolConservative, " Neutral ": PoolNeutral, "aggressive": PoolAggressive, "7": PoolType(7)} {
		got, err := ParsePoolType(in)
		if err != nil || got != want {
			t.Fatalf("ParsePoolType(%q): got %v, %v", in, got, err)
		}
	}
	if _, err := ParsePoolType("reckless"); !errors.Is(err, ErrInvalidCommitment) {
		t.Fatalf("expected ErrInvalidCommitment, got %v", err)
	}
}

func TestMergeDropsPathOnRootChange(t *testing.T) {
	t.Parallel()

	idx := uint64(1)
	prev := Commitment{
		Hash: "0x1", UserSecret: "1", Amount: "5", Nonce: "2", Blinding: "3",
		LeafIndex: &idx, MerkleRoot: "0x10", PathElements: []string{"0xa"}, PathIndices: []int{1},
	}

	next := prev.Clone()
	next.PathElements, next.PathIndices = nil, nil
	kept, err := Merge(prev, next)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !kept.HasPath() {
		t.Fatalf("path dropped although the root is unchanged: %+v", kept)
	}

	next.MerkleRoot = "0x20"
	moved, err := Merge(prev, next)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if moved.MerkleRoot != "0x20" || len(moved.PathElements) != 0 || len(moved.PathIndices) != 0 {
		t.Fatalf("stale path restored: root=%s path=%v", moved.MerkleRoot, moved.PathElements)
	}
}
