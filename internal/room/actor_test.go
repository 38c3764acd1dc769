package room

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/draftwell/roomhost/internal/auth"
	"github.com/draftwell/roomhost/internal/blob"
	"github.com/draftwell/roomhost/internal/engine"
	apperrors "github.com/draftwell/roomhost/pkg/errors"
)

func newTestRegistry(t *testing.T, store blob.Store, extra ...func(*Options)) *Registry {
	t.Helper()
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Secret: "test-secret"})
	require.NoError(t, err)

	opts := Options{
		Store:           store,
		Verifier:        verifier,
		PersistInterval: 20 * time.Millisecond,
		Logger:          zap.NewNop(),
	}
	for _, fn := range extra {
		fn(&opts)
	}
	registry, err := NewRegistry(opts)
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	return registry
}

func TestRegistryReturnsSameActorPerRoomKey(t *testing.T) {
	registry := newTestRegistry(t, newTestStore(t))

	a1, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)
	a2, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)
	other, err := registry.Get(NewSimple("r2"))
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, other)
}

func TestMutateAndQueryPages(t *testing.T) {
	registry := newTestRegistry(t, newTestStore(t))
	actor, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)
	ctx := context.Background()

	result, err := actor.MutatePages(ctx, []PageInput{
		{Name: "notes"},
		{Name: "photo", ImageURL: "https://img.example/cat.png", Width: 640, Height: 480, MimeType: "image/png"},
	})
	require.NoError(t, err)
	require.Len(t, result.Added, 2)
	assert.Empty(t, result.Failed)
	assert.Less(t, result.Added[0].OrderKey, result.Added[1].OrderKey)

	pages, err := actor.QueryPages(ctx)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "notes", pages[0].Name)
	assert.Equal(t, "photo", pages[1].Name)

	// A later batch lands strictly above the existing pages.
	more, err := actor.MutatePages(ctx, []PageInput{{Name: "appendix"}})
	require.NoError(t, err)
	require.Len(t, more.Added, 1)
	assert.Greater(t, more.Added[0].OrderKey, pages[1].OrderKey)
}

func TestMutatePagesSynthesisesAssetAndShape(t *testing.T) {
	var factoryEngine *engine.MemoryEngine
	registry := newTestRegistry(t, newTestStore(t), func(opts *Options) {
		opts.EngineFactory = func(snapshot engine.Snapshot, log *zap.Logger) engine.Engine {
			factoryEngine = engine.NewMemoryEngine(snapshot, log)
			return factoryEngine
		}
	})
	actor, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)

	result, err := actor.MutatePages(context.Background(), []PageInput{
		{Name: "photo", ImageURL: "https://img.example/cat.png", Width: 640, Height: 480, MimeType: "image/png"},
	})
	require.NoError(t, err)
	require.Len(t, result.Added, 1)

	snapshot := factoryEngine.CurrentSnapshot()
	require.Len(t, snapshot.Documents, 3)

	kinds := map[string]engine.Record{}
	for _, record := range snapshot.Documents {
		kinds[record.Kind] = record
	}
	page := kinds[engine.KindPage]
	asset := kinds[engine.KindAsset]
	shape := kinds[engine.KindShape]

	assert.Equal(t, result.Added[0].ID, page.ID)
	assert.Equal(t, page.ID, asset.ParentID)
	assert.Equal(t, page.ID, shape.ParentID)
	assert.Equal(t, "https://img.example/cat.png", asset.Props["src"])
	assert.Equal(t, asset.ID, shape.Props["assetId"])
	assert.Equal(t, true, shape.Props["isLocked"])
}

func TestMutatePagesPartialBatchFailure(t *testing.T) {
	// Serves bytes no image decoder accepts, so probing fails.
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not an image"))
	}))
	defer broken.Close()

	registry := newTestRegistry(t, newTestStore(t), func(opts *Options) {
		opts.Prober = NewHTTPProber(2 * time.Second)
	})
	actor, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)

	result, err := actor.MutatePages(context.Background(), []PageInput{
		{Name: "good"},
		{Name: "bad", ImageURL: broken.URL + "/x.png"},
	})
	require.NoError(t, err)

	require.Len(t, result.Added, 1)
	assert.Equal(t, "good", result.Added[0].Name)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Failed[0].Index)
	assert.Equal(t, "bad", result.Failed[0].Name)
	assert.NotEmpty(t, result.Failed[0].Message)

	pages, err := actor.QueryPages(context.Background())
	require.NoError(t, err)
	assert.Len(t, pages, 1)
}

func TestDeletePagesRemovesDescendants(t *testing.T) {
	registry := newTestRegistry(t, newTestStore(t))
	actor, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)
	ctx := context.Background()

	result, err := actor.MutatePages(ctx, []PageInput{
		{Name: "keep"},
		{Name: "doomed", ImageURL: "https://img.example/a.png", Width: 10, Height: 10},
	})
	require.NoError(t, err)
	require.Len(t, result.Added, 2)

	removed, err := actor.DeletePages(ctx, []string{result.Added[1].ID})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "doomed", removed[0].Name)

	pages, err := actor.QueryPages(ctx)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "keep", pages[0].Name)

	// Deleting an unknown id is a no-op, not an error.
	removed, err = actor.DeletePages(ctx, []string{"page:ghost"})
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestDeletePagesToleratesParentCycle(t *testing.T) {
	var factoryEngine *engine.MemoryEngine
	registry := newTestRegistry(t, newTestStore(t), func(opts *Options) {
		opts.EngineFactory = func(snapshot engine.Snapshot, log *zap.Logger) engine.Engine {
			factoryEngine = engine.NewMemoryEngine(snapshot, log)
			return factoryEngine
		}
	})
	actor, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)
	ctx := context.Background()

	result, err := actor.MutatePages(ctx, []PageInput{{Name: "doomed"}})
	require.NoError(t, err)
	require.Len(t, result.Added, 1)
	pageID := result.Added[0].ID

	// Parent ids come straight from clients, so two shapes can arrive
	// pointing at each other.
	require.NoError(t, factoryEngine.UpdateStore(ctx, func(tx *engine.Tx) error {
		tx.Put(engine.Record{ID: "shape:a", Kind: engine.KindShape, ParentID: "shape:b"})
		tx.Put(engine.Record{ID: "shape:b", Kind: engine.KindShape, ParentID: "shape:a"})
		return nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		removed, err := actor.DeletePages(ctx, []string{pageID})
		assert.NoError(t, err)
		assert.Len(t, removed, 1)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("DeletePages did not return with a parent cycle in the store")
	}

	// The cycle never reaches the deleted page, so both shapes survive
	// like any other orphans.
	snapshot := factoryEngine.CurrentSnapshot()
	ids := make([]string, 0, len(snapshot.Documents))
	for _, record := range snapshot.Documents {
		ids = append(ids, record.ID)
	}
	assert.ElementsMatch(t, []string{"shape:a", "shape:b"}, ids)
}

func TestGroupByPageDropsParentCycles(t *testing.T) {
	records := []engine.Record{
		{ID: "page:1", Kind: engine.KindPage},
		{ID: "shape:ok", Kind: engine.KindShape, ParentID: "page:1"},
		{ID: "shape:a", Kind: engine.KindShape, ParentID: "shape:b"},
		{ID: "shape:b", Kind: engine.KindShape, ParentID: "shape:a"},
	}

	done := make(chan map[string][]engine.Record, 1)
	go func() { done <- groupByPage(records) }()

	select {
	case groups := <-done:
		require.Len(t, groups, 1)
		require.Len(t, groups["page:1"], 2)
	case <-time.After(2 * time.Second):
		t.Fatal("groupByPage did not return with a parent cycle in the records")
	}
}

func TestConcurrentLoadMaterialisesOnce(t *testing.T) {
	var loads atomic.Int32
	registry := newTestRegistry(t, newTestStore(t), func(opts *Options) {
		opts.EngineFactory = func(snapshot engine.Snapshot, log *zap.Logger) engine.Engine {
			loads.Add(1)
			return engine.NewMemoryEngine(snapshot, log)
		}
	})
	actor, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := actor.QueryPages(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
}

func TestPersistWritesSnapshotAfterQuiescence(t *testing.T) {
	store := newTestStore(t)
	registry := newTestRegistry(t, store)
	actor, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)

	_, err = actor.MutatePages(context.Background(), []PageInput{{Name: "draft"}})
	require.NoError(t, err)

	assembler, err := NewAssembler(store)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		snapshot, err := assembler.Load(context.Background(), NewSimple("r1"))
		return err == nil && len(snapshot.Documents) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersistCompositeWritesFragmentsPerPage(t *testing.T) {
	store := newTestStore(t)
	putJSONBlob(t, store, fragmentKey("proj", "p1"), []engine.Record{
		{ID: "p1", Kind: engine.KindPage, Name: "one", OrderKey: "a1"},
	})

	registry := newTestRegistry(t, store)
	actor, err := registry.Get(NewComposite("proj", []string{"p1"}))
	require.NoError(t, err)

	result, err := actor.MutatePages(context.Background(), []PageInput{{Name: "two"}})
	require.NoError(t, err)
	require.Len(t, result.Added, 1)

	assert.Eventually(t, func() bool {
		_, err := store.Head(context.Background(), fragmentKey("proj", result.Added[0].ID))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMutatePagesReusesFragmentContent(t *testing.T) {
	store := newTestStore(t)
	putJSONBlob(t, store, fragmentKey("proj", "stash"), []engine.Record{
		{ID: "stash", Kind: engine.KindPage, Name: "stashed", OrderKey: "zz"},
		{ID: "shape:s", Kind: engine.KindShape, ParentID: "stash"},
	})

	registry := newTestRegistry(t, store)
	actor, err := registry.Get(NewComposite("proj", []string{"other"}))
	require.NoError(t, err)

	result, err := actor.MutatePages(context.Background(), []PageInput{
		{Name: "restored", FragmentID: "stash"},
	})
	require.NoError(t, err)
	require.Len(t, result.Added, 1)
	assert.Equal(t, "stash", result.Added[0].ID)

	pages, err := actor.QueryPages(context.Background())
	require.NoError(t, err)
	require.Len(t, pages, 1)
	// Content kept, placement reassigned.
	assert.Equal(t, "stashed", pages[0].Name)
	assert.NotEqual(t, "zz", pages[0].OrderKey)
}

func TestConnectRejectsBadTokens(t *testing.T) {
	registry := newTestRegistry(t, newTestStore(t))
	actor, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = actor.Connect(ctx, "", nil, false)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = actor.Connect(ctx, "garbage", nil, false)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrUnauthorized.Code, appErr.Code)

	verifier, err := auth.NewVerifier(auth.VerifierConfig{Secret: "test-secret"})
	require.NoError(t, err)
	otherRoom, err := verifier.Issue("r2", "ada")
	require.NoError(t, err)

	_, err = actor.Connect(ctx, otherRoom, nil, false)
	assert.ErrorIs(t, err, apperrors.ErrRoomMismatch)
}

func TestListSessionsEmptyRoom(t *testing.T) {
	registry := newTestRegistry(t, newTestStore(t))
	actor, err := registry.Get(NewSimple("r1"))
	require.NoError(t, err)

	sessions, err := actor.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
