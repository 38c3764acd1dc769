package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/draftwell/roomhost/internal/auth"
	"github.com/draftwell/roomhost/internal/blob"
	"github.com/draftwell/roomhost/internal/engine"
	apperrors "github.com/draftwell/roomhost/pkg/errors"
	"github.com/draftwell/roomhost/pkg/metrics"
	"github.com/draftwell/roomhost/pkg/orderkey"
)

const persistTimeout = 30 * time.Second

// PageDescriptor is the page summary returned by the page surface.
type PageDescriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	OrderKey string `json:"orderKey"`
}

// PageInput describes one page to add. FragmentID reuses a pre-existing
// fragment's content; otherwise an image-bearing page is synthesised from
// ImageURL with supplied or probed dimensions.
type PageInput struct {
	Name       string `json:"name" validate:"required"`
	FragmentID string `json:"fragmentId,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty" validate:"omitempty,url"`
	Width      int    `json:"width,omitempty" validate:"omitempty,gt=0"`
	Height     int    `json:"height,omitempty" validate:"omitempty,gt=0"`
	MimeType   string `json:"mimeType,omitempty"`
}

// PageError reports one failed page within a batch.
type PageError struct {
	Index   int    `json:"index"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// MutateResult reports the per-page outcome of a batch mutation.
type MutateResult struct {
	Added  []PageDescriptor `json:"added"`
	Failed []PageError      `json:"failed,omitempty"`
}

// EngineFactory builds the synchronization engine for a freshly loaded
// snapshot. Tests substitute their own.
type EngineFactory func(snapshot engine.Snapshot, log *zap.Logger) engine.Engine

// Actor owns one room: it serializes every operation for its room key, is
// the only component that mutates the room's in-memory state, and the only
// initiator of its persistence.
type Actor struct {
	desc      Descriptor
	store     blob.Store
	assembler *Assembler
	ledger    *Ledger
	sched     *Scheduler
	verifier  *auth.Verifier
	prober    ImageProber
	newEngine EngineFactory
	log       *zap.Logger

	mu        sync.Mutex
	engine    engine.Engine
	live      map[string]SessionRecord
	loadGroup singleflight.Group
}

func newActor(desc Descriptor, opts Options) (*Actor, error) {
	assembler, err := NewAssembler(opts.Store)
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedger(opts.Store)
	if err != nil {
		return nil, err
	}

	factory := opts.EngineFactory
	if factory == nil {
		factory = func(snapshot engine.Snapshot, log *zap.Logger) engine.Engine {
			return engine.NewMemoryEngine(snapshot, log)
		}
	}

	a := &Actor{
		desc:      desc,
		store:     opts.Store,
		assembler: assembler,
		ledger:    ledger,
		verifier:  opts.Verifier,
		prober:    opts.Prober,
		newEngine: factory,
		log:       opts.Logger.With(zap.String("room", desc.RoomKey)),
		live:      make(map[string]SessionRecord),
	}
	a.sched = NewScheduler(opts.PersistInterval, a.persist)
	return a, nil
}

// ensureEngine materialises the room state at most once. Concurrent first
// callers share a single load; a failed load is not memoised, so the next
// caller retries.
func (a *Actor) ensureEngine(ctx context.Context) (engine.Engine, error) {
	a.mu.Lock()
	if a.engine != nil {
		e := a.engine
		a.mu.Unlock()
		return e, nil
	}
	a.mu.Unlock()

	v, err, _ := a.loadGroup.Do("load", func() (any, error) {
		snapshot, err := a.assembler.Load(ctx, a.desc)
		if err != nil {
			return nil, err
		}

		e := a.newEngine(snapshot, a.log)
		e.OnDataChange(a.sched.Trigger)

		a.mu.Lock()
		a.engine = e
		a.mu.Unlock()

		mode := "simple"
		if a.desc.Composite() {
			mode = "composite"
		}
		metrics.RoomLoads.WithLabelValues(mode).Inc()
		a.log.Info("room loaded", zap.String("mode", mode), zap.Int("records", len(snapshot.Documents)))
		return e, nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load room")
	}
	return v.(engine.Engine), nil
}

// Connect verifies the token, checks its room binding, mints a session and
// attaches the socket as a participant.
func (a *Actor) Connect(ctx context.Context, token string, conn *websocket.Conn, readonly bool) (string, error) {
	claims, err := a.authorize(token)
	if err != nil {
		return "", err
	}

	e, err := a.ensureEngine(ctx)
	if err != nil {
		return "", err
	}

	sessionID := uuid.NewString()
	record := SessionRecord{
		ID:          sessionID,
		Name:        claims.UserID,
		ConnectedAt: time.Now().UTC(),
	}

	a.mu.Lock()
	a.live[sessionID] = record
	a.mu.Unlock()

	err = e.HandleSocketConnect(engine.SocketConnectOptions{
		SessionID:  sessionID,
		Conn:       conn,
		IsReadonly: readonly,
	})
	if err != nil {
		a.mu.Lock()
		delete(a.live, sessionID)
		a.mu.Unlock()
		return "", apperrors.Wrap(err, "failed to attach session")
	}

	metrics.SessionConnects.Inc()
	a.log.Debug("session connected", zap.String("session", sessionID), zap.Bool("readonly", readonly))
	return sessionID, nil
}

// Authorize checks a token against this room without attaching a session.
// The connect surface uses it to reject bad tokens before the websocket
// upgrade commits the connection.
func (a *Actor) Authorize(token string) error {
	_, err := a.authorize(token)
	return err
}

// authorize verifies the token and its claim/resource binding.
func (a *Actor) authorize(token string) (*auth.Claims, error) {
	if token == "" {
		return nil, apperrors.ErrUnauthorized
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return nil, apperrors.ErrUnauthorized.WithInternal(err)
	}
	if claims.Room != a.desc.RoomKey {
		return nil, apperrors.ErrRoomMismatch
	}
	return claims, nil
}

// QueryPages lists page descriptors ordered by order key ascending, ties
// broken by arrival order.
func (a *Actor) QueryPages(ctx context.Context) ([]PageDescriptor, error) {
	e, err := a.ensureEngine(ctx)
	if err != nil {
		return nil, err
	}

	return listPages(e), nil
}

// resolvedPage is the outcome of resolving one PageInput.
type resolvedPage struct {
	records []engine.Record
	pageID  string
	err     error
}

// MutatePages adds a batch of pages. Each page resolves independently; a
// failed resolution never blocks its siblings, and every successful page is
// committed in one store mutation. Order keys for the whole batch are
// allocated once above the current last page.
func (a *Actor) MutatePages(ctx context.Context, inputs []PageInput) (MutateResult, error) {
	e, err := a.ensureEngine(ctx)
	if err != nil {
		return MutateResult{}, err
	}

	anchor := ""
	for _, page := range listPages(e) {
		anchor = page.OrderKey
	}
	keys, err := orderkey.KeysAbove(anchor, len(inputs))
	if err != nil {
		return MutateResult{}, apperrors.Wrap(err, "failed to allocate page order")
	}

	resolved := make([]resolvedPage, len(inputs))
	var group errgroup.Group
	for i := range inputs {
		i := i
		group.Go(func() error {
			resolved[i] = a.resolvePage(ctx, inputs[i], keys[i])
			return nil
		})
	}
	_ = group.Wait()

	result := MutateResult{Added: make([]PageDescriptor, 0, len(inputs))}
	commit := make([]engine.Record, 0, len(inputs)*3)
	for i, page := range resolved {
		if page.err != nil {
			result.Failed = append(result.Failed, PageError{
				Index:   i,
				Name:    inputs[i].Name,
				Message: userMessage(page.err),
			})
			continue
		}
		commit = append(commit, page.records...)
		result.Added = append(result.Added, PageDescriptor{
			ID:       page.pageID,
			Name:     inputs[i].Name,
			OrderKey: keys[i],
		})
	}

	if len(commit) > 0 {
		err = e.UpdateStore(ctx, func(tx *engine.Tx) error {
			for _, record := range commit {
				tx.Put(record)
			}
			return nil
		})
		if err != nil {
			return MutateResult{}, apperrors.Wrap(err, "failed to commit pages")
		}
	}
	return result, nil
}

// resolvePage produces the records for one page: reuse of a pre-existing
// fragment when one exists, otherwise a synthesised image page or a bare
// page root.
func (a *Actor) resolvePage(ctx context.Context, input PageInput, key string) resolvedPage {
	if input.FragmentID != "" {
		page, found, err := a.reuseFragment(ctx, input, key)
		if err != nil {
			return resolvedPage{err: err}
		}
		if found {
			return page
		}
	}

	pageID := input.FragmentID
	if pageID == "" {
		pageID = "page:" + uuid.NewString()
	}

	root := engine.Record{ID: pageID, Kind: engine.KindPage, Name: input.Name, OrderKey: key}
	if input.ImageURL == "" {
		return resolvedPage{records: []engine.Record{root}, pageID: pageID}
	}

	info := ImageInfo{Width: input.Width, Height: input.Height, MimeType: input.MimeType}
	if info.Width == 0 || info.Height == 0 {
		if a.prober == nil {
			return resolvedPage{err: errors.New("room: image dimensions unavailable")}
		}
		probed, err := a.prober.Probe(ctx, input.ImageURL)
		if err != nil {
			return resolvedPage{err: err}
		}
		if info.Width == 0 {
			info.Width = probed.Width
		}
		if info.Height == 0 {
			info.Height = probed.Height
		}
		if info.MimeType == "" {
			info.MimeType = probed.MimeType
		}
	}

	assetID := "asset:" + uuid.NewString()
	asset := engine.Record{
		ID:       assetID,
		Kind:     engine.KindAsset,
		ParentID: pageID,
		Props: map[string]any{
			"src":      input.ImageURL,
			"w":        info.Width,
			"h":        info.Height,
			"mimeType": info.MimeType,
		},
	}
	shape := engine.Record{
		ID:       "shape:" + uuid.NewString(),
		Kind:     engine.KindShape,
		ParentID: pageID,
		Props: map[string]any{
			"assetId":  assetID,
			"w":        info.Width,
			"h":        info.Height,
			"isLocked": true,
		},
	}
	return resolvedPage{records: []engine.Record{root, asset, shape}, pageID: pageID}
}

// reuseFragment loads a persisted fragment and re-homes its records on the
// allocated order key, leaving the content untouched.
func (a *Actor) reuseFragment(ctx context.Context, input PageInput, key string) (resolvedPage, bool, error) {
	if !a.desc.Composite() {
		return resolvedPage{}, false, nil
	}

	var records []engine.Record
	found, err := a.assembler.readJSON(ctx, fragmentKey(a.desc.Namespace, input.FragmentID), &records)
	if err != nil {
		return resolvedPage{}, false, err
	}
	if !found || len(records) == 0 {
		return resolvedPage{}, false, nil
	}

	pageID := ""
	for i := range records {
		if records[i].Kind == engine.KindPage {
			records[i].OrderKey = key
			pageID = records[i].ID
		}
	}
	if pageID == "" {
		return resolvedPage{}, false, fmt.Errorf("room: fragment %s has no page root", input.FragmentID)
	}
	return resolvedPage{records: records, pageID: pageID}, true, nil
}

// DeletePages removes the identified records and everything parented under
// them in a single mutation, returning the removed page descriptors.
func (a *Actor) DeletePages(ctx context.Context, ids []string) ([]PageDescriptor, error) {
	e, err := a.ensureEngine(ctx)
	if err != nil {
		return nil, err
	}

	removed := make([]PageDescriptor, 0, len(ids))
	err = e.UpdateStore(ctx, func(tx *engine.Tx) error {
		doomed := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			record, ok := tx.Get(id)
			if !ok {
				continue
			}
			doomed[id] = struct{}{}
			if record.Kind == engine.KindPage {
				removed = append(removed, PageDescriptor{ID: record.ID, Name: record.Name, OrderKey: record.OrderKey})
			}
		}

		// Records whose parent chain reaches a doomed record go with it.
		// Chains come from clients, so a cycle or a dangling parent is a
		// data-quality problem the walk has to tolerate: stop instead of
		// spinning, and leave the record alone like any other orphan.
		all := tx.All()
		byID := make(map[string]engine.Record, len(all))
		for _, record := range all {
			byID[record.ID] = record
		}
		for _, record := range all {
			if _, gone := doomed[record.ID]; gone {
				continue
			}
			seen := map[string]struct{}{record.ID: {}}
			for cur := record; cur.ParentID != ""; {
				if _, gone := doomed[cur.ParentID]; gone {
					doomed[record.ID] = struct{}{}
					break
				}
				next, ok := byID[cur.ParentID]
				if !ok {
					break
				}
				if _, looped := seen[next.ID]; looped {
					break
				}
				seen[next.ID] = struct{}{}
				cur = next
			}
		}

		for id := range doomed {
			tx.Delete(id)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to delete pages")
	}
	return removed, nil
}

// ListSessions runs a reconciliation pass and returns the merged history.
func (a *Actor) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	e, err := a.ensureEngine(ctx)
	if err != nil {
		return nil, err
	}

	history, err := a.reconcileSessions(ctx, e)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to reconcile sessions")
	}
	return SortRecords(history), nil
}

func (a *Actor) reconcileSessions(ctx context.Context, e engine.Engine) (map[string]SessionRecord, error) {
	connected := make(map[string]bool)
	for _, state := range e.Sessions() {
		connected[state.SessionID] = state.IsConnected
	}

	a.mu.Lock()
	live := make(map[string]SessionRecord, len(a.live))
	for id, record := range a.live {
		live[id] = record
	}
	a.mu.Unlock()

	return a.ledger.Reconcile(ctx, a.desc.RoomKey, live, connected, time.Now())
}

// persist is the scheduler's write callback. It always reads the state
// current at fire time.
func (a *Actor) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	a.mu.Lock()
	e := a.engine
	a.mu.Unlock()
	if e == nil {
		return // never loaded, nothing to write
	}

	snapshot := e.CurrentSnapshot()

	var err error
	if a.desc.Composite() {
		err = a.persistFragments(ctx, snapshot)
	} else {
		err = a.putJSON(ctx, snapshotKey(a.desc.RoomKey), snapshot)
	}
	if err == nil {
		_, err = a.reconcileSessions(ctx, e)
	}

	if err != nil {
		// Not retried here: the next mutation's throttle cycle writes the
		// whole current state again.
		metrics.RoomPersists.WithLabelValues("failure").Inc()
		a.log.Error("persist failed", zap.Error(err))
		return
	}
	metrics.RoomPersists.WithLabelValues("success").Inc()
	a.log.Debug("persisted", zap.Int64("clock", snapshot.Clock))
}

// persistFragments writes one fragment blob per page present in the current
// snapshot. Fragments with no current content are left untouched.
func (a *Actor) persistFragments(ctx context.Context, snapshot engine.Snapshot) error {
	groups := groupByPage(snapshot.Documents)
	for pageID, records := range groups {
		if err := a.putJSON(ctx, fragmentKey(a.desc.Namespace, pageID), records); err != nil {
			return err
		}
	}
	if len(groups) > 0 && snapshot.Schema != nil {
		if err := a.putJSON(ctx, schemaKey(a.desc.Namespace), snapshot.Schema); err != nil {
			return err
		}
	}
	return nil
}

func (a *Actor) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("room: encode %s: %w", key, err)
	}
	return a.store.Put(ctx, key, bytes.NewReader(data), blob.Metadata{ContentType: "application/json"})
}

// groupByPage partitions records into per-page groups following parent
// chains. Records that reach no page, including chains that loop back on
// themselves, are dropped from persistence and reported as a data-quality
// problem by the caller's logs.
func groupByPage(records []engine.Record) map[string][]engine.Record {
	byID := make(map[string]engine.Record, len(records))
	for _, record := range records {
		byID[record.ID] = record
	}

	pageOf := func(record engine.Record) string {
		seen := make(map[string]struct{})
		cur := record
		for {
			if cur.Kind == engine.KindPage {
				return cur.ID
			}
			if cur.ParentID == "" {
				return ""
			}
			if _, looped := seen[cur.ID]; looped {
				return ""
			}
			seen[cur.ID] = struct{}{}
			next, ok := byID[cur.ParentID]
			if !ok {
				return ""
			}
			cur = next
		}
	}

	groups := make(map[string][]engine.Record)
	for _, record := range records {
		if pageID := pageOf(record); pageID != "" {
			groups[pageID] = append(groups[pageID], record)
		}
	}
	return groups
}

// listPages lists pages from an already-loaded engine, ordered by their
// fractional index, arrival order breaking ties.
func listPages(e engine.Engine) []PageDescriptor {
	snapshot := e.CurrentSnapshot()
	pages := make([]PageDescriptor, 0)
	for _, record := range snapshot.Documents {
		if record.Kind == engine.KindPage {
			pages = append(pages, PageDescriptor{ID: record.ID, Name: record.Name, OrderKey: record.OrderKey})
		}
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].OrderKey < pages[j].OrderKey })
	return pages
}

// userMessage keeps internal details out of per-page error payloads.
func userMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "failed to resolve page"
}

// Stop cancels the actor's pending persistence. State newer than the last
// durable write is lost, bounded by one throttle interval.
func (a *Actor) Stop() {
	a.sched.Stop()
}
