package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/feed"
	"github.com/unclebandit/campaign-dashboard/internal/model"
	"github.com/unclebandit/campaign-dashboard/internal/repository"
)

const (
	DefaultGraceWindow  = 3 * time.Second
	DefaultEditIdle     = 2 * time.Second
	DefaultRefetchDelay = 500 * time.Millisecond

	refetchTimeout = 30 * time.Second
)

// Config wires a Reconciler to one collection of one company.
type Config struct {
	Collection model.Collection
	CompanyID  string
	Store      repository.RecordStore

	GraceWindow  time.Duration
	EditIdle     time.Duration
	RefetchDelay time.Duration

	Logger zerolog.Logger

	// OnExternalChange runs after the delayed re-fetch that followed
	// external INSERT/UPDATE/DELETE events, with the kinds seen.
	OnExternalChange func(kinds []model.EventType)
}

// Snapshot is a copy of the visible state.
type Snapshot struct {
	Version  uint64           `json:"version"`
	Records  []model.Record   `json:"records"`
	Pending  int              `json:"pending"`
	Selected []model.RecordID `json:"selected"`
	Editing  []model.RecordID `json:"editing"`
	Search   string           `json:"search"`
	Loaded   bool             `json:"loaded"`
}

// Reconciler merges fetched rows, change events and local edits into one
// pending view for a collection.
type Reconciler struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	tracking *Tracking
	records  []model.Record
	selected map[model.RecordID]struct{}
	seen     map[model.RecordID]struct{}
	search   string
	version  uint64
	loaded   bool
	closed   bool

	fetchSeq   uint64
	appliedSeq uint64
	localGen   uint64

	refetchTimer   *time.Timer
	refetchPending bool
	pendingKinds   []model.EventType

	editTimers map[model.RecordID]*time.Timer
	editTokens map[model.RecordID]uint64
	editSeq    uint64

	watchers  map[int]chan struct{}
	watcherID int
}

var _ feed.Handler = (*Reconciler)(nil)

func New(cfg Config) *Reconciler {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.EditIdle <= 0 {
		cfg.EditIdle = DefaultEditIdle
	}
	if cfg.RefetchDelay <= 0 {
		cfg.RefetchDelay = DefaultRefetchDelay
	}
	return &Reconciler{
		cfg: cfg,
		logger: cfg.Logger.With().
			Str("component", "reconciler").
			Str("collection", string(cfg.Collection)).
			Str("company", cfg.CompanyID).
			Logger(),
		tracking:   NewTracking(),
		selected:   map[model.RecordID]struct{}{},
		seen:       map[model.RecordID]struct{}{},
		editTimers: map[model.RecordID]*time.Timer{},
		editTokens: map[model.RecordID]uint64{},
		watchers:   map[int]chan struct{}{},
	}
}

// Refresh re-fetches the collection. It is skipped while any row is in
// edit; the skipped re-fetch runs once the last edit ends.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return appErrors.ErrScopeClosed
	}
	if r.tracking.EditCount() > 0 {
		r.refetchPending = true
		r.mu.Unlock()
		r.logger.Debug().Msg("re-fetch skipped while editing")
		return nil
	}
	r.fetchSeq++
	seq := r.fetchSeq
	gen := r.localGen
	r.mu.Unlock()

	rows, err := r.cfg.Store.FetchAll(ctx, r.cfg.CompanyID)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", r.cfg.Collection, err)
	}

	r.mu.Lock()
	if r.closed || seq < r.appliedSeq {
		r.mu.Unlock()
		return nil
	}
	if r.tracking.EditCount() > 0 {
		// an edit began while the fetch was in flight
		r.refetchPending = true
		r.mu.Unlock()
		return nil
	}
	if r.localGen != gen {
		// rows were read before a local write landed
		r.refetchPending = true
		r.armRefetchLocked(r.cfg.RefetchDelay)
		r.mu.Unlock()
		r.logger.Debug().Msg("stale re-fetch dropped")
		return nil
	}
	r.appliedSeq = seq
	r.refetchPending = false
	changed := r.applyFetchLocked(rows)
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return nil
}

func (r *Reconciler) applyFetchLocked(rows []model.Record) bool {
	pending := make([]model.Record, 0, len(rows))
	for _, rec := range rows {
		if rec.Sent || r.tracking.Sent(rec.ID) {
			continue
		}
		rec.Collection = r.cfg.Collection
		pending = append(pending, rec)
	}

	selectionChanged := false
	present := make(map[model.RecordID]struct{}, len(pending))
	for _, rec := range pending {
		present[rec.ID] = struct{}{}
		if _, ok := r.seen[rec.ID]; ok {
			continue
		}
		r.seen[rec.ID] = struct{}{}
		if !r.tracking.Editing(rec.ID) {
			r.selected[rec.ID] = struct{}{}
			selectionChanged = true
		}
	}
	for id := range r.selected {
		if _, ok := present[id]; !ok {
			delete(r.selected, id)
			selectionChanged = true
		}
	}

	first := !r.loaded
	r.loaded = true
	if !first && !selectionChanged && cmp.Equal(r.records, pending) {
		return false
	}
	r.records = pending
	r.version++
	return true
}

// HandleChange applies a change event according to Decide.
func (r *Reconciler) HandleChange(ev model.ChangeEvent) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	id := ev.RecordID()
	var current *model.Record
	if i := r.indexLocked(id); i >= 0 {
		current = &r.records[i]
	}
	d := Decide(r.tracking, current, ev)

	r.logger.Debug().
		Str("event", string(ev.Type)).
		Str("id", string(id)).
		Stringer("action", d.Action).
		Str("reason", d.Reason).
		Msg("change event")

	changed := false
	switch d.Action {
	case ActionPatchField:
		if current != nil && current.Value(d.Field) != d.Value {
			current.SetValue(d.Field, d.Value)
			changed = true
		}
	case ActionRemove:
		changed = r.removeLocked(id)
	case ActionUpsert:
		changed = r.upsertLocked(*ev.New)
	}
	if changed {
		r.version++
	}
	if d.Refetch {
		r.scheduleRefetchLocked(ev.Type, d.Quiet)
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

func (r *Reconciler) upsertLocked(rec model.Record) bool {
	rec.Collection = r.cfg.Collection
	if i := r.indexLocked(rec.ID); i >= 0 {
		if cmp.Equal(r.records[i], rec) {
			return false
		}
		r.records[i] = rec
		return true
	}
	r.records = append(r.records, rec)
	if _, ok := r.seen[rec.ID]; !ok {
		r.seen[rec.ID] = struct{}{}
		r.selected[rec.ID] = struct{}{}
	}
	return true
}

func (r *Reconciler) removeLocked(id model.RecordID) bool {
	delete(r.selected, id)
	i := r.indexLocked(id)
	if i < 0 {
		return false
	}
	r.records = append(r.records[:i:i], r.records[i+1:]...)
	return true
}

func (r *Reconciler) indexLocked(id model.RecordID) int {
	for i := range r.records {
		if r.records[i].ID == id {
			return i
		}
	}
	return -1
}

// scheduleRefetchLocked arms the delayed re-fetch. Unless quiet, kind is
// added to the kinds reported after it.
func (r *Reconciler) scheduleRefetchLocked(kind model.EventType, quiet bool) {
	if !quiet && !containsKind(r.pendingKinds, kind) {
		r.pendingKinds = append(r.pendingKinds, kind)
	}
	if r.refetchTimer != nil {
		return
	}
	r.refetchTimer = time.AfterFunc(r.cfg.RefetchDelay, r.delayedRefetch)
}

func containsKind(kinds []model.EventType, kind model.EventType) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// armRefetchLocked schedules the pending re-fetch unless an edit will
// trigger it on its own or one is already scheduled.
func (r *Reconciler) armRefetchLocked(delay time.Duration) {
	if r.tracking.EditCount() > 0 || r.refetchTimer != nil {
		return
	}
	r.refetchTimer = time.AfterFunc(delay, r.delayedRefetch)
}

func (r *Reconciler) delayedRefetch() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.refetchTimer = nil
	kinds := r.pendingKinds
	r.pendingKinds = nil
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refetchTimeout)
	defer cancel()
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("delayed re-fetch failed")
	}

	if len(kinds) > 0 && r.cfg.OnExternalChange != nil && !r.isClosed() {
		r.cfg.OnExternalChange(kinds)
	}
}

func (r *Reconciler) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// ApplyLocalChange records a keystroke: id enters edit and the value shows
// immediately. The edit ends after the idle window or on a successful
// persist.
func (r *Reconciler) ApplyLocalChange(id model.RecordID, f model.Field, value string) error {
	if !f.Editable() {
		return fmt.Errorf("field %q is not editable", f)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return appErrors.ErrScopeClosed
	}
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return appErrors.NewRecordNotFound(string(id))
	}

	r.localGen++
	r.tracking.BeginEdit(id)
	r.armEditTimerLocked(id)
	changed := r.records[i].Value(f) != value
	if changed {
		r.records[i].SetValue(f, value)
		r.version++
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return nil
}

// BeginEdit marks id as in edit without changing a value.
func (r *Reconciler) BeginEdit(id model.RecordID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return appErrors.ErrScopeClosed
	}
	if r.indexLocked(id) < 0 {
		return appErrors.NewRecordNotFound(string(id))
	}
	r.tracking.BeginEdit(id)
	r.armEditTimerLocked(id)
	return nil
}

func (r *Reconciler) armEditTimerLocked(id model.RecordID) {
	if t, ok := r.editTimers[id]; ok {
		t.Stop()
	}
	r.editSeq++
	token := r.editSeq
	r.editTokens[id] = token
	r.editTimers[id] = time.AfterFunc(r.cfg.EditIdle, func() {
		r.mu.Lock()
		if r.closed || r.editTokens[id] != token {
			r.mu.Unlock()
			return
		}
		r.endEditLocked(id)
		r.mu.Unlock()
	})
}

func (r *Reconciler) endEditLocked(id model.RecordID) {
	if t, ok := r.editTimers[id]; ok {
		t.Stop()
		delete(r.editTimers, id)
	}
	delete(r.editTokens, id)
	if !r.tracking.EndEdit(id) {
		return
	}
	if r.refetchPending {
		r.armRefetchLocked(0)
	}
}

// PersistFields writes patch through the store. The editable fields it
// touches are marked as own updates before the call so their echo is
// suppressed; on failure the marks are dropped and visible state is left
// as it was.
func (r *Reconciler) PersistFields(ctx context.Context, id model.RecordID, patch model.Patch) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return appErrors.ErrScopeClosed
	}
	r.localGen++
	fields := patch.Fields()
	tokens := make(map[model.Field]uint64, len(fields))
	for _, f := range fields {
		tokens[f] = r.tracking.MarkOwnUpdate(f, id)
	}
	r.mu.Unlock()

	err := r.cfg.Store.Update(ctx, id, patch)

	r.mu.Lock()
	if err != nil {
		for f, token := range tokens {
			r.tracking.ClearOwnUpdate(f, id, token)
		}
		r.mu.Unlock()
		return err
	}
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	r.localGen++
	changed := false
	if i := r.indexLocked(id); i >= 0 {
		before := r.records[i].Clone()
		patch.Apply(&r.records[i])
		changed = !cmp.Equal(before, r.records[i])
	}
	if changed {
		r.version++
	}
	r.endEditLocked(id)
	for f, token := range tokens {
		f, token := f, token
		time.AfterFunc(r.cfg.GraceWindow, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if !r.closed {
				r.tracking.ClearOwnUpdate(f, id, token)
			}
		})
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return nil
}

// MarkSent tombstones ids and drops them from the pending view and the
// selection. Tombstoned ids never come back for the lifetime of the scope.
func (r *Reconciler) MarkSent(ids ...model.RecordID) {
	r.mu.Lock()
	r.localGen++
	changed := false
	for _, id := range ids {
		r.tracking.MarkSent(id)
		if t, ok := r.editTimers[id]; ok {
			t.Stop()
			delete(r.editTimers, id)
			delete(r.editTokens, id)
		}
		if r.removeLocked(id) {
			changed = true
		}
	}
	if changed {
		r.version++
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

// Delete removes ids from the store, then from the pending view and the
// selection in one step. The delete echoes of ids are kept out of the
// change notice for the grace window.
func (r *Reconciler) Delete(ctx context.Context, ids ...model.RecordID) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return appErrors.ErrScopeClosed
	}
	tokens := make(map[model.RecordID]uint64, len(ids))
	for _, id := range ids {
		tokens[id] = r.tracking.MarkOwnDelete(id)
	}
	r.mu.Unlock()

	if err := r.cfg.Store.Delete(ctx, ids...); err != nil {
		r.mu.Lock()
		for id, token := range tokens {
			r.tracking.ClearOwnDelete(id, token)
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	time.AfterFunc(r.cfg.GraceWindow, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return
		}
		for id, token := range tokens {
			r.tracking.ClearOwnDelete(id, token)
		}
	})
	r.localGen++
	changed := false
	for _, id := range ids {
		r.endEditLocked(id)
		if r.removeLocked(id) {
			changed = true
		}
	}
	if changed {
		r.version++
	}
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return nil
}

func (r *Reconciler) matchesLocked(rec *model.Record) bool {
	if r.search == "" {
		return true
	}
	q := strings.ToLower(r.search)
	return strings.Contains(strings.ToLower(rec.DisplayName), q) ||
		strings.Contains(strings.ToLower(rec.Value(model.FieldContactNumber)), q) ||
		strings.Contains(strings.ToLower(string(rec.ID)), q)
}

func (r *Reconciler) visibleIDsLocked() []model.RecordID {
	ids := make([]model.RecordID, 0, len(r.records))
	for i := range r.records {
		if r.matchesLocked(&r.records[i]) {
			ids = append(ids, r.records[i].ID)
		}
	}
	return ids
}

// SetSearch filters the visible subset. Selection outside it is kept.
func (r *Reconciler) SetSearch(q string) {
	q = strings.TrimSpace(q)
	r.mu.Lock()
	if r.search == q {
		r.mu.Unlock()
		return
	}
	r.search = q
	r.version++
	r.mu.Unlock()
	r.notify()
}

// ToggleSelect flips the selection of a visible id and returns the new
// state.
func (r *Reconciler) ToggleSelect(id model.RecordID) (bool, error) {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 || !r.matchesLocked(&r.records[i]) {
		r.mu.Unlock()
		return false, appErrors.NewRecordNotFound(string(id))
	}
	_, selected := r.selected[id]
	if selected {
		delete(r.selected, id)
	} else {
		r.selected[id] = struct{}{}
	}
	r.version++
	r.mu.Unlock()

	r.notify()
	return !selected, nil
}

// ToggleSelectAllVisible deselects every visible id when all of them are
// selected and selects them all otherwise. It returns whether the visible
// subset ended up selected.
func (r *Reconciler) ToggleSelectAllVisible() bool {
	r.mu.Lock()
	visible := r.visibleIDsLocked()
	all := true
	for _, id := range visible {
		if _, ok := r.selected[id]; !ok {
			all = false
			break
		}
	}
	for _, id := range visible {
		if all {
			delete(r.selected, id)
		} else {
			r.selected[id] = struct{}{}
		}
	}
	if len(visible) > 0 {
		r.version++
	}
	r.mu.Unlock()

	if len(visible) > 0 {
		r.notify()
	}
	return !all
}

// Selected returns the selected ids in pending-view order.
func (r *Reconciler) Selected() []model.RecordID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectedLocked()
}

func (r *Reconciler) selectedLocked() []model.RecordID {
	out := make([]model.RecordID, 0, len(r.selected))
	for i := range r.records {
		if _, ok := r.selected[r.records[i].ID]; ok {
			out = append(out, r.records[i].ID)
		}
	}
	return out
}

// Records returns copies of the pending rows with the given ids, in
// pending-view order. Unknown ids are skipped.
func (r *Reconciler) Records(ids ...model.RecordID) []model.Record {
	want := make(map[model.RecordID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Record{}
	for i := range r.records {
		if _, ok := want[r.records[i].ID]; ok {
			out = append(out, r.records[i].Clone())
		}
	}
	return out
}

// Loaded reports whether a fetch has been applied yet.
func (r *Reconciler) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// SentCount is the number of ids tombstoned in this scope.
func (r *Reconciler) SentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracking.SentCount()
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Version:  r.version,
		Records:  []model.Record{},
		Pending:  len(r.records),
		Selected: r.selectedLocked(),
		Editing:  r.tracking.EditingIDs(),
		Search:   r.search,
		Loaded:   r.loaded,
	}
	sort.Slice(snap.Editing, func(i, j int) bool { return snap.Editing[i] < snap.Editing[j] })
	for i := range r.records {
		if r.matchesLocked(&r.records[i]) {
			snap.Records = append(snap.Records, r.records[i].Clone())
		}
	}
	return snap
}

// Watch returns a channel that receives a signal after state changes.
// Signals coalesce; read Snapshot after each one. The channel is closed by
// Close.
func (r *Reconciler) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	r.watcherID++
	id := r.watcherID
	r.watchers[id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(c)
		}
	}
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops every timer and turns later calls and late timer callbacks
// into no-ops.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.refetchTimer != nil {
		r.refetchTimer.Stop()
		r.refetchTimer = nil
	}
	for id, t := range r.editTimers {
		t.Stop()
		delete(r.editTimers, id)
	}
	for id, ch := range r.watchers {
		delete(r.watchers, id)
		close(ch)
	}
}
