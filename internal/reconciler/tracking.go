package reconciler

import "github.com/unclebandit/campaign-dashboard/internal/model"

// Tracking is the edit-tracking state of one collection scope. It is never
// persisted and never shared between scopes.
type Tracking struct {
	ownUpdates map[model.Field]map[model.RecordID]uint64
	ownDeletes map[model.RecordID]uint64
	inEdit     map[model.RecordID]struct{}
	sent       map[model.RecordID]struct{}
	seq        uint64
}

func NewTracking() *Tracking {
	return &Tracking{
		ownUpdates: map[model.Field]map[model.RecordID]uint64{
			model.FieldContactNumber: {},
			model.FieldMessageBody:   {},
		},
		ownDeletes: map[model.RecordID]uint64{},
		inEdit:     map[model.RecordID]struct{}{},
		sent:       map[model.RecordID]struct{}{},
	}
}

// MarkOwnUpdate flags id as just written on f and returns the mark's token.
// A later mark on the same id and field supersedes the earlier one.
func (t *Tracking) MarkOwnUpdate(f model.Field, id model.RecordID) uint64 {
	ids, ok := t.ownUpdates[f]
	if !ok {
		return 0
	}
	t.seq++
	ids[id] = t.seq
	return t.seq
}

// ClearOwnUpdate removes the mark if token is still the current one.
func (t *Tracking) ClearOwnUpdate(f model.Field, id model.RecordID, token uint64) {
	if ids, ok := t.ownUpdates[f]; ok && ids[id] == token {
		delete(ids, id)
	}
}

func (t *Tracking) OwnUpdate(f model.Field, id model.RecordID) bool {
	_, ok := t.ownUpdates[f][id]
	return ok
}

// OwnEdit reports whether any editable field of id carries an own-update
// mark.
func (t *Tracking) OwnEdit(id model.RecordID) bool {
	for _, ids := range t.ownUpdates {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

// MarkOwnDelete flags id as just deleted by this dashboard and returns the
// mark's token.
func (t *Tracking) MarkOwnDelete(id model.RecordID) uint64 {
	t.seq++
	t.ownDeletes[id] = t.seq
	return t.seq
}

func (t *Tracking) ClearOwnDelete(id model.RecordID, token uint64) {
	if t.ownDeletes[id] == token {
		delete(t.ownDeletes, id)
	}
}

func (t *Tracking) OwnDelete(id model.RecordID) bool {
	_, ok := t.ownDeletes[id]
	return ok
}

func (t *Tracking) BeginEdit(id model.RecordID) {
	t.inEdit[id] = struct{}{}
}

// EndEdit reports whether id was being edited.
func (t *Tracking) EndEdit(id model.RecordID) bool {
	if _, ok := t.inEdit[id]; !ok {
		return false
	}
	delete(t.inEdit, id)
	return true
}

func (t *Tracking) Editing(id model.RecordID) bool {
	_, ok := t.inEdit[id]
	return ok
}

func (t *Tracking) EditCount() int {
	return len(t.inEdit)
}

func (t *Tracking) EditingIDs() []model.RecordID {
	out := make([]model.RecordID, 0, len(t.inEdit))
	for id := range t.inEdit {
		out = append(out, id)
	}
	return out
}

// MarkSent tombstones id for the lifetime of the scope.
func (t *Tracking) MarkSent(id model.RecordID) {
	t.sent[id] = struct{}{}
	delete(t.inEdit, id)
}

func (t *Tracking) Sent(id model.RecordID) bool {
	_, ok := t.sent[id]
	return ok
}

func (t *Tracking) SentCount() int {
	return len(t.sent)
}
