package reconciler

import "github.com/unclebandit/campaign-dashboard/internal/model"

type Action int

const (
	// ActionDiscard leaves visible state untouched.
	ActionDiscard Action = iota
	// ActionPatchField applies a single field from the event.
	ActionPatchField
	// ActionRemove drops the row from the pending view and the selection.
	ActionRemove
	// ActionUpsert adds or replaces the row with the event's new image.
	ActionUpsert
	// ActionRefetch applies nothing locally; only the re-fetch runs.
	ActionRefetch
)

func (a Action) String() string {
	switch a {
	case ActionDiscard:
		return "discard"
	case ActionPatchField:
		return "patch-field"
	case ActionRemove:
		return "remove"
	case ActionUpsert:
		return "upsert"
	case ActionRefetch:
		return "refetch"
	}
	return "unknown"
}

// Decision is what Decide wants done with a change event.
type Decision struct {
	Action Action
	// Field and Value are set for ActionPatchField.
	Field model.Field
	Value string
	// Refetch schedules the delayed re-fetch and the change notice.
	Refetch bool
	// Quiet keeps the event out of the change notice.
	Quiet  bool
	Reason string
}

func discard(reason string) Decision {
	return Decision{Action: ActionDiscard, Reason: reason}
}

// Decide classifies ev against the tracking state and the currently visible
// image of the row (nil when it is not in the pending view). It has no side
// effects.
func Decide(t *Tracking, current *model.Record, ev model.ChangeEvent) Decision {
	id := ev.RecordID()
	if id == "" {
		return Decision{Action: ActionRefetch, Refetch: true, Reason: "event without id"}
	}
	if t.Sent(id) {
		return discard("sent")
	}

	switch ev.Type {
	case model.EventUpdate:
		return decideUpdate(t, current, ev, id)

	case model.EventInsert:
		if ev.New == nil || ev.New.Sent || t.Editing(id) {
			return Decision{Action: ActionRefetch, Refetch: true, Reason: "insert"}
		}
		return Decision{Action: ActionUpsert, Refetch: true, Reason: "insert"}

	case model.EventDelete:
		if t.OwnDelete(id) {
			return Decision{Action: ActionRemove, Refetch: true, Quiet: true, Reason: "own delete echo"}
		}
		if t.Editing(id) {
			return Decision{Action: ActionRefetch, Refetch: true, Reason: "delete of row in edit"}
		}
		return Decision{Action: ActionRemove, Refetch: true, Reason: "delete"}
	}

	return discard("unknown event type")
}

func decideUpdate(t *Tracking, current *model.Record, ev model.ChangeEvent, id model.RecordID) Decision {
	if t.Editing(id) {
		return discard("in edit")
	}
	if ev.New == nil {
		return Decision{Action: ActionRefetch, Refetch: true, Quiet: t.OwnEdit(id), Reason: "update without new image"}
	}

	base := ev.Old
	if base == nil || base.ID == "" {
		base = current
	}
	if base == nil {
		return Decision{Action: ActionRefetch, Refetch: true, Reason: "update of unknown row"}
	}

	changed := model.ChangedFields(base, ev.New)
	if len(changed) == 0 {
		return discard("no semantic change")
	}

	if len(changed) == 1 && changed[0].Editable() && t.OwnUpdate(changed[0], id) {
		return Decision{
			Action: ActionPatchField,
			Field:  changed[0],
			Value:  ev.New.Value(changed[0]),
			Reason: "own update echo",
		}
	}

	for _, f := range changed {
		if f.Editable() && t.OwnUpdate(f, id) {
			return discard("own update with other changes")
		}
	}

	return Decision{Action: ActionRefetch, Refetch: true, Reason: "external update"}
}
