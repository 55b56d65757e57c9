// internal/model/event.go
package model

import "time"

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row-level notification from a change feed.
// Old may be nil (or carry only the id) when the store does not ship the
// previous image of the row.
type ChangeEvent struct {
	Type       EventType  `json:"type"`
	Collection Collection `json:"collection"`
	CompanyID  string     `json:"company_id"`
	Old        *Record    `json:"old,omitempty"`
	New        *Record    `json:"new,omitempty"`
}

// RecordID returns the id the event refers to.
func (e ChangeEvent) RecordID() RecordID {
	if e.New != nil && e.New.ID != "" {
		return e.New.ID
	}
	if e.Old != nil {
		return e.Old.ID
	}
	return ""
}

// Patch is a partial update of a record. Nil members are left untouched.
type Patch struct {
	ContactNumber *string
	MessageBody   *string
	Sent          *bool
	SentAt        *time.Time
}

// Fields lists the editable fields the patch writes.
func (p Patch) Fields() []Field {
	var out []Field
	if p.ContactNumber != nil {
		out = append(out, FieldContactNumber)
	}
	if p.MessageBody != nil {
		out = append(out, FieldMessageBody)
	}
	return out
}

// Empty reports whether the patch writes nothing.
func (p Patch) Empty() bool {
	return p.ContactNumber == nil && p.MessageBody == nil && p.Sent == nil && p.SentAt == nil
}

// Apply copies the patch onto r.
func (p Patch) Apply(r *Record) {
	if p.ContactNumber != nil {
		v := *p.ContactNumber
		r.ContactNumber = &v
	}
	if p.MessageBody != nil {
		v := *p.MessageBody
		r.MessageBody = &v
	}
	if p.Sent != nil {
		r.Sent = *p.Sent
	}
	if p.SentAt != nil {
		t := *p.SentAt
		r.SentAt = &t
	}
}

// FieldPatch builds a patch writing a single editable field.
func FieldPatch(f Field, value string) Patch {
	var p Patch
	switch f {
	case FieldContactNumber:
		p.ContactNumber = &value
	case FieldMessageBody:
		p.MessageBody = &value
	}
	return p
}
