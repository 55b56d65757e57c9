// internal/model/record.go
package model

import (
	"strings"
	"time"
)

type Collection string

const (
	CollectionBirthdays Collection = "birthday-entries"
	CollectionBilling   Collection = "billing-entries"
)

// Table returns the store table backing the collection.
func (c Collection) Table() string {
	switch c {
	case CollectionBirthdays:
		return "birthday_entries"
	case CollectionBilling:
		return "billing_entries"
	}
	return ""
}

// Field names the user-editable columns of a record.
type Field string

const (
	FieldContactNumber Field = "contact_number"
	FieldMessageBody   Field = "message_body"
	FieldDisplayName   Field = "display_name"
	FieldSent          Field = "sent"
	FieldBirthDate     Field = "birth_date"
	FieldDueDate       Field = "due_date"
	FieldAmount        Field = "amount"
	FieldChargeRef     Field = "charge_ref"
)

// EditableFields are the fields a user can type into.
var EditableFields = []Field{FieldContactNumber, FieldMessageBody}

func (f Field) Editable() bool {
	return f == FieldContactNumber || f == FieldMessageBody
}

// RecordID is unique within a collection. Birthday ids are numeric in the
// store and carried as their decimal representation.
type RecordID string

// Record is one messaging target.
type Record struct {
	ID            RecordID   `db:"id" json:"id"`
	Collection    Collection `db:"-" json:"collection"`
	CompanyID     string     `db:"company_id" json:"company_id"`
	DisplayName   string     `db:"display_name" json:"display_name"`
	ContactNumber *string    `db:"contact_number" json:"contact_number"`
	MessageBody   *string    `db:"message_body" json:"message_body"`
	Sent          bool       `db:"sent" json:"sent"`
	SentAt        *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CollectedAt   time.Time  `db:"collected_at" json:"collected_at"`
	UpdatedAt     *time.Time `db:"updated_at" json:"updated_at,omitempty"`

	// birthday entries
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`

	// billing entries
	DueDate   *time.Time `db:"due_date" json:"due_date,omitempty"`
	Amount    *float64   `db:"amount" json:"amount,omitempty"`
	ChargeRef *string    `db:"charge_ref" json:"charge_ref,omitempty"`
}

// Value returns the current value of an editable field ("" when unset).
func (r *Record) Value(f Field) string {
	switch f {
	case FieldContactNumber:
		return deref(r.ContactNumber)
	case FieldMessageBody:
		return deref(r.MessageBody)
	}
	return ""
}

// SetValue assigns an editable field. Unknown fields are ignored.
func (r *Record) SetValue(f Field, v string) {
	switch f {
	case FieldContactNumber:
		r.ContactNumber = &v
	case FieldMessageBody:
		r.MessageBody = &v
	}
}

// HasContact reports whether the record carries a usable contact number.
func (r *Record) HasContact() bool {
	return strings.TrimSpace(deref(r.ContactNumber)) != ""
}

// Clone returns a deep copy so snapshots never alias live state.
func (r Record) Clone() Record {
	r.ContactNumber = cloneString(r.ContactNumber)
	r.MessageBody = cloneString(r.MessageBody)
	r.ChargeRef = cloneString(r.ChargeRef)
	r.SentAt = cloneTime(r.SentAt)
	r.UpdatedAt = cloneTime(r.UpdatedAt)
	r.BirthDate = cloneTime(r.BirthDate)
	r.DueDate = cloneTime(r.DueDate)
	if r.Amount != nil {
		a := *r.Amount
		r.Amount = &a
	}
	return r
}

// ChangedFields lists the semantic fields that differ between a and b.
// Volatile columns (updated_at, collected_at, sent_at) are never reported.
func ChangedFields(a, b *Record) []Field {
	var out []Field
	if a.DisplayName != b.DisplayName {
		out = append(out, FieldDisplayName)
	}
	if deref(a.ContactNumber) != deref(b.ContactNumber) {
		out = append(out, FieldContactNumber)
	}
	if deref(a.MessageBody) != deref(b.MessageBody) {
		out = append(out, FieldMessageBody)
	}
	if a.Sent != b.Sent {
		out = append(out, FieldSent)
	}
	if !sameDay(a.BirthDate, b.BirthDate) {
		out = append(out, FieldBirthDate)
	}
	if !sameDay(a.DueDate, b.DueDate) {
		out = append(out, FieldDueDate)
	}
	if !sameFloat(a.Amount, b.Amount) {
		out = append(out, FieldAmount)
	}
	if deref(a.ChargeRef) != deref(b.ChargeRef) {
		out = append(out, FieldChargeRef)
	}
	return out
}

func StrPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
