package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/unclebandit/campaign-dashboard/internal/model"
)

// changePayload is the JSON document the store trigger (and the AMQP
// publisher) emits per row change. A truncated payload carries row ids
// only.
type changePayload struct {
	Type      model.EventType `json:"type"`
	CompanyID string          `json:"company_id"`
	Truncated bool            `json:"truncated"`
	Old       *rowImage       `json:"old"`
	New       *rowImage       `json:"new"`
}

// rowImage mirrors row_to_json output: numeric ids, bare DATE strings.
type rowImage struct {
	ID            json.RawMessage `json:"id"`
	CompanyID     string          `json:"company_id"`
	DisplayName   string          `json:"display_name"`
	ContactNumber *string         `json:"contact_number"`
	MessageBody   *string         `json:"message_body"`
	Sent          bool            `json:"sent"`
	SentAt        *string         `json:"sent_at"`
	CollectedAt   *string         `json:"collected_at"`
	UpdatedAt     *string         `json:"updated_at"`
	BirthDate     *string         `json:"birth_date"`
	DueDate       *string         `json:"due_date"`
	Amount        *float64        `json:"amount"`
	ChargeRef     *string         `json:"charge_ref"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02",
}

func parseStoreTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised timestamp %q", *s)
}

func (img *rowImage) record(collection model.Collection) (*model.Record, error) {
	if img == nil {
		return nil, nil
	}

	id := string(bytes.TrimSpace(img.ID))
	if strings.HasPrefix(id, `"`) {
		if err := json.Unmarshal(img.ID, &id); err != nil {
			return nil, fmt.Errorf("decode id: %w", err)
		}
	}

	rec := &model.Record{
		ID:            model.RecordID(id),
		Collection:    collection,
		CompanyID:     img.CompanyID,
		DisplayName:   img.DisplayName,
		ContactNumber: img.ContactNumber,
		MessageBody:   img.MessageBody,
		Sent:          img.Sent,
		Amount:        img.Amount,
		ChargeRef:     img.ChargeRef,
	}

	var err error
	if rec.SentAt, err = parseStoreTime(img.SentAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseStoreTime(img.UpdatedAt); err != nil {
		return nil, err
	}
	if rec.BirthDate, err = parseStoreTime(img.BirthDate); err != nil {
		return nil, err
	}
	if rec.DueDate, err = parseStoreTime(img.DueDate); err != nil {
		return nil, err
	}
	collected, err := parseStoreTime(img.CollectedAt)
	if err != nil {
		return nil, err
	}
	if collected != nil {
		rec.CollectedAt = *collected
	}
	return rec, nil
}

// decodeChange turns a feed payload into a ChangeEvent.
func decodeChange(collection model.Collection, data []byte) (model.ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("decode change payload: %w", err)
	}

	switch p.Type {
	case model.EventInsert, model.EventUpdate, model.EventDelete:
	default:
		return model.ChangeEvent{}, fmt.Errorf("unknown change type %q", p.Type)
	}

	oldRec, err := p.Old.record(collection)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("decode old row: %w", err)
	}
	newRec, err := p.New.record(collection)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("decode new row: %w", err)
	}
	if p.Truncated {
		// no usable image: keep the id and let the consumer re-fetch
		if oldRec == nil && newRec != nil {
			oldRec = &model.Record{ID: newRec.ID, Collection: collection, CompanyID: p.CompanyID}
		}
		newRec = nil
	}

	return model.ChangeEvent{
		Type:       p.Type,
		Collection: collection,
		CompanyID:  p.CompanyID,
		Old:        oldRec,
		New:        newRec,
	}, nil
}
