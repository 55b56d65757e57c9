// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/campaign-dashboard/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/feed"
	"github.com/unclebandit/campaign-dashboard/internal/model"
	"github.com/unclebandit/campaign-dashboard/internal/reconciler"
)

const defaultPersistConcurrency = 4

// Dispatcher calls the campaign webhooks.
type Dispatcher interface {
	Send(ctx context.Context, url string, req dispatch.Request) (dispatch.Response, error)
	Collect(ctx context.Context, url string, req dispatch.Request) error
}

// Notifier shows transient notices.
type Notifier interface {
	Post(level model.NoticeLevel, format string, args ...any) model.Notice
}

// CampaignService is the list controller of one campaign for one company.
type CampaignService struct {
	Campaign   model.Campaign
	Company    model.Company
	Reconciler *reconciler.Reconciler
	Dispatcher Dispatcher
	Notices    Notifier
	Templates  TemplateService
	Logger     zerolog.Logger

	// PersistConcurrency bounds parallel store writes during dispatch.
	PersistConcurrency int
	Now                func() time.Time

	mu          sync.Mutex
	refreshDown bool
	polling     bool
}

var _ feed.Handler = (*CampaignService)(nil)

type Stats struct {
	Pending        int `json:"pending"`
	Visible        int `json:"visible"`
	Selected       int `json:"selected"`
	WithContact    int `json:"with_contact"`
	MissingContact int `json:"missing_contact"`
	SentInSession  int `json:"sent_in_session"`
}

// View is what the dashboard renders for a campaign.
type View struct {
	Campaign model.Campaign      `json:"campaign"`
	Company  model.Company       `json:"company"`
	State    reconciler.Snapshot `json:"state"`
	Stats    Stats               `json:"stats"`
}

type DispatchResult struct {
	Sent           []model.RecordID     `json:"sent"`
	MissingContact int                  `json:"missing_contact"`
	Rejected       []dispatch.Rejection `json:"rejected,omitempty"`
	PersistFailed  int                  `json:"persist_failed"`
	StatusFailed   int                  `json:"status_failed"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *CampaignService) notify(level model.NoticeLevel, format string, args ...any) {
	if s.Notices != nil {
		s.Notices.Post(level, format, args...)
	}
}

func (s *CampaignService) View() View {
	snap := s.Reconciler.Snapshot()
	return View{
		Campaign: s.Campaign,
		Company:  s.Company,
		State:    snap,
		Stats:    s.statsFor(snap),
	}
}

func (s *CampaignService) Stats() Stats {
	return s.statsFor(s.Reconciler.Snapshot())
}

func (s *CampaignService) statsFor(snap reconciler.Snapshot) Stats {
	st := Stats{
		Pending:       snap.Pending,
		Visible:       len(snap.Records),
		Selected:      len(snap.Selected),
		SentInSession: s.Reconciler.SentCount(),
	}
	for _, rec := range snap.Records {
		if rec.HasContact() {
			st.WithContact++
		} else {
			st.MissingContact++
		}
	}
	return st
}

func (s *CampaignService) ToggleSelect(id model.RecordID) (bool, error) {
	return s.Reconciler.ToggleSelect(id)
}

func (s *CampaignService) ToggleSelectAllVisible() bool {
	return s.Reconciler.ToggleSelectAllVisible()
}

func (s *CampaignService) SetSearch(q string) {
	s.Reconciler.SetSearch(q)
}

// EditField applies a keystroke locally.
func (s *CampaignService) EditField(id model.RecordID, field model.Field, value string) error {
	return s.Reconciler.ApplyLocalChange(id, field, value)
}

// SaveField persists an edited field.
func (s *CampaignService) SaveField(ctx context.Context, id model.RecordID, field model.Field, value string) error {
	if !field.Editable() {
		return fmt.Errorf("field %q is not editable", field)
	}
	if err := s.Reconciler.PersistFields(ctx, id, model.FieldPatch(field, value)); err != nil {
		s.Logger.Error().Err(err).Str("id", string(id)).Str("field", string(field)).Msg("failed to save field")
		s.notify(model.NoticeError, "Could not save %s: %s", fieldLabel(field), describe(err))
		return err
	}
	s.notify(model.NoticeSuccess, "%s saved", capitalize(fieldLabel(field)))
	return nil
}

// Dispatch sends the given pending records, or the selection when ids is
// empty.
func (s *CampaignService) Dispatch(ctx context.Context, ids []model.RecordID) (DispatchResult, error) {
	var result DispatchResult
	if len(ids) == 0 {
		ids = s.Reconciler.Selected()
	}
	records := s.Reconciler.Records(ids...)
	if len(records) == 0 {
		s.notify(model.NoticeWarning, "No pending entries selected")
		return result, nil
	}

	var valid []model.Record
	for _, rec := range records {
		if rec.HasContact() {
			valid = append(valid, rec)
		} else {
			result.MissingContact++
		}
	}
	if len(valid) == 0 {
		s.notify(model.NoticeWarning, "No message sent; %d ignored for missing number", result.MissingContact)
		return result, nil
	}

	targets, persistFailed := s.persistTargets(ctx, valid)
	result.PersistFailed = persistFailed
	if len(targets) == 0 {
		s.notify(model.NoticeError, "No message sent; %d could not be saved before sending", persistFailed)
		return result, errors.New("no target could be saved before sending")
	}

	resp, err := s.Dispatcher.Send(ctx, s.Campaign.SendURL, dispatch.Request{
		CompanyTaxID: s.Company.TaxID,
		Command:      s.Campaign.SendCommand,
		Targets:      targets,
	})
	if err != nil {
		s.Logger.Error().Err(err).Int("targets", len(targets)).Msg("send webhook failed")
		s.notify(model.NoticeError, "Send failed: %s", describe(err))
		return result, err
	}

	rejected := resp.RejectedIDs()
	var accepted []model.RecordID
	for _, tgt := range targets {
		if reason, ok := rejected[tgt.ID]; ok {
			result.Rejected = append(result.Rejected, dispatch.Rejection{ID: tgt.ID, Reason: reason})
			continue
		}
		accepted = append(accepted, model.RecordID(tgt.ID))
	}

	// sent is final locally even if the status write below fails
	s.Reconciler.MarkSent(accepted...)
	result.Sent = accepted
	result.StatusFailed = s.persistSent(ctx, accepted)

	s.notify(dispatchLevel(result), "%s", dispatchSummary(result))
	return result, nil
}

// persistTargets saves contact number and message of each record before
// sending. Records whose write fails are left out.
func (s *CampaignService) persistTargets(ctx context.Context, records []model.Record) ([]dispatch.Target, int) {
	limit := s.PersistConcurrency
	if limit <= 0 {
		limit = defaultPersistConcurrency
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
		ok     = make([]bool, len(records))
		msgs   = make([]string, len(records))
	)
	g.SetLimit(limit)

	for i := range records {
		i := i
		rec := records[i]
		msgs[i] = s.Templates.MessageFor(s.Campaign.BaseTemplate, rec)
		g.Go(func() error {
			contact := strings.TrimSpace(rec.Value(model.FieldContactNumber))
			patch := model.Patch{ContactNumber: &contact, MessageBody: &msgs[i]}
			if err := s.Reconciler.PersistFields(ctx, rec.ID, patch); err != nil {
				s.Logger.Warn().Err(err).Str("id", string(rec.ID)).Msg("failed to save entry before sending")
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	targets := make([]dispatch.Target, 0, len(records))
	for i, rec := range records {
		if !ok[i] {
			continue
		}
		targets = append(targets, targetFor(rec, msgs[i]))
	}
	return targets, failed
}

// persistSent records the sent status and returns how many writes failed.
func (s *CampaignService) persistSent(ctx context.Context, ids []model.RecordID) int {
	limit := s.PersistConcurrency
	if limit <= 0 {
		limit = defaultPersistConcurrency
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(limit)

	sent := true
	at := s.now().UTC()
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.Reconciler.PersistFields(ctx, id, model.Patch{Sent: &sent, SentAt: &at}); err != nil {
				s.Logger.Error().Err(err).Str("id", string(id)).Msg("message sent but status not saved")
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func targetFor(rec model.Record, message string) dispatch.Target {
	t := dispatch.Target{
		ID:      string(rec.ID),
		Name:    strings.TrimSpace(rec.DisplayName),
		Phone:   strings.TrimSpace(rec.Value(model.FieldContactNumber)),
		Message: message,
		Amount:  rec.Amount,
	}
	if rec.BirthDate != nil {
		t.BirthDate = rec.BirthDate.Format("2006-01-02")
	}
	if rec.DueDate != nil {
		t.DueDate = rec.DueDate.Format("2006-01-02")
	}
	if rec.ChargeRef != nil {
		t.ChargeRef = *rec.ChargeRef
	}
	return t
}

func dispatchLevel(r DispatchResult) model.NoticeLevel {
	if len(r.Sent) == 0 {
		return model.NoticeError
	}
	if r.MissingContact > 0 || len(r.Rejected) > 0 || r.PersistFailed > 0 || r.StatusFailed > 0 {
		return model.NoticeWarning
	}
	return model.NoticeSuccess
}

func dispatchSummary(r DispatchResult) string {
	parts := []string{fmt.Sprintf("%d message(s) sent", len(r.Sent))}
	if r.MissingContact > 0 {
		parts = append(parts, fmt.Sprintf("%d ignored for missing number", r.MissingContact))
	}
	if len(r.Rejected) > 0 {
		parts = append(parts, fmt.Sprintf("%d rejected by the sender (%s)", len(r.Rejected), r.Rejected[0].Reason))
	}
	if r.PersistFailed > 0 {
		parts = append(parts, fmt.Sprintf("%d not sent because they could not be saved", r.PersistFailed))
	}
	if r.StatusFailed > 0 {
		parts = append(parts, fmt.Sprintf("sent status not saved for %d", r.StatusFailed))
	}
	return strings.Join(parts, "; ")
}

// DeleteRecord removes one entry.
func (s *CampaignService) DeleteRecord(ctx context.Context, id model.RecordID) error {
	if err := s.Reconciler.Delete(ctx, id); err != nil {
		s.Logger.Error().Err(err).Str("id", string(id)).Msg("failed to delete entry")
		s.notify(model.NoticeError, "Could not delete entry: %s", describe(err))
		return err
	}
	s.notify(model.NoticeSuccess, "Entry deleted")
	return nil
}

// DeleteSelected removes ids, or the selection when ids is empty. Nothing
// happens until the caller confirms.
func (s *CampaignService) DeleteSelected(ctx context.Context, ids []model.RecordID, confirmed bool) (int, error) {
	if len(ids) == 0 {
		ids = s.Reconciler.Selected()
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if !confirmed {
		return 0, &appErrors.ErrConfirmationRequired{Count: len(ids)}
	}

	if err := s.Reconciler.Delete(ctx, ids...); err != nil {
		s.Logger.Error().Err(err).Int("count", len(ids)).Msg("failed to delete entries")
		s.notify(model.NoticeError, "Could not delete %d entries: %s", len(ids), describe(err))
		return 0, err
	}
	s.notify(model.NoticeSuccess, "%d entries deleted", len(ids))
	return len(ids), nil
}

// Collect asks the collect webhook to gather entries between from and to.
// New entries show up through the change feed.
func (s *CampaignService) Collect(ctx context.Context, from, to time.Time) error {
	if to.Before(from) {
		err := fmt.Errorf("invalid date range: %s is after %s", from.Format("02/01/2006"), to.Format("02/01/2006"))
		s.notify(model.NoticeError, "%s", capitalize(err.Error()))
		return err
	}

	err := s.Dispatcher.Collect(ctx, s.Campaign.CollectURL, dispatch.Request{
		CompanyTaxID: s.Company.TaxID,
		Command:      s.Campaign.CollectCommand,
		DateRange:    &dispatch.DateRange{From: from.Format("2006-01-02"), To: to.Format("2006-01-02")},
	})
	if err != nil {
		s.Logger.Error().Err(err).Msg("collect webhook failed")
		s.notify(model.NoticeError, "Collection failed: %s", describe(err))
		return err
	}
	s.notify(model.NoticeInfo, "Collection requested for %s to %s", from.Format("02/01/2006"), to.Format("02/01/2006"))
	return nil
}

// HandleChange forwards feed events to the reconciler.
func (s *CampaignService) HandleChange(ev model.ChangeEvent) {
	s.Reconciler.HandleChange(ev)
}

// Refresh re-fetches the list. A failing store is reported once until it
// recovers.
func (s *CampaignService) Refresh(ctx context.Context) error {
	err := s.Reconciler.Refresh(ctx)

	s.mu.Lock()
	wasDown := s.refreshDown
	s.refreshDown = err != nil && !errors.Is(err, appErrors.ErrScopeClosed)
	s.mu.Unlock()

	if err != nil && !wasDown && !errors.Is(err, appErrors.ErrScopeClosed) && ctx.Err() == nil {
		s.notify(model.NoticeError, "Could not load entries: %s", describe(err))
	}
	return err
}

func (s *CampaignService) Loaded() bool {
	return s.Reconciler.Loaded()
}

// ExternalChange reports rows changed outside this dashboard.
func (s *CampaignService) ExternalChange(kinds []model.EventType) {
	var parts []string
	for _, k := range kinds {
		switch k {
		case model.EventInsert:
			parts = append(parts, "new entries arrived")
		case model.EventUpdate:
			parts = append(parts, "entries were updated")
		case model.EventDelete:
			parts = append(parts, "entries were removed")
		}
	}
	if len(parts) == 0 {
		return
	}
	s.notify(model.NoticeInfo, "%s", capitalize(strings.Join(parts, ", ")))
}

// ListenerStateChanged surfaces degraded live updates.
func (s *CampaignService) ListenerStateChanged(from, to feed.State) {
	s.Logger.Info().Stringer("from", from).Stringer("to", to).Msg("live updates state changed")

	s.mu.Lock()
	wasPolling := s.polling
	s.polling = to == feed.StateFallbackPolling
	s.mu.Unlock()

	switch {
	case to == feed.StateFallbackPolling && !wasPolling:
		s.notify(model.NoticeWarning, "Live updates unavailable; refreshing periodically")
	case to == feed.StateLive && wasPolling:
		s.notify(model.NoticeInfo, "Live updates restored")
	}
}

func fieldLabel(f model.Field) string {
	switch f {
	case model.FieldContactNumber:
		return "contact number"
	case model.FieldMessageBody:
		return "message"
	}
	return string(f)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// describe turns an error into notice text.
func describe(err error) string {
	var remote *appErrors.ErrRemoteStatus
	var notFound *appErrors.ErrRecordNotFound
	switch {
	case errors.As(err, &remote):
		return fmt.Sprintf("the sender answered with status %d", remote.StatusCode)
	case errors.As(err, &notFound):
		return "entry no longer exists"
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case errors.Is(err, appErrors.ErrScopeClosed):
		return "the company was switched"
	}
	return "unexpected error"
}
