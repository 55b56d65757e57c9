package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dashboard/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/feed"
	"github.com/unclebandit/campaign-dashboard/internal/model"
	"github.com/unclebandit/campaign-dashboard/internal/reconciler"
	"github.com/unclebandit/campaign-dashboard/internal/service"
)

// MockRecordStore keeps rows in memory and can fail chosen writes.
type MockRecordStore struct {
	mu       sync.Mutex
	rows     []model.Record
	failWith func(id model.RecordID, patch model.Patch) error
	deleted  []model.RecordID
}

func (m *MockRecordStore) FetchAll(ctx context.Context, companyID string) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Record, len(m.rows))
	for i := range m.rows {
		out[i] = m.rows[i].Clone()
	}
	return out, nil
}

func (m *MockRecordStore) Update(ctx context.Context, id model.RecordID, patch model.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		if err := m.failWith(id, patch); err != nil {
			return err
		}
	}
	for i := range m.rows {
		if m.rows[i].ID == id {
			patch.Apply(&m.rows[i])
			return nil
		}
	}
	return appErrors.NewRecordNotFound(string(id))
}

func (m *MockRecordStore) Delete(ctx context.Context, ids ...model.RecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ids...)
	return nil
}

func (m *MockRecordStore) row(id model.RecordID) model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == id {
			return r.Clone()
		}
	}
	return model.Record{}
}

// MockDispatcher records webhook calls.
type MockDispatcher struct {
	mu       sync.Mutex
	sent     []dispatch.Request
	collects []dispatch.Request
	response dispatch.Response
	err      error
}

func (m *MockDispatcher) Send(ctx context.Context, url string, req dispatch.Request) (dispatch.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, req)
	return m.response, m.err
}

func (m *MockDispatcher) Collect(ctx context.Context, url string, req dispatch.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collects = append(m.collects, req)
	return m.err
}

// MockNotifier records posted notices.
type MockNotifier struct {
	mu      sync.Mutex
	notices []model.Notice
}

func (m *MockNotifier) Post(level model.NoticeLevel, format string, args ...any) model.Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := model.Notice{Level: level, Text: fmt.Sprintf(format, args...)}
	m.notices = append(m.notices, n)
	return n
}

func (m *MockNotifier) all() []model.Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Notice(nil), m.notices...)
}

func (m *MockNotifier) last() model.Notice {
	all := m.all()
	if len(all) == 0 {
		return model.Notice{}
	}
	return all[len(all)-1]
}

func entry(id, name, contact string) model.Record {
	r := model.Record{ID: model.RecordID(id), CompanyID: "acme", DisplayName: name}
	if contact != "" {
		r.ContactNumber = &contact
	}
	return r
}

func newService(t *testing.T, store *MockRecordStore, d *MockDispatcher) (*service.CampaignService, *MockNotifier) {
	t.Helper()
	rec := reconciler.New(reconciler.Config{
		Collection: model.CollectionBirthdays,
		CompanyID:  "acme",
		Store:      store,
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(rec.Close)
	require.NoError(t, rec.Refresh(context.Background()))

	notices := &MockNotifier{}
	svc := &service.CampaignService{
		Campaign: model.Campaign{
			Kind:           model.CampaignBirthday,
			Collection:     model.CollectionBirthdays,
			BaseTemplate:   "Feliz aniversário, [name]!",
			SendCommand:    dispatch.CommandSendBirthday,
			CollectCommand: dispatch.CommandCollectBirthday,
			SendURL:        "http://sender/send",
			CollectURL:     "http://sender/collect",
		},
		Company:    model.Company{ID: "acme", Name: "Acme", TaxID: "12345678000199"},
		Reconciler: rec,
		Dispatcher: d,
		Notices:    notices,
		Templates:  service.TemplateService{FallbackName: "Cliente"},
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) },
	}
	return svc, notices
}

func pendingIDs(svc *service.CampaignService) []model.RecordID {
	var out []model.RecordID
	for _, r := range svc.View().State.Records {
		out = append(out, r.ID)
	}
	return out
}

func TestDispatchSkipsMissingNumbersAndMarksSent(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{
		entry("1", "Maria Silva", "5511999990001"),
		entry("2", "João", ""),
		entry("3", "Ana Costa", "5511999990003"),
	}}
	d := &MockDispatcher{}
	svc, notices := newService(t, store, d)

	res, err := svc.Dispatch(context.Background(), []model.RecordID{"1", "2", "3"})
	require.NoError(t, err)

	assert.Equal(t, []model.RecordID{"1", "3"}, res.Sent)
	assert.Equal(t, 1, res.MissingContact)
	require.Len(t, d.sent, 1)
	assert.Len(t, d.sent[0].Targets, 2)
	assert.Equal(t, "12345678000199", d.sent[0].CompanyTaxID)
	assert.Equal(t, "Feliz aniversário, Maria!", d.sent[0].Targets[0].Message)

	assert.Equal(t, []model.RecordID{"2"}, pendingIDs(svc))
	assert.NotContains(t, svc.View().State.Selected, model.RecordID("1"))
	assert.NotContains(t, svc.View().State.Selected, model.RecordID("3"))

	assert.True(t, store.row("1").Sent)
	require.NotNil(t, store.row("3").SentAt)
	assert.Equal(t, "Feliz aniversário, Ana!", *store.row("3").MessageBody)

	require.Len(t, notices.all(), 1)
	assert.Equal(t, "2 message(s) sent; 1 ignored for missing number", notices.last().Text)
	assert.Equal(t, model.NoticeWarning, notices.last().Level)
	assert.Equal(t, 2, svc.Stats().SentInSession)
}

func TestDispatchDefaultsToSelection(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{
		entry("1", "Maria", "1"),
		entry("2", "Ana", "2"),
	}}
	d := &MockDispatcher{}
	svc, _ := newService(t, store, d)

	_, err := svc.ToggleSelect("2")
	require.NoError(t, err)

	res, err := svc.Dispatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []model.RecordID{"1"}, res.Sent)
	assert.Equal(t, []model.RecordID{"2"}, pendingIDs(svc))
}

func TestDispatchHonoursRejectedTargets(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{
		entry("1", "Maria", "1"),
		entry("2", "Ana", "2"),
	}}
	d := &MockDispatcher{}
	d.response.Metadata.Rejected = []dispatch.Rejection{{ID: "2", Reason: "missing charge"}}
	svc, notices := newService(t, store, d)

	res, err := svc.Dispatch(context.Background(), []model.RecordID{"1", "2"})
	require.NoError(t, err)

	assert.Equal(t, []model.RecordID{"1"}, res.Sent)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, []model.RecordID{"2"}, pendingIDs(svc))
	assert.False(t, store.row("2").Sent)
	assert.Contains(t, notices.last().Text, "1 rejected by the sender (missing charge)")
}

func TestDispatchKeepsSentWhenStatusWriteFails(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{
		entry("1", "Maria", "1"),
		entry("2", "Ana", "2"),
	}}
	store.failWith = func(id model.RecordID, patch model.Patch) error {
		if id == "2" && patch.Sent != nil {
			return errors.New("connection reset")
		}
		return nil
	}
	svc, notices := newService(t, store, &MockDispatcher{})

	res, err := svc.Dispatch(context.Background(), []model.RecordID{"1", "2"})
	require.NoError(t, err)

	assert.Equal(t, []model.RecordID{"1", "2"}, res.Sent)
	assert.Equal(t, 1, res.StatusFailed)
	assert.Empty(t, pendingIDs(svc))

	// the store still says pending, the scope never shows it again
	require.NoError(t, svc.Refresh(context.Background()))
	assert.Empty(t, pendingIDs(svc))
	assert.Contains(t, notices.last().Text, "sent status not saved for 1")
}

func TestDispatchExcludesTargetsThatCouldNotBeSaved(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{
		entry("1", "Maria", "1"),
		entry("2", "Ana", "2"),
	}}
	store.failWith = func(id model.RecordID, patch model.Patch) error {
		if id == "1" && patch.MessageBody != nil {
			return errors.New("timeout")
		}
		return nil
	}
	d := &MockDispatcher{}
	svc, _ := newService(t, store, d)

	res, err := svc.Dispatch(context.Background(), []model.RecordID{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PersistFailed)
	assert.Equal(t, []model.RecordID{"2"}, res.Sent)
	require.Len(t, d.sent[0].Targets, 1)
	assert.Equal(t, "2", d.sent[0].Targets[0].ID)
}

func TestDispatchRemoteFailureSendsNothing(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{entry("1", "Maria", "1")}}
	d := &MockDispatcher{err: &appErrors.ErrRemoteStatus{URL: "http://sender/send", StatusCode: 502}}
	svc, notices := newService(t, store, d)

	_, err := svc.Dispatch(context.Background(), []model.RecordID{"1"})
	require.Error(t, err)

	assert.Equal(t, []model.RecordID{"1"}, pendingIDs(svc))
	assert.False(t, store.row("1").Sent)
	require.Len(t, notices.all(), 1)
	assert.Equal(t, "Send failed: the sender answered with status 502", notices.last().Text)
	assert.Equal(t, model.NoticeError, notices.last().Level)
}

func TestDispatchWithOnlyMissingNumbers(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{entry("1", "Maria", "  ")}}
	d := &MockDispatcher{}
	svc, notices := newService(t, store, d)

	res, err := svc.Dispatch(context.Background(), []model.RecordID{"1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.MissingContact)
	assert.Empty(t, d.sent)
	assert.Equal(t, "No message sent; 1 ignored for missing number", notices.last().Text)
}

func TestDeleteSelectedRequiresConfirmation(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{entry("1", "Maria", "1"), entry("2", "Ana", "2")}}
	svc, notices := newService(t, store, &MockDispatcher{})

	_, err := svc.DeleteSelected(context.Background(), nil, false)
	var confirm *appErrors.ErrConfirmationRequired
	require.ErrorAs(t, err, &confirm)
	assert.Equal(t, 2, confirm.Count)
	assert.Empty(t, store.deleted)
	assert.Len(t, pendingIDs(svc), 2)
	assert.Empty(t, notices.all())

	n, err := svc.DeleteSelected(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []model.RecordID{"1", "2"}, store.deleted)
	assert.Empty(t, pendingIDs(svc))
	assert.Empty(t, svc.View().State.Selected)
	assert.Equal(t, "2 entries deleted", notices.last().Text)
}

func TestDeleteRecord(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{entry("1", "Maria", "1"), entry("2", "Ana", "2")}}
	svc, notices := newService(t, store, &MockDispatcher{})

	require.NoError(t, svc.DeleteRecord(context.Background(), "1"))
	assert.Equal(t, []model.RecordID{"2"}, pendingIDs(svc))
	assert.Equal(t, "Entry deleted", notices.last().Text)
}

func TestSaveFieldPostsOneNotice(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{entry("1", "Maria", "1")}}
	svc, notices := newService(t, store, &MockDispatcher{})

	require.NoError(t, svc.EditField("1", model.FieldContactNumber, "55119"))
	require.NoError(t, svc.SaveField(context.Background(), "1", model.FieldContactNumber, "5511988887777"))
	assert.Equal(t, "5511988887777", *store.row("1").ContactNumber)
	assert.Equal(t, "Contact number saved", notices.last().Text)
	assert.Empty(t, svc.View().State.Editing)

	store.failWith = func(model.RecordID, model.Patch) error { return context.DeadlineExceeded }
	require.Error(t, svc.SaveField(context.Background(), "1", model.FieldMessageBody, "x"))
	assert.Equal(t, "Could not save message: the request timed out", notices.last().Text)
	assert.Len(t, notices.all(), 2)

	assert.Error(t, svc.SaveField(context.Background(), "1", model.FieldSent, "true"))
}

func TestCollectPostsDateRange(t *testing.T) {
	d := &MockDispatcher{}
	svc, notices := newService(t, &MockRecordStore{}, d)

	from := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 10, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.Collect(context.Background(), from, to))

	require.Len(t, d.collects, 1)
	assert.Equal(t, dispatch.CommandCollectBirthday, d.collects[0].Command)
	assert.Equal(t, &dispatch.DateRange{From: "2026-10-01", To: "2026-10-31"}, d.collects[0].DateRange)
	assert.Equal(t, "Collection requested for 01/10/2026 to 31/10/2026", notices.last().Text)

	assert.Error(t, svc.Collect(context.Background(), to, from))
	assert.Len(t, d.collects, 1)
}

func TestListenerStateNotices(t *testing.T) {
	svc, notices := newService(t, &MockRecordStore{}, &MockDispatcher{})

	svc.ListenerStateChanged(feed.StateConnecting, feed.StateDegraded)
	svc.ListenerStateChanged(feed.StateDegraded, feed.StateFallbackPolling)
	svc.ListenerStateChanged(feed.StateFallbackPolling, feed.StateLive)
	svc.ListenerStateChanged(feed.StateLive, feed.StateDegraded)
	svc.ListenerStateChanged(feed.StateDegraded, feed.StateLive)

	var texts []string
	for _, n := range notices.all() {
		texts = append(texts, n.Text)
	}
	assert.Equal(t, []string{"Live updates unavailable; refreshing periodically", "Live updates restored"}, texts)
}

func TestExternalChangeNotice(t *testing.T) {
	svc, notices := newService(t, &MockRecordStore{}, &MockDispatcher{})

	svc.ExternalChange([]model.EventType{model.EventInsert, model.EventDelete})
	assert.Equal(t, "New entries arrived, entries were removed", notices.last().Text)
	assert.Equal(t, model.NoticeInfo, notices.last().Level)
}

func TestSelectAllVisibleThroughService(t *testing.T) {
	store := &MockRecordStore{rows: []model.Record{entry("1", "Maria", "1"), entry("2", "Ana", "2")}}
	svc, _ := newService(t, store, &MockDispatcher{})

	before := svc.View().State.Selected
	svc.ToggleSelectAllVisible()
	svc.ToggleSelectAllVisible()
	assert.Equal(t, before, svc.View().State.Selected)

	svc.SetSearch("ana")
	assert.Equal(t, 1, svc.Stats().Visible)
	assert.Equal(t, 2, svc.Stats().Pending)
}
