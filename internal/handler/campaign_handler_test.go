package handler_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dashboard/internal/config"
	"github.com/unclebandit/campaign-dashboard/internal/dispatch"
	"github.com/unclebandit/campaign-dashboard/internal/feed"
	"github.com/unclebandit/campaign-dashboard/internal/handler"
	"github.com/unclebandit/campaign-dashboard/internal/model"
	"github.com/unclebandit/campaign-dashboard/internal/notice"
	"github.com/unclebandit/campaign-dashboard/internal/queue"
	"github.com/unclebandit/campaign-dashboard/internal/repository"
	"github.com/unclebandit/campaign-dashboard/internal/session"
)

type staticStore struct {
	rows []model.Record
}

func (s staticStore) FetchAll(ctx context.Context, companyID string) ([]model.Record, error) {
	return append([]model.Record(nil), s.rows...), nil
}

func (staticStore) Update(ctx context.Context, id model.RecordID, patch model.Patch) error {
	return nil
}

func (staticStore) Delete(ctx context.Context, ids ...model.RecordID) error { return nil }

type silentSource struct{}

func (silentSource) Subscribe(ctx context.Context, collection model.Collection, companyID string) (feed.Subscription, error) {
	return feed.NewPipe(1, nil), nil
}

type frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func setup(t *testing.T) (*session.Manager, *notice.Center, string) {
	t.Helper()

	q := queue.NewInMemoryQueue(zerolog.Nop())
	notices := notice.NewCenter(time.Minute, q, zerolog.Nop())
	store := staticStore{rows: []model.Record{
		{ID: "1", CompanyID: "acme", DisplayName: "Ana"},
		{ID: "2", CompanyID: "acme", DisplayName: "Bruno"},
	}}
	manager := &session.Manager{
		Config: &config.Config{
			DefaultCompany: "acme",
			Companies:      []model.Company{{ID: "acme"}, {ID: "globex"}},
			Feed:           config.FeedConfig{BirthdayPollInterval: time.Hour, BillingPollInterval: time.Hour},
		},
		StoreFor:   func(model.Collection) repository.RecordStore { return store },
		Source:     silentSource{},
		Dispatcher: dispatch.NewClient(time.Second, zerolog.Nop()),
		Notices:    notices,
		Logger:     zerolog.Nop(),
	}

	h, err := handler.NewCampaignHandler(manager, q, zerolog.Nop())
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Get("/api/{campaign}/ws", h.ServeWS)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		manager.Close()
		notices.Close()
		q.Drain()
	})
	return manager, notices, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	var f frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestStreamPushesSnapshotsAndNotices(t *testing.T) {
	manager, notices, base := setup(t)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/api/birthday/ws?company=acme", nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.Equal(t, handler.MessageSnapshot, first.Type)
	state := first.Data["state"].(map[string]any)
	assert.Len(t, state["records"], 2)

	scope := manager.Current()
	require.NotNil(t, scope)
	svc, err := scope.Campaign(model.CampaignBirthday)
	require.NoError(t, err)
	svc.SetSearch("bruno")

	next := readFrame(t, conn)
	assert.Equal(t, handler.MessageSnapshot, next.Type)
	state = next.Data["state"].(map[string]any)
	assert.Len(t, state["records"], 1)
	assert.Equal(t, "bruno", state["search"])

	notices.Post(model.NoticeInfo, "hello %s", "there")
	n := readFrame(t, conn)
	assert.Equal(t, handler.MessageNotice, n.Type)
	assert.Equal(t, "hello there", n.Data["text"])
}

func TestStreamClosesWhenCompanyChanges(t *testing.T) {
	manager, _, base := setup(t)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/api/billing/ws?company=acme", nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn)

	_, err = manager.Activate(context.Background(), "globex")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestStreamUnknownCampaign(t *testing.T) {
	_, _, base := setup(t)

	_, resp, err := websocket.DefaultDialer.Dial(base+"/api/newsletter/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
