// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dashboard/internal/model"
	"github.com/unclebandit/campaign-dashboard/internal/queue"
	"github.com/unclebandit/campaign-dashboard/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	noticeBuf  = 8
)

// Message is one frame pushed to dashboard clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	MessageSnapshot = "snapshot"
	MessageNotice   = "notice"
)

// Sessions hands out the active company scope.
type Sessions interface {
	Activate(ctx context.Context, companyID string) (*session.Scope, error)
}

// CampaignHandler streams campaign state and notices over websockets.
type CampaignHandler struct {
	Sessions Sessions
	Logger   zerolog.Logger
	Upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan model.Notice]struct{}
}

// NewCampaignHandler subscribes the handler to the notice topic of q.
func NewCampaignHandler(sessions Sessions, q queue.Queue, logger zerolog.Logger) (*CampaignHandler, error) {
	h := &CampaignHandler{
		Sessions: sessions,
		Logger:   logger.With().Str("component", "stream").Logger(),
		clients:  map[chan model.Notice]struct{}{},
	}
	if err := q.Subscribe(queue.TopicNotices, h.broadcast); err != nil {
		return nil, err
	}
	return h, nil
}

// broadcast hands a notice to every connected client. Slow clients drop it.
func (h *CampaignHandler) broadcast(payload any) error {
	n, ok := payload.(model.Notice)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

func (h *CampaignHandler) register() chan model.Notice {
	ch := make(chan model.Notice, noticeBuf)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *CampaignHandler) unregister(ch chan model.Notice) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// Clients reports the number of connected streams.
func (h *CampaignHandler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS pushes a snapshot on connect and after every state change of the
// campaign, plus every notice. The stream ends when the company scope is
// replaced or the client goes away.
func (h *CampaignHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	scope, err := h.Sessions.Activate(r.Context(), r.URL.Query().Get("company"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	svc, err := scope.Campaign(model.CampaignKind(chi.URLParam(r, "campaign")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := h.Logger.With().
		Str("campaign", string(svc.Campaign.Kind)).
		Str("company", scope.Company.ID).
		Str("remote", r.RemoteAddr).
		Logger()
	logger.Debug().Msg("stream opened")
	defer logger.Debug().Msg("stream closed")

	changes, stopWatch := svc.Reconciler.Watch()
	defer stopWatch()
	notices := h.register()
	defer h.unregister(notices)

	gone := make(chan struct{})
	go h.readLoop(conn, gone)

	if err := write(conn, Message{Type: MessageSnapshot, Data: svc.View()}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case _, ok := <-changes:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "company scope closed"))
				return
			}
			if err := write(conn, Message{Type: MessageSnapshot, Data: svc.View()}); err != nil {
				logger.Debug().Err(err).Msg("snapshot write failed")
				return
			}
		case n := <-notices:
			if err := write(conn, Message{Type: MessageNotice, Data: n}); err != nil {
				logger.Debug().Err(err).Msg("notice write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readLoop discards client frames and closes gone once the peer is lost.
func (h *CampaignHandler) readLoop(conn *websocket.Conn, gone chan struct{}) {
	defer close(gone)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func write(conn *websocket.Conn, msg Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
