package notice

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dashboard/internal/model"
	"github.com/unclebandit/campaign-dashboard/internal/queue"
)

const DefaultDuration = 5 * time.Second

// Center holds the one notice currently shown. A new notice supersedes the
// previous one; each notice dismisses itself after the configured duration.
type Center struct {
	duration  time.Duration
	publisher queue.Queue
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	current *model.Notice
	timer   *time.Timer
	closed  bool
}

func NewCenter(duration time.Duration, publisher queue.Queue, logger zerolog.Logger) *Center {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Center{
		duration:  duration,
		publisher: publisher,
		logger:    logger.With().Str("component", "notice").Logger(),
		now:       time.Now,
	}
}

// Post shows a new notice and returns it.
func (c *Center) Post(level model.NoticeLevel, format string, args ...any) model.Notice {
	now := c.now()
	expires := now.Add(c.duration)
	n := model.Notice{
		ID:        uuid.NewString(),
		Level:     level,
		Text:      fmt.Sprintf(format, args...),
		CreatedAt: now,
		ExpiresAt: &expires,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return n
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.current = &n
	id := n.ID
	c.timer = time.AfterFunc(c.duration, func() { c.Dismiss(id) })
	// publish order matches the order notices become current
	c.publish(n)
	c.mu.Unlock()

	c.logger.Debug().Str("level", string(level)).Str("text", n.Text).Msg("notice posted")
	return n
}

func (c *Center) Info(format string, args ...any) model.Notice {
	return c.Post(model.NoticeInfo, format, args...)
}

func (c *Center) Success(format string, args ...any) model.Notice {
	return c.Post(model.NoticeSuccess, format, args...)
}

func (c *Center) Warning(format string, args ...any) model.Notice {
	return c.Post(model.NoticeWarning, format, args...)
}

func (c *Center) Error(format string, args ...any) model.Notice {
	return c.Post(model.NoticeError, format, args...)
}

// Dismiss hides the notice with id if it is still the current one.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	if c.current == nil || c.current.ID != id {
		c.mu.Unlock()
		return false
	}
	c.current = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return true
}

// Current returns the notice on display, if any.
func (c *Center) Current() (model.Notice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return model.Notice{}, false
	}
	return *c.current, true
}

// Close stops the dismiss timer; later posts are not shown.
func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.current = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Center) publish(n model.Notice) {
	if c.publisher == nil {
		return
	}
	err := c.publisher.Publish(queue.TopicNotices, n)
	if err != nil && !errors.Is(err, queue.ErrNoSubscribers) {
		c.logger.Warn().Err(err).Msg("failed to publish notice")
	}
}
