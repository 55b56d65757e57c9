package repository

import (
	"context"

	appErrors "github.com/unclebandit/campaign-dashboard/internal/errors"
	"github.com/unclebandit/campaign-dashboard/internal/feed"
	"github.com/unclebandit/campaign-dashboard/internal/model"
)

// NoFeed is the Source for stores that cannot push changes. Listeners on it
// stay in fallback polling.
type NoFeed struct{}

var _ feed.Source = NoFeed{}

func (NoFeed) Subscribe(ctx context.Context, collection model.Collection, companyID string) (feed.Subscription, error) {
	return nil, appErrors.ErrFeedUnsupported
}
