package common

import "context"

// FeedHandler processes the data payload of one upstream feed message
type FeedHandler func(feed string, data []byte) error

// FeedErrorHandler is told when a wanted feed is rejected, ended or not
// streamed
type FeedErrorHandler func(feed string, err error)

// FeedClient defines the upstream operations the subscription syncer needs
type FeedClient interface {
	Connect(ctx context.Context) error
	Connected() bool
	Disconnect() error
	Subscribe(feeds []string) error
	Unsubscribe(feeds []string) error
	GetSubscribed() []string
}
