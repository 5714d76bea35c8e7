package receiver

import (
	"context"

	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/pkg/log"
	"github.com/weiawesome/thumbing/pkg/pubsub"
)

// EventThumbnailReceived is the pubsub event type of forwarded arrivals.
const EventThumbnailReceived = "thumbnail.received"

// Forwarder republishes first-seen thumbnails on a pubsub channel for
// in-cluster listeners.
type Forwarder struct {
	pub     pubsub.Publisher
	channel string
}

func NewForwarder(pub pubsub.Publisher, channel string) *Forwarder {
	return &Forwarder{pub: pub, channel: channel}
}

// Forward matches Options.OnThumbnail. The webhook has already been
// accepted, so a failed publish is only logged.
func (f *Forwarder) Forward(ctx context.Context, msg event.NotificationMessage) {
	l := log.Ctx(ctx)
	ev, err := pubsub.NewEvent(EventThumbnailReceived, msg.ObjectRef(), msg)
	if err == nil {
		err = f.pub.Publish(ctx, f.channel, ev)
	}
	if err != nil {
		l.Warn().Err(err).
			Str("channel", f.channel).
			Str(log.FieldKey, msg.Key).
			Msg("failed to forward thumbnail")
	}
}
