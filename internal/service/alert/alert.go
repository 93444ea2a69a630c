// Package alert emits engine alert events. The engine never renders or
// delivers alerts; it hands events to the alerting collaborator's topic and
// moves on.
package alert

import (
	"context"
	"time"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/pkg/logger"
	"github.com/relaydesk/dispatch/pkg/messaging"
)

// Topic is the broker topic the alerting collaborator subscribes to.
const Topic = "alerts"

const publishTimeout = 5 * time.Second

type Emitter struct {
	pub    messaging.Publisher
	logger *logger.Logger
}

func NewEmitter(pub messaging.Publisher, log *logger.Logger) *Emitter {
	return &Emitter{pub: pub, logger: log.WithComponent("alerts")}
}

// Emit publishes the event without blocking the caller. Publish failures are
// logged and dropped.
func (e *Emitter) Emit(event model.AlertEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := e.pub.Publish(ctx, Topic, event); err != nil {
			e.logger.Error(err, "failed to publish alert event",
				"type", event.Type, "entity", event.RelatedEntity)
		}
	}()
}
