// Package campaign implements campaign lifecycle operations and the inbound
// provider status bridge.
package campaign

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository"
	apperrors "github.com/relaydesk/dispatch/pkg/errors"
	"github.com/relaydesk/dispatch/pkg/logger"
	"github.com/relaydesk/dispatch/pkg/queue"
)

type Service struct {
	uow       repository.UnitOfWork
	campaigns repository.CampaignRepository
	messages  repository.MessageRepository
	broker    queue.Broker
	logger    *logger.Logger
}

func NewService(
	uow repository.UnitOfWork,
	campaigns repository.CampaignRepository,
	messages repository.MessageRepository,
	broker queue.Broker,
	log *logger.Logger,
) *Service {
	return &Service{
		uow:       uow,
		campaigns: campaigns,
		messages:  messages,
		broker:    broker,
		logger:    log.WithComponent("campaign"),
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	c, err := s.campaigns.Get(ctx, id)
	if err == repository.ErrNotFound {
		return nil, apperrors.NotFound("campaign", err)
	}
	return c, err
}

// Start hands a draft campaign to the scheduler by moving it to queued.
func (s *Service) Start(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, model.CampaignStatusQueued, model.CampaignStatusDraft)
}

// Pause stops dispatching for a running campaign. In-flight messages defer
// until the campaign resumes.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, model.CampaignStatusPaused, model.CampaignStatusRunning)
}

// Resume returns a paused campaign to running.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, model.CampaignStatusRunning, model.CampaignStatusPaused)
}

// Cancel terminates the campaign and cancels every message that has not
// reached the provider.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.uow.Within(ctx, func(ctx context.Context) error {
		if err := s.transition(ctx, id, model.CampaignStatusCanceled,
			model.CampaignStatusQueued, model.CampaignStatusRunning, model.CampaignStatusPaused); err != nil {
			return err
		}
		n, err := s.messages.CancelOpenByCampaign(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to cancel open messages: %w", err)
		}
		s.logger.Info("campaign canceled", "campaign_id", id.String(), "messages_canceled", n)
		return nil
	})
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to model.CampaignStatus, from ...model.CampaignStatus) error {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		if err == repository.ErrNotFound {
			return apperrors.NotFound("campaign", err)
		}
		return err
	}

	ok, err := s.campaigns.TransitionStatus(ctx, id, to, from...)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Conflict(fmt.Sprintf(
			"campaign is %s, cannot move to %s", c.Status, to), nil)
	}
	s.logger.Info("campaign transitioned", "campaign_id", id.String(),
		"from", string(c.Status), "to", string(to))
	return nil
}

// ResendFailed re-queues every failed message of the campaign and returns
// how many were re-queued. The campaign re-enters running if it had settled.
func (s *Service) ResendFailed(ctx context.Context, id uuid.UUID) (int, error) {
	failed, err := s.messages.ListByCampaignAndStatus(ctx, id, model.MessageStatusFailed)
	if err != nil {
		return 0, err
	}
	if len(failed) == 0 {
		return 0, nil
	}

	if _, err := s.campaigns.TransitionStatus(ctx, id, model.CampaignStatusRunning,
		model.CampaignStatusCompleted, model.CampaignStatusFailed); err != nil {
		return 0, err
	}

	requeued := 0
	for _, msg := range failed {
		if err := s.requeue(ctx, msg, "resend requested"); err != nil {
			s.logger.Error(err, "failed to re-queue message", "message_id", msg.ID.String())
			continue
		}
		requeued++
	}

	if requeued > 0 {
		if err := s.campaigns.IncrementMetrics(ctx, id,
			model.CampaignMetrics{Failed: -requeued, Pending: requeued}); err != nil {
			s.logger.Error(err, "failed to settle campaign metrics", "campaign_id", id.String())
		}
	}
	s.logger.Info("failed messages re-queued", "campaign_id", id.String(), "count", requeued)
	return requeued, nil
}

// ResendOne re-queues a single failed message.
func (s *Service) ResendOne(ctx context.Context, messageID uuid.UUID) error {
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		if err == repository.ErrNotFound {
			return apperrors.NotFound("message", err)
		}
		return err
	}
	if msg.Status != model.MessageStatusFailed {
		return apperrors.Conflict(fmt.Sprintf(
			"message is %s, only failed messages can be resent", msg.Status), nil)
	}

	if err := s.requeue(ctx, msg, "manual resend"); err != nil {
		return err
	}
	if err := s.campaigns.IncrementMetrics(ctx, msg.CampaignID,
		model.CampaignMetrics{Failed: -1, Pending: 1}); err != nil {
		s.logger.Error(err, "failed to settle campaign metrics",
			"campaign_id", msg.CampaignID.String())
	}
	return nil
}

func (s *Service) requeue(ctx context.Context, msg *model.Message, detail string) error {
	msg.Retries = 0
	msg.ScheduledRetryAt = nil
	entry := msg.AppendHistory(model.MessageStatusQueued, detail)
	if err := s.messages.SaveDispatchState(ctx, msg, entry); err != nil {
		return fmt.Errorf("failed to reset message: %w", err)
	}
	return s.broker.Enqueue(ctx, queue.Envelope{
		MessageID:  msg.ID,
		CampaignID: msg.CampaignID,
	})
}

// ApplyStatusUpdate applies a provider-originated status change to the
// message identified by its provider message id. Updates violating the
// forward-only hierarchy, or referencing unknown messages or statuses, are
// logged and dropped.
func (s *Service) ApplyStatusUpdate(ctx context.Context, providerMessageID, status, detail string) error {
	to := model.MessageStatus(status)
	if !to.Valid() {
		s.logger.Warn("dropping status update with unknown status",
			"provider_message_id", providerMessageID, "status", status)
		return nil
	}

	msg, err := s.messages.GetByProviderID(ctx, providerMessageID)
	if err != nil {
		if err == repository.ErrNotFound {
			s.logger.Warn("dropping status update for unknown message",
				"provider_message_id", providerMessageID)
			return nil
		}
		return err
	}

	if !msg.Status.CanTransition(to) {
		s.logger.Debug("dropping out-of-order status update",
			"message_id", msg.ID.String(),
			"current", string(msg.Status), "incoming", string(to))
		return nil
	}

	if err := s.messages.ApplyStatus(ctx, msg.ID, to, detail); err != nil {
		return fmt.Errorf("failed to apply status: %w", err)
	}

	if delta, ok := statusDelta(msg.Status, to); ok {
		if err := s.campaigns.IncrementMetrics(ctx, msg.CampaignID, delta); err != nil {
			s.logger.Error(err, "failed to settle campaign metrics",
				"campaign_id", msg.CampaignID.String())
		}
	}
	return nil
}

// statusDelta maps a provider status change to its campaign metric delta.
// Delivered and read stay counted inside sent; a failure override after the
// provider accepted the message moves it from sent to failed.
func statusDelta(from, to model.MessageStatus) (model.CampaignMetrics, bool) {
	switch to {
	case model.MessageStatusDelivered:
		return model.CampaignMetrics{Delivered: 1}, true
	case model.MessageStatusRead:
		return model.CampaignMetrics{Read: 1}, true
	case model.MessageStatusFailed, model.MessageStatusError:
		if from.Rank() >= model.MessageStatusSent.Rank() {
			return model.CampaignMetrics{Sent: -1, Failed: 1}, true
		}
	}
	return model.CampaignMetrics{}, false
}
