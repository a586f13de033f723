package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sms-dispatch-engine/internal/compliance"
	"sms-dispatch-engine/internal/domain"
	"sms-dispatch-engine/internal/ports"
	"sms-dispatch-engine/internal/segment"
	"sms-dispatch-engine/internal/throttle"

	"github.com/google/uuid"
)

// ErrRejected wraps a compliance-gate rejection so transports can map the
// reason code without reaching into the gate package.
type ErrRejected struct {
	Reason compliance.Reason
}

func (e ErrRejected) Error() string {
	return fmt.Sprintf("admission rejected: %s", e.Reason)
}

// Broker publish retry budget. Exhausting it terminally fails the message
// with FailureQueuePublish.
const (
	publishAttempts = 3
	publishBackoff  = 50 * time.Millisecond
)

// DispatchService orchestrates the outbound pipeline: estimate, gate,
// persist, throttle-admit, publish. Inbound traffic is the ingest
// processor's concern.
type DispatchService struct {
	repo      ports.MessageRepository
	campaigns ports.CampaignDirectory
	optouts   ports.OptOutRepository
	publisher ports.MessagePublisher
	gate      *compliance.Gate
	scheduler *throttle.Scheduler
	admitWait time.Duration
	log       *slog.Logger

	sleep func(context.Context, time.Duration) error
}

// NewDispatchService wires the service with its dependencies. admitWait
// bounds how long a submission may suspend waiting for a token.
func NewDispatchService(
	repo ports.MessageRepository,
	campaigns ports.CampaignDirectory,
	optouts ports.OptOutRepository,
	publisher ports.MessagePublisher,
	gate *compliance.Gate,
	scheduler *throttle.Scheduler,
	admitWait time.Duration,
	log *slog.Logger,
) *DispatchService {
	return &DispatchService{
		repo:      repo,
		campaigns: campaigns,
		optouts:   optouts,
		publisher: publisher,
		gate:      gate,
		scheduler: scheduler,
		admitWait: admitWait,
		log:       log,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// SubmitRequest is the input for submitting one outbound message.
type SubmitRequest struct {
	CampaignID uuid.UUID
	To         string
	Body       string
	SendAt     time.Time // Zero means now
}

// Submit runs a candidate message through admission. On success the message
// is persisted, admitted by the scheduler, and published to the dispatch
// queue. A compliance rejection returns ErrRejected; exhausted throughput
// returns throttle.ErrBackpressure with the message left in StatusCreated
// for the outbox publisher to pick up.
func (s *DispatchService) Submit(ctx context.Context, req SubmitRequest) (domain.Message, error) {
	campaign, err := s.campaigns.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("resolve campaign: %w", err)
	}

	sendAt := req.SendAt
	if sendAt.IsZero() {
		sendAt = time.Now().UTC()
	}

	msg := domain.NewOutbound(campaign.ID, campaign.SenderNumber, req.To, req.Body)
	est := segment.Estimate(req.Body)
	msg.Encoding = string(est.Encoding)
	msg.Segments = est.Segments
	msg.Cost = est.Cost(campaign.PerSegmentRate)

	decision, err := s.gate.Admit(ctx, *campaign, msg, sendAt)
	if err != nil {
		return domain.Message{}, fmt.Errorf("compliance gate: %w", err)
	}
	if !decision.Allowed {
		return domain.Message{}, ErrRejected{Reason: decision.Reason}
	}

	if err := s.repo.SaveMessage(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("save message: %w", err)
	}

	if err := s.admitAndPublish(ctx, msg, s.admitWait); err != nil {
		if errors.Is(err, throttle.ErrBackpressure) {
			// The message stays CREATED; the outbox publisher retries it.
			s.log.Info("submission backpressured", "msg_id", msg.ID, "campaign_id", campaign.ID)
			return msg, err
		}
		return msg, err
	}

	msg.Status = domain.StatusQueued
	return msg, nil
}

// admitAndPublish consumes a token, advances CREATED→QUEUED, and publishes.
// The state machine only moves forward: a publish that still fails after
// the retry budget terminally fails the message rather than rolling it
// back, keeping the failure auditable instead of silently re-enqueued.
func (s *DispatchService) admitAndPublish(ctx context.Context, msg domain.Message, wait time.Duration) error {
	if err := s.admit(ctx, msg.CampaignID, wait); err != nil {
		return err
	}

	now := time.Now().UTC()
	moved, err := s.repo.TransitionStatus(ctx, msg.ID, domain.StatusCreated, domain.StatusQueued, now)
	if err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	if !moved {
		// Another poller already advanced it.
		return nil
	}

	queued := msg
	queued.Status = domain.StatusQueued
	if err := s.publishWithRetry(ctx, queued); err != nil {
		if failErr := s.repo.RecordFailure(ctx, msg.ID, domain.FailureQueuePublish, msg.RetryCount); failErr != nil {
			s.log.Error("record publish failure errored", "msg_id", msg.ID, "err", failErr)
		}
		return fmt.Errorf("publish message: %w", err)
	}

	s.log.Info("message queued", "msg_id", msg.ID, "campaign_id", msg.CampaignID, "segments", msg.Segments)
	return nil
}

// admit consumes one scheduler token, registering the limiter on first use
// so campaigns activated after process start work without a restart.
func (s *DispatchService) admit(ctx context.Context, campaignID uuid.UUID, wait time.Duration) error {
	err := s.scheduler.Admit(ctx, campaignID, wait)
	if !errors.Is(err, throttle.ErrNotRegistered) {
		return err
	}

	campaign, lookupErr := s.campaigns.GetCampaign(ctx, campaignID)
	if lookupErr != nil {
		return fmt.Errorf("resolve campaign for limiter: %w", lookupErr)
	}
	if regErr := s.scheduler.Register(ctx, *campaign); regErr != nil {
		return fmt.Errorf("register limiter: %w", regErr)
	}
	return s.scheduler.Admit(ctx, campaignID, wait)
}

func (s *DispatchService) publishWithRetry(ctx context.Context, msg domain.Message) error {
	backoff := publishBackoff
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = s.publisher.Publish(ctx, msg); err == nil {
			return nil
		}
		s.log.Error("publish attempt failed", "msg_id", msg.ID, "attempt", attempt, "err", err)
		if attempt < publishAttempts {
			if sleepErr := s.sleep(ctx, backoff); sleepErr != nil {
				return sleepErr
			}
			backoff *= 2
		}
	}
	return err
}

// PublishAdmittable drains messages stranded in StatusCreated by earlier
// backpressure, re-attempting admission without suspending. Called by the
// outbox-publisher binary on a poll interval.
func (s *DispatchService) PublishAdmittable(ctx context.Context, batchSize int) (int, error) {
	msgs, err := s.repo.GetAdmittable(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("get admittable: %w", err)
	}

	published := 0
	for _, msg := range msgs {
		if err := s.admitAndPublish(ctx, msg, 0); err != nil {
			if errors.Is(err, throttle.ErrBackpressure) || errors.Is(err, throttle.ErrCapExhausted) {
				continue // Still throttled; the next poll retries.
			}
			s.log.Error("outbox publish failed", "msg_id", msg.ID, "err", err)
			continue
		}
		published++
	}
	return published, nil
}

// GetMessage returns the current state of a message.
func (s *DispatchService) GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return s.repo.GetMessage(ctx, id)
}

// IsOptedOut exposes the suppression query to collaborating systems so
// they don't re-implement the scope logic.
func (s *DispatchService) IsOptedOut(ctx context.Context, phone string, campaignID uuid.UUID) (bool, error) {
	return s.optouts.IsOptedOut(ctx, phone, campaignID)
}

// Usage reports a campaign's consumed daily and monthly message volume.
func (s *DispatchService) Usage(ctx context.Context, campaignID uuid.UUID) (day, month int, err error) {
	return s.scheduler.Usage(ctx, campaignID)
}

// RegisterCampaign activates a campaign's rate limiter on startup or when
// the registration subsystem reports activation.
func (s *DispatchService) RegisterCampaign(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.campaigns.GetCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("resolve campaign: %w", err)
	}
	return s.scheduler.Register(ctx, *campaign)
}
