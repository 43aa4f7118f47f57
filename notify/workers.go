package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/lodestone-search/lodestone/queue"
)

// DeliveryConfig tunes each channel to its external quota.
type DeliveryConfig struct {
	EmailConcurrency  int
	EmailRatePerMin   int64
	ChatConcurrency   int
	ChatRatePerMin    int64
	DigestConcurrency int
}

func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		EmailConcurrency:  2,
		EmailRatePerMin:   100,
		ChatConcurrency:   2,
		ChatRatePerMin:    50,
		DigestConcurrency: 1,
	}
}

// Deliverer consumes the per-channel delivery topics and the digest topic.
// Delivery is at-least-once; handlers tolerate duplicate sends.
type Deliverer struct {
	db     *gorm.DB
	queue  queue.Queue
	email  EmailSender
	chat   ChatSender
	logger *slog.Logger
	cfg    DeliveryConfig

	// Now is the clock used for digest windows; defaults to time.Now.
	Now func() time.Time
}

func NewDeliverer(db *gorm.DB, q queue.Queue, email EmailSender, chat ChatSender, logger *slog.Logger, cfg DeliveryConfig) *Deliverer {
	return &Deliverer{
		db:     db,
		queue:  q,
		email:  email,
		chat:   chat,
		logger: logger.With("source", "delivery"),
		cfg:    cfg,
		Now:    time.Now,
	}
}

// RunConsumers blocks consuming the delivery and digest topics until the
// context is cancelled.
func (d *Deliverer) RunConsumers(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		d.queue.Consume(ctx, queue.TopicEmailDelivery, queue.TopicConfig{
			Concurrency:   d.cfg.EmailConcurrency,
			RatePerWindow: d.cfg.EmailRatePerMin,
			RateWindow:    time.Minute,
		}, d.HandleEmailJob)
	}()
	go func() {
		defer wg.Done()
		d.queue.Consume(ctx, queue.TopicChatDelivery, queue.TopicConfig{
			Concurrency:   d.cfg.ChatConcurrency,
			RatePerWindow: d.cfg.ChatRatePerMin,
			RateWindow:    time.Minute,
		}, d.HandleChatJob)
	}()
	go func() {
		defer wg.Done()
		d.queue.Consume(ctx, queue.TopicDigest, queue.TopicConfig{
			Concurrency: d.cfg.DigestConcurrency,
		}, d.HandleDigestJob)
	}()
	wg.Wait()
	return nil
}

// HandleEmailJob renders and sends one email. An unknown template is a
// configuration failure and completes as a no-op.
func (d *Deliverer) HandleEmailJob(ctx context.Context, job *queue.Job) error {
	var ej queue.EmailJob
	if err := job.DecodePayload(&ej); err != nil {
		return err
	}
	log := d.logger.With("channel", "email", "to", ej.To, "template", ej.Template)

	body, err := RenderTemplate(ej.Template, ej.Props)
	if err != nil {
		log.Error("skipping undeliverable email job", "err", err)
		deliveriesSkipped.WithLabelValues("email").Inc()
		return nil
	}

	if err := d.email.Send(ctx, ej.To, ej.Subject, body); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	deliveriesSent.WithLabelValues("email").Inc()
	return nil
}

// HandleChatJob resolves the integration record and posts one chat message.
// A missing or disabled integration completes as a no-op, not a retry.
func (d *Deliverer) HandleChatJob(ctx context.Context, job *queue.Job) error {
	var cj queue.ChatJob
	if err := job.DecodePayload(&cj); err != nil {
		return err
	}
	log := d.logger.With("channel", "chat", "integration", cj.IntegrationID, "template", cj.Template)

	var integration ChatIntegration
	if err := d.db.WithContext(ctx).First(&integration, cj.IntegrationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("chat integration not found, skipping delivery")
			deliveriesSkipped.WithLabelValues("chat").Inc()
			return nil
		}
		return fmt.Errorf("loading chat integration: %w", err)
	}
	if integration.Disabled {
		log.Info("chat integration disabled, skipping delivery")
		deliveriesSkipped.WithLabelValues("chat").Inc()
		return nil
	}

	text, err := RenderTemplate(cj.Template, cj.Props)
	if err != nil {
		log.Error("skipping undeliverable chat job", "err", err)
		deliveriesSkipped.WithLabelValues("chat").Inc()
		return nil
	}

	if err := d.chat.PostMessage(ctx, integration.AccessToken, integration.ChannelID, text); err != nil {
		return fmt.Errorf("posting chat message: %w", err)
	}
	deliveriesSent.WithLabelValues("chat").Inc()
	return nil
}
