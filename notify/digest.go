package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/lodestone-search/lodestone/queue"
)

const (
	dailyDigestCron  = "0 9 * * *"
	weeklyDigestCron = "0 9 * * 1"
)

// RegisterDigestSchedules wipes the repeatable registry and installs the
// daily and weekly digest entries. Run once at process startup so stale
// schedules from previous deployments do not linger.
func RegisterDigestSchedules(ctx context.Context, sched *queue.Scheduler) error {
	if err := sched.Queue.ClearRepeatables(ctx); err != nil {
		return fmt.Errorf("clearing repeatable schedules: %w", err)
	}
	if err := sched.Register(ctx, "digest:daily", queue.TopicDigest, dailyDigestCron, queue.DigestJob{Period: DigestDaily}); err != nil {
		return err
	}
	if err := sched.Register(ctx, "digest:weekly", queue.TopicDigest, weeklyDigestCron, queue.DigestJob{Period: DigestWeekly}); err != nil {
		return err
	}
	return nil
}

// HandleDigestJob fans one digest run out into per-user email jobs. Users
// with no unread notifications in the window are skipped entirely.
func (d *Deliverer) HandleDigestJob(ctx context.Context, job *queue.Job) error {
	var dj queue.DigestJob
	if err := job.DecodePayload(&dj); err != nil {
		return err
	}

	var window time.Duration
	switch dj.Period {
	case DigestDaily:
		window = 24 * time.Hour
	case DigestWeekly:
		window = 7 * 24 * time.Hour
	default:
		d.logger.Error("unknown digest period, skipping", "period", dj.Period)
		return nil
	}
	since := d.Now().Add(-window)

	var users []User
	if err := d.db.WithContext(ctx).Where("digest_frequency = ?", dj.Period).Find(&users).Error; err != nil {
		return fmt.Errorf("listing digest subscribers: %w", err)
	}

	log := d.logger.With("period", dj.Period, "subscribers", len(users))
	var enqueued int
	for _, user := range users {
		var notifs []Notification
		err := d.db.WithContext(ctx).
			Where("user_id = ? AND read_at IS NULL AND created_at >= ?", user.ID, since).
			Find(&notifs).Error
		if err != nil {
			return fmt.Errorf("listing notifications for user %d: %w", user.ID, err)
		}
		if len(notifs) == 0 {
			continue
		}

		sort.SliceStable(notifs, func(i, j int) bool {
			ri, rj := severityRank(notifs[i].Severity), severityRank(notifs[j].Severity)
			if ri != rj {
				return ri < rj
			}
			return notifs[i].CreatedAt.After(notifs[j].CreatedAt)
		})

		id := fmt.Sprintf("email:%d:%d", user.ID, d.Now().UnixNano())
		_, err = d.queue.Enqueue(ctx, queue.TopicEmailDelivery, id, queue.EmailJob{
			To:       user.Email,
			UserID:   user.ID,
			Subject:  fmt.Sprintf("Your %s package digest", dj.Period),
			Template: "digest",
			Props: map[string]any{
				"period":        dj.Period,
				"notifications": notifs,
			},
		})
		if err != nil {
			return fmt.Errorf("enqueueing digest email for user %d: %w", user.ID, err)
		}
		enqueued++
	}

	log.Info("digest run complete", "emails", enqueued)
	digestRuns.WithLabelValues(dj.Period).Inc()
	return nil
}
