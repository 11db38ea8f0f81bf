package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/meshbridge/meshd/internal/outbound"
	"github.com/meshbridge/meshd/internal/store"
)

// MinAnnounceIntervalHours and MaxAnnounceIntervalHours bound the
// interval-hours mode of the announcement scheduler.
const (
	MinAnnounceIntervalHours = 3
	MaxAnnounceIntervalHours = 24
)

// lastAnnounceSettingKey is where the scheduler persists the last send time
// (unix seconds) so a process restart doesn't immediately re-announce.
// External callers adjusting the announcement cadence write the same key.
const lastAnnounceSettingKey = "lastAnnouncementTime"

// startupCooldown is the minimum gap enforced between two announcements
// regardless of schedule, so a crash-restart loop can't turn one configured
// occurrence into a flood of duplicate sends.
const startupCooldown = 2 * time.Minute

// onStartCooldown is spec.md §4.12's anti-spam window for OnStart: an
// on-start announcement is suppressed if the last one landed within the
// last hour, regardless of the regular schedule.
const onStartCooldown = time.Hour

// AnnouncementConfig selects one of the two announcement modes. Exactly one
// of IntervalHours or CronExpr should be set; CronExpr takes precedence when
// both are, since cron is the more expressive of the two and should win on
// ambiguity rather than erroring.
type AnnouncementConfig struct {
	IntervalHours int
	CronExpr      string
	Channel       int32
	Destination   uint32
	MessageFunc   func() string
	// OnStart sends one announcement as soon as Run begins, unless the
	// last announcement landed within onStartCooldown.
	OnStart bool
}

// AnnouncementScheduler sends a templated announcement on either a fixed
// hourly cadence or a cron schedule.
type AnnouncementScheduler struct {
	logger *log.Logger
	store  store.Store
	cmds   *outbound.Commands
	cfg    AnnouncementConfig
	sched  cron.Schedule

	// OnTick, if set, is called every time the scheduler's timer fires and
	// an announcement attempt is made (cooldown-suppressed attempts still
	// count as a tick).
	OnTick func()
}

// NewAnnouncementScheduler validates cfg and builds a scheduler. An invalid
// cron expression or an IntervalHours outside [MinAnnounceIntervalHours,
// MaxAnnounceIntervalHours] is rejected so the caller's current scheduler
// stays untouched.
func NewAnnouncementScheduler(st store.Store, cmds *outbound.Commands, cfg AnnouncementConfig) (*AnnouncementScheduler, error) {
	s := &AnnouncementScheduler{
		logger: log.With("component", "schedule.announce"),
		store:  st,
		cmds:   cmds,
		cfg:    cfg,
	}

	if cfg.CronExpr != "" {
		parsed, err := cron.ParseStandard(cfg.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parsing announcement cron expression %q: %w", cfg.CronExpr, err)
		}
		s.sched = parsed
		return s, nil
	}

	if cfg.IntervalHours < MinAnnounceIntervalHours || cfg.IntervalHours > MaxAnnounceIntervalHours {
		return nil, fmt.Errorf("announcement interval %dh outside [%d,%d]",
			cfg.IntervalHours, MinAnnounceIntervalHours, MaxAnnounceIntervalHours)
	}
	return s, nil
}

// Run blocks until ctx is cancelled, sending one announcement per
// occurrence of the configured schedule, skipping the very next occurrence
// if it would land inside the startup cooldown window following a recent
// prior send. If configured with OnStart, it also fires once immediately
// unless the anti-spam window says otherwise.
func (s *AnnouncementScheduler) Run(ctx context.Context) error {
	if s.cfg.OnStart {
		s.maybeFireOnStart(ctx)
	}
	for {
		next := s.nextFireTime()
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		s.fire(ctx)
	}
}

func (s *AnnouncementScheduler) nextFireTime() time.Time {
	now := time.Now()
	if s.sched != nil {
		return s.sched.Next(now)
	}
	return now.Add(time.Duration(s.cfg.IntervalHours) * time.Hour)
}

func (s *AnnouncementScheduler) fire(ctx context.Context) {
	if s.OnTick != nil {
		s.OnTick()
	}
	if s.withinCooldown(ctx) {
		s.logger.Debug("skipping announcement, within startup cooldown")
		return
	}

	text := ""
	if s.cfg.MessageFunc != nil {
		text = s.cfg.MessageFunc()
	}
	if text == "" {
		return
	}

	if _, err := s.cmds.SendText(ctx, s.cfg.Destination, s.cfg.Channel, text); err != nil {
		s.logger.Error("sending scheduled announcement", "err", err)
		return
	}

	if err := s.store.SetSetting(ctx, lastAnnounceSettingKey, fmt.Sprintf("%d", time.Now().Unix())); err != nil {
		s.logger.Error("persisting last announcement time", "err", err)
	}
}

// maybeFireOnStart sends one announcement right away unless the last one
// sent landed within the last hour.
func (s *AnnouncementScheduler) maybeFireOnStart(ctx context.Context) {
	raw, ok, err := s.store.GetSetting(ctx, lastAnnounceSettingKey)
	if err == nil && ok {
		var unixSec int64
		if _, serr := fmt.Sscanf(raw, "%d", &unixSec); serr == nil {
			if time.Since(time.Unix(unixSec, 0)) < onStartCooldown {
				s.logger.Debug("skipping on-start announcement, sent recently")
				return
			}
		}
	}
	s.fire(ctx)
}

func (s *AnnouncementScheduler) withinCooldown(ctx context.Context) bool {
	raw, ok, err := s.store.GetSetting(ctx, lastAnnounceSettingKey)
	if err != nil || !ok {
		return false
	}
	var unixSec int64
	if _, err := fmt.Sscanf(raw, "%d", &unixSec); err != nil {
		return false
	}
	last := time.Unix(unixSec, 0)
	return time.Since(last) < startupCooldown
}
