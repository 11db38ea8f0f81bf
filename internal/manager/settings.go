package manager

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/meshbridge/meshd/internal/autoreply"
	"github.com/meshbridge/meshd/internal/schedule"
	"github.com/meshbridge/meshd/internal/store"
)

// meshSettings is every sticky, mesh-level setting named in spec.md §6,
// loaded from the store's settings table (not process bootstrap config,
// which internal/config owns) and used to configure the two reply engines
// and the two schedulers at startup.
type meshSettings struct {
	autoAckEnabled  bool
	autoAckRegex    string
	autoAckChannels []int32
	autoAckDM       bool
	autoAckMessage  string
	autoAckUseDM    bool

	autoWelcomeEnabled     bool
	autoWelcomeWaitForName bool
	autoWelcomeMessage     string
	autoWelcomeTarget      string

	autoAnnounceEnabled       bool
	autoAnnounceUseSchedule   bool
	autoAnnounceSchedule      string
	autoAnnounceIntervalHours int
	autoAnnounceMessage       string
	autoAnnounceChannelIndex  int32
	autoAnnounceOnStart       bool

	tracerouteIntervalMinutes int
	maxNodeAgeHours           int
	distanceUnit              string
}

func boolSetting(ctx context.Context, st store.Store, key string, def bool) bool {
	raw, ok, err := st.GetSetting(ctx, key)
	if err != nil || !ok {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func intSetting(ctx context.Context, st store.Store, key string, def int) int {
	raw, ok, err := st.GetSetting(ctx, key)
	if err != nil || !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func stringSetting(ctx context.Context, st store.Store, key string, def string) string {
	raw, ok, err := st.GetSetting(ctx, key)
	if err != nil || !ok || raw == "" {
		return def
	}
	return raw
}

func channelsSetting(ctx context.Context, st store.Store, key string) []int32 {
	raw, ok, err := st.GetSetting(ctx, key)
	if err != nil || !ok || raw == "" {
		return nil
	}
	var out []int32
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, int32(n))
	}
	return out
}

// loadMeshSettings reads every key named in spec.md §6, falling back to
// built-in defaults for any key an operator never set. Missing keys are not
// an error: a bridge with no configured auto-reply rules simply runs with
// every engine quiescent. defaultAnnounceHours seeds the announcement
// interval when the settings table carries none (process bootstrap config
// provides it).
func loadMeshSettings(ctx context.Context, st store.Store, defaultAnnounceHours int) meshSettings {
	return meshSettings{
		autoAckEnabled:  boolSetting(ctx, st, "autoAckEnabled", false),
		autoAckRegex:    stringSetting(ctx, st, "autoAckRegex", ""),
		autoAckChannels: channelsSetting(ctx, st, "autoAckChannels"),
		autoAckDM:       boolSetting(ctx, st, "autoAckDirectMessages", false),
		autoAckMessage:  stringSetting(ctx, st, "autoAckMessage", ""),
		autoAckUseDM:    boolSetting(ctx, st, "autoAckUseDM", false),

		autoWelcomeEnabled:     boolSetting(ctx, st, "autoWelcomeEnabled", false),
		autoWelcomeWaitForName: boolSetting(ctx, st, "autoWelcomeWaitForName", false),
		autoWelcomeMessage:     stringSetting(ctx, st, "autoWelcomeMessage", ""),
		autoWelcomeTarget:      stringSetting(ctx, st, "autoWelcomeTarget", ""),

		autoAnnounceEnabled:       boolSetting(ctx, st, "autoAnnounceEnabled", false),
		autoAnnounceUseSchedule:   boolSetting(ctx, st, "autoAnnounceUseSchedule", false),
		autoAnnounceSchedule:      stringSetting(ctx, st, "autoAnnounceSchedule", ""),
		autoAnnounceIntervalHours: intSetting(ctx, st, "autoAnnounceIntervalHours", defaultAnnounceHours),
		autoAnnounceMessage:       stringSetting(ctx, st, "autoAnnounceMessage", ""),
		autoAnnounceChannelIndex:  int32(intSetting(ctx, st, "autoAnnounceChannelIndex", 0)),
		autoAnnounceOnStart:       boolSetting(ctx, st, "autoAnnounceOnStart", false),

		tracerouteIntervalMinutes: intSetting(ctx, st, "tracerouteIntervalMinutes", 15),
		maxNodeAgeHours:           intSetting(ctx, st, "maxNodeAgeHours", 24),
		distanceUnit:              stringSetting(ctx, st, "distanceUnit", "km"),
	}
}

// autoAckRules builds the single configured auto-ack rule, or none if the
// feature is disabled or carries no pattern.
func (ms meshSettings) autoAckRules() []autoreply.Rule {
	if !ms.autoAckEnabled || ms.autoAckRegex == "" || ms.autoAckMessage == "" {
		return nil
	}
	return []autoreply.Rule{{
		Pattern:        ms.autoAckRegex,
		Reply:          ms.autoAckMessage,
		AllowChannels:  ms.autoAckChannels,
		AllowDirectMsg: ms.autoAckDM,
		UseDM:          ms.autoAckUseDM,
	}}
}

// announcementConfig translates the settings-table announcement keys into
// schedule.AnnouncementConfig. Cron wins over interval-hours when both are
// present, per DESIGN.md's Open Question resolution.
func (ms meshSettings) announcementConfig() schedule.AnnouncementConfig {
	cfg := schedule.AnnouncementConfig{
		IntervalHours: ms.autoAnnounceIntervalHours,
		Channel:       ms.autoAnnounceChannelIndex,
		Destination:   store.BroadcastNum,
		OnStart:       ms.autoAnnounceOnStart,
	}
	if ms.autoAnnounceUseSchedule {
		cfg.CronExpr = ms.autoAnnounceSchedule
	}
	if ms.autoAnnounceEnabled && ms.autoAnnounceMessage != "" {
		cfg.MessageFunc = func() string { return ms.autoAnnounceMessage }
	}
	return cfg
}

// tracerouteInterval converts the configured minutes into a duration,
// clamped to schedule's bounds (0 disables).
func (ms meshSettings) tracerouteInterval() time.Duration {
	m := ms.tracerouteIntervalMinutes
	if m < 0 {
		m = 0
	}
	if limit := int(schedule.MaxTracerouteInterval / time.Minute); m > limit {
		m = limit
	}
	return time.Duration(m) * time.Minute
}

// enabledFeatures lists which schedulers/engines are currently on, feeding
// the {FEATURES} template token.
func enabledFeatures(ms meshSettings) []string {
	var out []string
	if ms.tracerouteIntervalMinutes > 0 {
		out = append(out, "🛰️ traceroute")
	}
	if ms.autoAnnounceEnabled {
		out = append(out, "📢 announce")
	}
	if ms.autoAckEnabled {
		out = append(out, "🤖 auto-ack")
	}
	if ms.autoWelcomeEnabled {
		out = append(out, "👋 welcome")
	}
	return out
}
