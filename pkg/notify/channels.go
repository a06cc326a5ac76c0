package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/powerdaemon/powerdaemon/pkg/config"
	"github.com/powerdaemon/powerdaemon/pkg/errdefs"
	"github.com/powerdaemon/powerdaemon/pkg/storage"
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// ValidateChannel checks the settings a channel type requires before it
// is persisted.
func ValidateChannel(ch *types.NotificationChannel) error {
	if ch.Name == "" {
		return errdefs.InvalidConfigurationf("channel name is required")
	}
	switch ch.Type {
	case types.ChannelSlack:
		if ch.Settings["webhook_url"] == "" && ch.Settings["token"] == "" {
			return errdefs.InvalidConfigurationf("channel %s: slack needs webhook_url or token", ch.Name)
		}
		if ch.Settings["token"] != "" && ch.Settings["channel"] == "" {
			return errdefs.InvalidConfigurationf("channel %s: slack token mode needs a channel", ch.Name)
		}
	case types.ChannelWebhook:
		if ch.Settings["url"] == "" {
			return errdefs.InvalidConfigurationf("channel %s: webhook needs a url", ch.Name)
		}
	case types.ChannelEmail:
		for _, key := range []string{"smtp_addr", "from", "to"} {
			if ch.Settings[key] == "" {
				return errdefs.InvalidConfigurationf("channel %s: email needs %s", ch.Name, key)
			}
		}
	case types.ChannelScript:
		if ch.Settings["path"] == "" {
			return errdefs.InvalidConfigurationf("channel %s: script needs a path", ch.Name)
		}
	default:
		return errdefs.InvalidConfigurationf("channel %s: unknown type %q", ch.Name, ch.Type)
	}
	switch ch.MinSeverity {
	case "", types.SeverityInfo, types.SeverityWarning, types.SeverityCritical:
	default:
		return errdefs.InvalidConfigurationf("channel %s: unknown severity %q", ch.Name, ch.MinSeverity)
	}
	return nil
}

// SeedChannels creates the channels declared in configuration. Channels
// that already exist by name are left untouched, so operator edits made
// through the API survive restarts.
func SeedChannels(store storage.Store, cfg config.NotificationsConfig) error {
	for _, cc := range cfg.Channels {
		if _, err := store.GetChannelByName(cc.Name); err == nil {
			continue
		} else if !errdefs.IsNotFound(err) {
			return err
		}
		now := time.Now().UTC()
		ch := &types.NotificationChannel{
			ID:          uuid.New().String(),
			Name:        cc.Name,
			Type:        types.ChannelType(cc.Type),
			Settings:    cc.Settings,
			Enabled:     cc.Enabled,
			MinSeverity: types.AlertSeverity(cc.MinSeverity),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := ValidateChannel(ch); err != nil {
			return err
		}
		if err := store.CreateChannel(ch); err != nil {
			return err
		}
	}
	return nil
}
