package fanout

import (
	"handbook-notifier/pkg/notifier"
)

// Decide applies a member's notification preferences to an event kind.
// Pure: no I/O, no failure modes. An unset preference counts as enabled;
// only an explicit false suppresses a channel.
func Decide(m *notifier.Member, kind notifier.EventKind) notifier.Decision {
	return notifier.Decision{
		UserID:                m.UserID,
		Email:                 m.Email,
		CreateAppNotification: m.Preferences.AppEnabled(kind),
		SendEmail:             m.Preferences.EmailEnabled(kind),
	}
}
