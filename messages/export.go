package messages

import (
	"fmt"
	"strings"
	"time"
)

// ExportOptions are the read-time filters applied to a buffer snapshot.
// Filters run in order: Before/After, hide filters, clearchat-to-notice
// mapping, then Limit (keeping the newest messages).
type ExportOptions struct {
	HideModerationMessages bool
	HideModeratedMessages  bool
	ClearchatToNotice      bool

	// Limit < 0 means unlimited. Limit == 0 yields an empty result.
	Limit int

	// Exclusive millisecond bounds on rm-received-ts; nil means unset.
	Before *int64
	After  *int64
}

// Export applies opts to a snapshot and renders the outgoing raw lines,
// oldest first. Every line carries historical=1 and rm-received-ts; deleted
// messages additionally carry rm-deleted=1.
func Export(snapshot []StoredMessage, opts ExportOptions) []string {
	out := make([]string, 0, len(snapshot))
	for _, m := range snapshot {
		ts := m.TimeReceived.UnixMilli()
		if opts.Before != nil && ts >= *opts.Before {
			continue
		}
		if opts.After != nil && ts <= *opts.After {
			continue
		}
		if opts.HideModeratedMessages && m.Deleted {
			continue
		}
		if opts.HideModerationMessages && (m.Meta.Kind == KindClearChat || m.Meta.Kind == KindClearMsg) {
			continue
		}

		line := m.Source
		if opts.ClearchatToNotice && m.Meta.Kind == KindClearChat {
			line = clearchatNotice(m.Meta)
		}

		var tags strings.Builder
		tags.WriteString("historical=1;rm-received-ts=")
		fmt.Fprintf(&tags, "%d", ts)
		if m.Deleted {
			tags.WriteString(";rm-deleted=1")
		}
		out = append(out, injectTags(line, tags.String()))
	}

	if opts.Limit >= 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

// injectTags adds extra IRCv3 tags to a raw line, preserving the rest of the
// line byte-for-byte.
func injectTags(raw, tags string) string {
	if strings.HasPrefix(raw, "@") {
		if i := strings.Index(raw, " "); i > 0 {
			return raw[:i] + ";" + tags + raw[i:]
		}
	}
	return "@" + tags + " " + raw
}

// clearchatNotice synthesizes the NOTICE replacement line for a CLEARCHAT.
// e.g. @msg-id=rm-timeout :tmi.twitch.tv NOTICE #channel :a_bad_user has been timed out for 5m 2s.
func clearchatNotice(meta Meta) string {
	var text, msgID string
	switch {
	case meta.TargetUserID == "":
		text = "Chat has been cleared by a moderator."
		msgID = "rm-clearchat"
	case meta.BanDuration > 0:
		text = fmt.Sprintf("%s has been timed out for %s.", meta.TargetLogin, formatDuration(time.Duration(meta.BanDuration)*time.Second))
		msgID = "rm-timeout"
	default:
		text = fmt.Sprintf("%s has been permanently banned.", meta.TargetLogin)
		msgID = "rm-permaban"
	}
	return fmt.Sprintf("@msg-id=%s :tmi.twitch.tv NOTICE #%s :%s", msgID, meta.Channel, text)
}

// formatDuration renders a timeout length the way chat clients expect it,
// e.g. "30s", "5m 2s", "1h 30m", "1d".
func formatDuration(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs <= 0 {
		return "0s"
	}
	units := []struct {
		name string
		size int64
	}{
		{"d", 24 * 60 * 60},
		{"h", 60 * 60},
		{"m", 60},
		{"s", 1},
	}
	var parts []string
	for _, u := range units {
		if n := secs / u.size; n > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", n, u.name))
			secs -= n * u.size
		}
	}
	return strings.Join(parts, " ")
}
