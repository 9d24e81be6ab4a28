// Package messages implements the per-channel message store: classification of
// raw IRC lines, the bounded time-window buffer, and the export pipeline that
// turns stored lines into the outgoing historical messages.
package messages

import (
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Kind identifies the IRC command of a stored message.
type Kind int

const (
	KindPrivmsg Kind = iota
	KindClearChat
	KindClearMsg
	KindUserNotice
	KindNotice
	KindRoomState
)

// ignoredNoticeIDs are NOTICE msg-ids that are never retained.
var ignoredNoticeIDs = map[string]struct{}{
	"no_permission":            {},
	"host_on":                  {},
	"host_off":                 {},
	"host_target_went_offline": {},
	"msg_channel_suspended":    {},
}

// Meta is what the store needs to know about a raw line beyond its bytes:
// which command it was, who sent it, and what a moderation message targets.
type Meta struct {
	Kind    Kind
	Channel string

	// PRIVMSG / USERNOTICE
	SenderID string
	MsgID    string

	// CLEARCHAT: TargetUserID empty means the entire chat was cleared.
	// BanDuration is in seconds; 0 with a target means a permanent ban.
	TargetUserID string
	TargetLogin  string
	BanDuration  int

	// CLEARMSG
	TargetMsgID string
}

// StoredMessage is a raw IRC line as received, annotated with the reception
// timestamp and the post-hoc moderation-deletion flag.
type StoredMessage struct {
	TimeReceived time.Time
	Source       string
	Deleted      bool
	Meta         Meta
}

// Classify parses a raw IRC line and decides whether it is retained.
// Only PRIVMSG, CLEARCHAT, CLEARMSG, USERNOTICE, NOTICE and ROOMSTATE are
// kept; NOTICEs with an ignored msg-id are dropped.
func Classify(raw string) (Meta, bool) {
	switch m := twitch.ParseMessage(raw).(type) {
	case *twitch.PrivateMessage:
		return Meta{Kind: KindPrivmsg, Channel: m.Channel, SenderID: m.User.ID, MsgID: m.ID}, true
	case *twitch.UserNoticeMessage:
		return Meta{Kind: KindUserNotice, Channel: m.Channel, SenderID: m.User.ID, MsgID: m.ID}, true
	case *twitch.ClearChatMessage:
		return Meta{
			Kind:         KindClearChat,
			Channel:      m.Channel,
			TargetUserID: m.TargetUserID,
			TargetLogin:  m.TargetUsername,
			BanDuration:  m.BanDuration,
		}, true
	case *twitch.ClearMessage:
		return Meta{Kind: KindClearMsg, Channel: m.Channel, TargetMsgID: m.TargetMsgID}, true
	case *twitch.NoticeMessage:
		if _, ignored := ignoredNoticeIDs[m.MsgID]; ignored {
			return Meta{}, false
		}
		return Meta{Kind: KindNotice, Channel: m.Channel}, true
	case *twitch.RoomStateMessage:
		return Meta{Kind: KindRoomState, Channel: m.Channel}, true
	default:
		return Meta{}, false
	}
}
