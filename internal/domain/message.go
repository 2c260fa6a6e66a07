package domain

import "time"

// InboundMessage is a single delivered chat message as seen by the relay.
// Conversation and ExtendedText are both empty for non-text payloads
// (media, reactions, protocol messages).
type InboundMessage struct {
	ID           string
	SenderID     string // chat to reply to (JID for WhatsApp, chat ID for Telegram)
	PushName     string
	IsFromSelf   bool
	Conversation string // plain text body
	ExtendedText string // text of quoted/reply style messages
	Timestamp    time.Time
}

// Text returns the plain text if present, otherwise the extended text.
// ok is false when the message carries no text at all.
func (m InboundMessage) Text() (text string, ok bool) {
	if m.Conversation != "" {
		return m.Conversation, true
	}
	if m.ExtendedText != "" {
		return m.ExtendedText, true
	}
	return "", false
}

type OutboundReply struct {
	RecipientID string
	Text        string
}
