package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"wagpt/internal/domain"
)

// connectionEvent translates whatsmeow connection events. ok is false for
// events that are not about the connection.
func connectionEvent(evt any) (domain.ConnectionEvent, bool) {
	switch e := evt.(type) {
	case *events.Connected:
		return domain.ConnectionEvent{State: domain.StateOpen}, true
	case *events.Disconnected:
		return domain.ConnectionEvent{
			State:      domain.StateClosed,
			StatusCode: domain.StatusConnectionClosed,
			Reason:     "connection closed",
		}, true
	case *events.StreamReplaced:
		return domain.ConnectionEvent{
			State:      domain.StateClosed,
			StatusCode: domain.StatusConnectionReplaced,
			Reason:     "connection replaced by another client",
		}, true
	case *events.LoggedOut:
		return domain.ConnectionEvent{
			State:      domain.StateClosed,
			StatusCode: domain.StatusLoggedOut,
			Reason:     fmt.Sprintf("logged out (%v)", e.Reason),
		}, true
	case *events.ConnectFailure:
		return domain.ConnectionEvent{
			State:      domain.StateClosed,
			StatusCode: int(e.Reason),
			Reason:     e.Message,
		}, true
	// whatsmeow drops the socket after these three without a Disconnected.
	case *events.TemporaryBan:
		return domain.ConnectionEvent{
			State:      domain.StateClosed,
			StatusCode: domain.StatusTemporaryBan,
			Reason:     fmt.Sprintf("temporarily banned (%v), expires in %s", e.Code, e.Expire),
			RetryAfter: e.Expire,
		}, true
	case *events.ClientOutdated:
		return domain.ConnectionEvent{
			State:      domain.StateClosed,
			StatusCode: domain.StatusClientOutdated,
			Reason:     "client version rejected as outdated",
		}, true
	case *events.CATRefreshError:
		reason := "client auth token expired"
		if e.Error != nil {
			reason += ": " + e.Error.Error()
		}
		return domain.ConnectionEvent{
			State:      domain.StateClosed,
			StatusCode: domain.StatusCredentialsExpired,
			Reason:     reason,
		}, true
	}
	return domain.ConnectionEvent{}, false
}

// qrEvent translates one item of the pairing QR channel.
func qrEvent(item whatsmeow.QRChannelItem) (domain.ConnectionEvent, bool) {
	switch item.Event {
	case "code":
		return domain.ConnectionEvent{State: domain.StateConnecting, PairingCode: item.Code}, true
	case "success":
		return domain.ConnectionEvent{}, false
	case "timeout":
		return domain.ConnectionEvent{
			State:      domain.StateClosed,
			StatusCode: domain.StatusConnectionLost,
			Reason:     "pairing QR code timed out",
		}, true
	case "error":
		reason := "pairing failed"
		if item.Error != nil {
			reason = "pairing failed: " + item.Error.Error()
		}
		return domain.ConnectionEvent{State: domain.StateClosed, StatusCode: domain.StatusBadSession, Reason: reason}, true
	default:
		return domain.ConnectionEvent{
			State:      domain.StateClosed,
			StatusCode: domain.StatusBadSession,
			Reason:     "pairing failed: " + item.Event,
		}, true
	}
}

// inboundMessage extracts the relay view of a delivered message. Replies go
// to the chat, which for direct messages is the sender.
func inboundMessage(e *events.Message) domain.InboundMessage {
	msg := domain.InboundMessage{
		ID:         string(e.Info.ID),
		SenderID:   e.Info.Chat.String(),
		PushName:   e.Info.PushName,
		IsFromSelf: e.Info.IsFromMe,
		Timestamp:  e.Info.Timestamp,
	}
	if m := e.Message; m != nil {
		msg.Conversation = m.GetConversation()
		msg.ExtendedText = m.GetExtendedTextMessage().GetText()
	}
	return msg
}
