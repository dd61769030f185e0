package domain

import "errors"

// ErrUnknownEntity is returned when a raw entity cannot be classified as a
// private chat, group or channel.
var ErrUnknownEntity = errors.New("unknown chat entity")

// NormalizeChat converts a raw transport entity into a canonical Chat
// record. Users become private chats titled by first name, basic groups
// become groups, and channels split on the megagroup flag.
func NormalizeChat(rc RawChat) (Chat, error) {
	switch rc.Class {
	case PeerUser:
		title := rc.FirstName
		username := rc.Username
		if username == "" {
			username = rc.FirstName
		}
		return Chat{ID: rc.ID, Title: title, Username: username, Kind: KindPrivate}, nil
	case PeerGroup:
		return Chat{ID: rc.ID, Title: rc.Title, Username: usernameOrTitle(rc), Kind: KindGroup}, nil
	case PeerChannel:
		kind := KindChannel
		if rc.Megagroup {
			kind = KindGroup
		}
		return Chat{ID: rc.ID, Title: rc.Title, Username: usernameOrTitle(rc), Kind: kind}, nil
	default:
		return Chat{}, ErrUnknownEntity
	}
}

func usernameOrTitle(rc RawChat) string {
	if rc.Username != "" {
		return rc.Username
	}
	return rc.Title
}
