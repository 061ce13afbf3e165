package twitch

import (
	"fmt"

	"github.com/onnwee/streamwatch/stream"
)

// Dialer builds the chat client and capture for a target.
type Dialer struct {
	BotUsername string // IRC identity when the target carries a user token
	Streamlink  string // capture binary; empty means "streamlink" on PATH
}

func (d *Dialer) Dial(t stream.Target) (stream.Client, stream.Capture, error) {
	login := loginName(t.Login)
	if login == "" {
		return nil, nil, fmt.Errorf("empty login")
	}
	return NewChatClient(login, d.BotUsername, t.SessionID), NewCapture(d.Streamlink, login), nil
}
