package twitch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/streamwatch/stream"
)

// ChatClient adapts a go-twitch-irc connection to the stream.Client
// interface. IRC callbacks are translated into typed events and delivered in
// arrival order on a single channel, which is closed when the connection is
// torn down.
type ChatClient struct {
	channel string
	irc     *twitchirc.Client
	events  chan stream.Event

	connected chan struct{}
	connOnce  sync.Once
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewChatClient builds a client for one channel. With a bot username and user
// OAuth token the connection is authenticated; otherwise it is anonymous
// (read-only).
func NewChatClient(channel, botUsername, oauthToken string) *ChatClient {
	var irc *twitchirc.Client
	if botUsername != "" && oauthToken != "" {
		if !strings.HasPrefix(oauthToken, "oauth:") {
			oauthToken = "oauth:" + oauthToken
		}
		irc = twitchirc.NewClient(botUsername, oauthToken)
	} else {
		irc = twitchirc.NewAnonymousClient()
	}
	c := &ChatClient{
		channel:   channel,
		irc:       irc,
		events:    make(chan stream.Event, 256),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.register()
	return c
}

// register installs the IRC callbacks once, at construction. Dispatch into
// the session happens at a single typed routing point on the consumer side.
func (c *ChatClient) register() {
	c.irc.OnConnect(func() {
		c.emit(stream.Connect{RoomID: c.channel})
		c.connOnce.Do(func() { close(c.connected) })
	})
	c.irc.OnPrivateMessage(func(m twitchirc.PrivateMessage) {
		u := stream.User{ID: m.User.ID, Nickname: m.User.DisplayName}
		c.emit(stream.Comment{User: u, Text: m.Message})
		if m.Bits > 0 {
			c.emit(stream.Gift{User: u, Name: "cheer", RepeatCount: m.Bits})
		}
	})
	c.irc.OnUserNoticeMessage(func(m twitchirc.UserNoticeMessage) {
		u := stream.User{ID: m.User.ID, Nickname: m.User.DisplayName}
		switch m.MsgID {
		case "sub", "resub", "subgift", "anonsubgift":
			c.emit(stream.Gift{User: u, Name: m.MsgID, RepeatCount: 1})
		case "raid":
			viewers, _ := strconv.Atoi(m.MsgParams["msg-param-viewerCount"])
			c.emit(stream.Share{User: u, Target: c.channel, UsersJoined: viewers})
		}
	})
	c.irc.OnUserJoinMessage(func(m twitchirc.UserJoinMessage) {
		c.emit(stream.Join{User: stream.User{Nickname: m.User}, Count: 1})
	})
}

// Connect joins the channel and blocks until the IRC connection is up, the
// connection attempt fails, or ctx expires.
func (c *ChatClient) Connect(ctx context.Context) error {
	c.irc.Join(c.channel)
	errc := make(chan error, 1)
	go func() {
		err := c.irc.Connect()
		// Connect returns when the connection is finally gone. A deliberate
		// Disconnect is the expected exit; anything else is a drop.
		if err != nil && !errors.Is(err, twitchirc.ErrClientDisconnected) {
			c.emit(stream.Disconnect{})
		}
		c.close()
		errc <- err
	}()

	select {
	case <-c.connected:
		return nil
	case err := <-errc:
		if err == nil || errors.Is(err, twitchirc.ErrClientDisconnected) {
			return fmt.Errorf("chat connection closed before joining %s", c.channel)
		}
		return fmt.Errorf("twitch chat connect: %w", err)
	case <-ctx.Done():
		_ = c.irc.Disconnect()
		return ctx.Err()
	}
}

// Disconnect closes the IRC connection and waits (bounded by ctx) for the
// event channel to drain shut.
func (c *ChatClient) Disconnect(ctx context.Context) error {
	err := c.irc.Disconnect()
	if err != nil && errors.Is(err, twitchirc.ErrConnectionIsNotOpen) {
		err = nil
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Events returns the inbound event channel.
func (c *ChatClient) Events() <-chan stream.Event { return c.events }

func (c *ChatClient) emit(ev stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *ChatClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
	close(c.done)
}
