// Package discord implements channel.Adapter on top of bwmarrin/discordgo.
// It owns no agent-facing tool surface — it is pure transport, matching
// the orchestrator's channel/transform separation.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/kynetic-ai/kbot/pkg/channel"
	"github.com/kynetic-ai/kbot/pkg/logger"
	"github.com/kynetic-ai/kbot/pkg/message"
	transformdiscord "github.com/kynetic-ai/kbot/pkg/transform/discord"
)

// Adapter binds a single Discord bot session.
type Adapter struct {
	token   string
	session *discordgo.Session
}

// New creates an Adapter for the given bot token. The session is opened on
// Connect, not here, so construction never fails.
func New(token string) *Adapter {
	return &Adapter{token: token}
}

// Platform implements channel.Adapter.
func (a *Adapter) Platform() string { return "discord" }

// Connect implements channel.Adapter: opens a gateway session, registers
// onMessage against MessageCreate, and blocks until ctx is canceled or the
// session errors.
func (a *Adapter) Connect(ctx context.Context, onMessage func(message.Normalized)) error {
	sess, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord: new session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	xform := transformdiscord.Transformer{BotID: sess.State.User.ID}
	removeHandler := sess.AddHandler(func(s *discordgo.Session, mc *discordgo.MessageCreate) {
		xform.BotID = s.State.User.ID
		n, ok := xform.Transform(mc)
		if !ok {
			return
		}
		onMessage(n)
	})
	defer removeHandler()

	if err := sess.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	a.session = sess
	logger.InfoCF("channel.discord", "gateway session opened", nil)

	<-ctx.Done()
	_ = sess.Close()
	a.session = nil
	return ctx.Err()
}

// Send implements channel.Adapter. channelID is expected in the
// "discord:<id>" form message.Normalized.Channel uses; the prefix is
// stripped before calling the API.
func (a *Adapter) Send(ctx context.Context, out channel.Outbound) (channel.SendResult, error) {
	if a.session == nil {
		return channel.SendResult{}, fmt.Errorf("discord: send before connect")
	}
	channelID := stripPrefix(out.ChannelID)

	if out.EditOf != "" {
		msg, err := a.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
			ID:      out.EditOf,
			Channel: channelID,
			Content: &out.Text,
		})
		if err != nil {
			return channel.SendResult{}, fmt.Errorf("discord: edit message: %w", err)
		}
		return channel.SendResult{MessageID: msg.ID}, nil
	}

	msg, err := a.session.ChannelMessageSend(channelID, out.Text)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("discord: send message: %w", err)
	}
	return channel.SendResult{MessageID: msg.ID}, nil
}

// SendTyping implements channel.Adapter using discordgo's typing-indicator
// endpoint.
func (a *Adapter) SendTyping(ctx context.Context, channelID string) error {
	if a.session == nil {
		return fmt.Errorf("discord: send typing before connect")
	}
	return a.session.ChannelTyping(stripPrefix(channelID))
}

// Close implements channel.Adapter.
func (a *Adapter) Close() error {
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

func stripPrefix(ch string) string {
	const prefix = "discord:"
	if len(ch) > len(prefix) && ch[:len(prefix)] == prefix {
		return ch[len(prefix):]
	}
	return ch
}
