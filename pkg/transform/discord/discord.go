// Package discord implements transform.Transformer for discordgo events.
package discord

import (
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/kynetic-ai/kbot/pkg/message"
)

// Transformer converts discordgo.MessageCreate events into
// message.Normalized. Messages authored by BotID (and messages with no
// author) are dropped with ok=false, so the bot's own messages never reach
// the orchestrator.
type Transformer struct {
	BotID string
}

// Transform implements transform.Transformer.
func (t Transformer) Transform(raw any) (message.Normalized, bool) {
	mc, ok := raw.(*discordgo.MessageCreate)
	if !ok || mc == nil || mc.Message == nil {
		return message.Normalized{}, false
	}
	if mc.Author == nil || mc.Author.ID == t.BotID {
		return message.Normalized{}, false
	}

	text := mc.Content
	for _, m := range mc.Mentions {
		text = strings.ReplaceAll(text, "<@"+m.ID+">", "@"+m.Username)
		text = strings.ReplaceAll(text, "<@!"+m.ID+">", "@"+m.Username)
	}

	ts := mc.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	meta := map[string]string{"guildId": mc.GuildID}
	if mc.MessageReference != nil {
		meta["replyToId"] = mc.MessageReference.MessageID
	}

	return message.Normalized{
		ID:      mc.ID,
		Channel: "discord:" + mc.ChannelID,
		Text:    text,
		Sender: message.Sender{
			ID:          mc.Author.ID,
			Platform:    "discord",
			DisplayName: mc.Author.Username,
		},
		Timestamp: ts,
		Metadata:  meta,
	}, true
}
