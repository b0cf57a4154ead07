package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/threadkeeper/pkg/channels"
	"github.com/rs/zerolog"
)

// Handler turns chat messages into inbound messages and replies with
// whatever the pipeline returns.
type Handler struct {
	bot    *Bot
	logger zerolog.Logger
}

// MessageContext contains message metadata
type MessageContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Text      string
	Timestamp time.Time
	IsGroup   bool
	IsMention bool
	IsReply   bool // reply to one of the bot's messages
}

// NewHandler creates a new message handler
func NewHandler(bot *Bot) *Handler {
	return &Handler{
		bot:    bot,
		logger: bot.logger.With().Str("module", "handler").Logger(),
	}
}

// Parse extracts the message context from an update. ok is false for
// updates that carry no text.
func (h *Handler) Parse(update tgbotapi.Update) (MessageContext, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return MessageContext{}, false
	}

	mc := MessageContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      strings.TrimSpace(ParseCaption(msg)),
		Timestamp: messageTime(msg.Date),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}
	if msg.From != nil {
		mc.UserID = msg.From.ID
		mc.Username = msg.From.UserName
	}

	if mc.IsGroup {
		mc.IsMention = h.isMentioned(msg)
		if mc.IsMention {
			mc.Text = strings.TrimSpace(strings.ReplaceAll(mc.Text, "@"+h.bot.self.UserName, ""))
		}
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil && reply.From.ID == h.bot.self.ID {
		mc.IsReply = true
	}

	return mc, mc.Text != ""
}

// HandleMessage dispatches a text message and sends the reply. In groups
// the bot only answers when mentioned or replied to.
func (h *Handler) HandleMessage(ctx context.Context, update tgbotapi.Update, dispatch channels.DispatchFunc) error {
	mc, ok := h.Parse(update)
	if !ok {
		return nil
	}
	if mc.IsGroup && !mc.IsMention && !mc.IsReply {
		return nil
	}

	h.logger.Debug().
		Int64("chat_id", mc.ChatID).
		Int64("user_id", mc.UserID).
		Str("username", mc.Username).
		Bool("is_group", mc.IsGroup).
		Bool("is_mention", mc.IsMention).
		Msg("Message received")

	if err := h.bot.SendTyping(mc.ChatID); err != nil {
		h.logger.Debug().Err(err).Msg("Typing indicator failed")
	}

	reply, err := dispatch(ctx, h.Inbound(mc))
	if err != nil {
		return err
	}
	if reply == "" {
		return nil
	}
	return h.bot.SendMessage(mc.ChatID, reply, mc.MessageID)
}

// Inbound converts a message context into the channel-neutral form.
func (h *Handler) Inbound(mc MessageContext) channels.InboundMessage {
	chat := strconv.FormatInt(mc.ChatID, 10)
	return channels.InboundMessage{
		Channel:   ChannelName,
		ThreadID:  ThreadID(mc.ChatID),
		ChannelID: chat,
		AuthorID:  strconv.FormatInt(mc.UserID, 10),
		Text:      mc.Text,
		Metadata: map[string]interface{}{
			"message_id": mc.MessageID,
			"username":   mc.Username,
			"is_group":   mc.IsGroup,
			"sent_at":    mc.Timestamp,
		},
	}
}

// isMentioned checks if the bot is mentioned in a message
func (h *Handler) isMentioned(msg *tgbotapi.Message) bool {
	text := msg.Text
	entities := msg.Entities
	if text == "" {
		text = msg.Caption
		entities = msg.CaptionEntities
	}

	for _, entity := range entities {
		if entity.Type != "mention" {
			continue
		}
		end := entity.Offset + entity.Length
		if entity.Offset < 0 || end > len(text) {
			continue
		}
		if strings.EqualFold(text[entity.Offset:end], "@"+h.bot.self.UserName) {
			return true
		}
	}

	return false
}

// ParseCaption extracts caption from a message
func ParseCaption(msg *tgbotapi.Message) string {
	if msg.Caption != "" {
		return msg.Caption
	}
	return msg.Text
}

// splitMessage breaks text into parts of at most limit bytes, preferring
// line breaks and never splitting a UTF-8 sequence.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
