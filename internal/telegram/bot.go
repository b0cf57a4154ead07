package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/threadkeeper/pkg/channels"
	"github.com/rs/zerolog"
)

// ChannelName prefixes every thread id produced by the bot.
const ChannelName = "telegram"

// maxMessageLength is Telegram's limit for a single text message.
const maxMessageLength = 4096

// botAPI is the subset of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Config holds the bot settings.
type Config struct {
	BotToken string
	// Allowlist restricts the chats the bot answers. Empty allows all.
	Allowlist []int64
}

// Bot is a Telegram chat channel. Each chat is one conversation thread.
type Bot struct {
	api    botAPI
	self   tgbotapi.User
	logger zerolog.Logger

	allow map[int64]bool

	handler  *Handler
	commands *Commands

	mu       sync.Mutex
	running  bool
	dispatch channels.DispatchFunc
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ channels.Channel = (*Bot)(nil)

// New authenticates against the Bot API and creates the channel.
func New(cfg Config, logger zerolog.Logger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := newBot(api, api.Self, cfg, logger)

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

func newBot(api botAPI, self tgbotapi.User, cfg Config, logger zerolog.Logger) *Bot {
	b := &Bot{
		api:    api,
		self:   self,
		logger: logger.With().Str("component", "telegram").Logger(),
		allow:  make(map[int64]bool, len(cfg.Allowlist)),
	}
	for _, id := range cfg.Allowlist {
		b.allow[id] = true
	}
	b.handler = NewHandler(b)
	b.commands = NewCommands(b)
	return b
}

// Name returns the channel name.
func (b *Bot) Name() string {
	return ChannelName
}

// Commands returns the command registry so callers can add commands
// before Start.
func (b *Bot) Commands() *Commands {
	return b.commands
}

// Start begins long polling and hands messages to dispatch.
func (b *Bot) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	b.logger.Info().Msg("Starting Telegram bot")

	if err := b.commands.Publish(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to publish bot commands")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.dispatch = dispatch
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.processUpdates(runCtx, updates, b.done)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops polling and waits for in-flight updates to finish.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping Telegram bot")

	b.api.StopReceivingUpdates()
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// IsRunning returns whether the bot is polling.
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := b.handleUpdate(ctx, update); err != nil {
				b.logger.Error().
					Err(err).
					Int("update_id", update.UpdateID).
					Msg("Failed to handle update")
			}
		}
	}
}

// handleUpdate routes an update to the command or message handler.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return nil
	}

	if !b.allowed(msg.Chat.ID) {
		b.logger.Debug().Int64("chat_id", msg.Chat.ID).Msg("Ignoring chat outside allowlist")
		return nil
	}

	if msg.IsCommand() {
		return b.commands.HandleCommand(ctx, update)
	}

	b.mu.Lock()
	dispatch := b.dispatch
	b.mu.Unlock()
	if dispatch == nil {
		return fmt.Errorf("bot is not started")
	}
	return b.handler.HandleMessage(ctx, update, dispatch)
}

func (b *Bot) allowed(chatID int64) bool {
	return len(b.allow) == 0 || b.allow[chatID]
}

// Send delivers text to the chat named by threadID ("telegram:<chat id>").
func (b *Bot) Send(_ context.Context, threadID, text string) error {
	chatID, err := ChatID(threadID)
	if err != nil {
		return err
	}
	return b.SendMessage(chatID, text, 0)
}

// SendMessage sends text to a chat, split into several messages when it
// exceeds the Telegram limit. Only the first part replies to replyTo.
func (b *Bot) SendMessage(chatID int64, text string, replyTo int) error {
	for i, part := range splitMessage(text, maxMessageLength) {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && replyTo != 0 {
			msg.ReplyToMessageID = replyTo
		}
		if _, err := b.api.Send(msg); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("reply_to", replyTo).
		Msg("Message sent")

	return nil
}

// SendTyping shows the typing indicator in a chat.
func (b *Bot) SendTyping(chatID int64) error {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := b.api.Request(action); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

// ThreadID returns the thread id of a chat.
func ThreadID(chatID int64) string {
	return channels.ThreadID(ChannelName, strconv.FormatInt(chatID, 10))
}

// ChatID parses the chat id back out of a thread id.
func ChatID(threadID string) (int64, error) {
	name, local := channels.SplitThreadID(threadID)
	if name != ChannelName {
		return 0, fmt.Errorf("thread %q does not belong to telegram", threadID)
	}
	chat, _, _ := strings.Cut(local, ":")
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram thread %q: %w", threadID, err)
	}
	return chatID, nil
}

// messageTime converts a Telegram unix date.
func messageTime(date int) time.Time {
	return time.Unix(int64(date), 0).UTC()
}
