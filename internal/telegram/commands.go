package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Commands routes slash commands to registered handlers.
type Commands struct {
	bot    *Bot
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]command
}

type command struct {
	description string
	fn          CommandFunc
}

// CommandFunc handles a command and returns the reply text.
type CommandFunc func(ctx context.Context, cc CommandContext) (string, error)

// CommandContext contains command metadata
type CommandContext struct {
	ChatID    int64
	ThreadID  string
	MessageID int
	UserID    int64
	Username  string
	Command   string
	Args      []string
	RawArgs   string
}

// NewCommands creates a new command handler
func NewCommands(bot *Bot) *Commands {
	return &Commands{
		bot:      bot,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]command),
	}
}

// HandleCommand processes incoming commands
func (c *Commands) HandleCommand(ctx context.Context, update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}

	msg := update.Message
	cc := CommandContext{
		ChatID:    msg.Chat.ID,
		ThreadID:  ThreadID(msg.Chat.ID),
		MessageID: msg.MessageID,
		Command:   strings.ToLower(msg.Command()),
		RawArgs:   msg.CommandArguments(),
	}
	cc.Args = strings.Fields(cc.RawArgs)
	if msg.From != nil {
		cc.UserID = msg.From.ID
		cc.Username = msg.From.UserName
	}

	c.logger.Debug().
		Int64("chat_id", cc.ChatID).
		Str("command", cc.Command).
		Strs("args", cc.Args).
		Msg("Command received")

	c.mu.RLock()
	cmd, exists := c.handlers[cc.Command]
	c.mu.RUnlock()

	if !exists {
		return c.bot.SendMessage(cc.ChatID, fmt.Sprintf("Unknown command: /%s", cc.Command), cc.MessageID)
	}

	reply, err := cmd.fn(ctx, cc)
	if err != nil {
		return fmt.Errorf("command /%s: %w", cc.Command, err)
	}
	if reply == "" {
		return nil
	}
	return c.bot.SendMessage(cc.ChatID, reply, cc.MessageID)
}

// Register registers a command handler
func (c *Commands) Register(name, description string, fn CommandFunc) {
	name = strings.ToLower(strings.TrimPrefix(name, "/"))

	c.mu.Lock()
	c.handlers[name] = command{description: description, fn: fn}
	c.mu.Unlock()

	c.logger.Debug().Str("command", name).Msg("Command registered")
}

// Publish sets the bot's command menu in Telegram.
func (c *Commands) Publish() error {
	names := c.Registered()
	if len(names) == 0 {
		return nil
	}

	c.mu.RLock()
	list := make([]tgbotapi.BotCommand, 0, len(names))
	for _, name := range names {
		list = append(list, tgbotapi.BotCommand{Command: name, Description: c.handlers[name].description})
	}
	c.mu.RUnlock()

	if _, err := c.bot.api.Request(tgbotapi.NewSetMyCommands(list...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}

	c.logger.Info().Int("count", len(list)).Msg("Bot commands updated")
	return nil
}

// Registered returns the sorted command names.
func (c *Commands) Registered() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
