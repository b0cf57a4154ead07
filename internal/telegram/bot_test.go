package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/threadkeeper/pkg/channels"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	sendErr  error

	updates  chan tgbotapi.Update
	stopOnce sync.Once
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.stopOnce.Do(func() { close(f.updates) })
}

func (f *fakeAPI) Sent() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tgbotapi.MessageConfig, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeAPI) Requests() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tgbotapi.Chattable, len(f.requests))
	copy(out, f.requests)
	return out
}

var testSelf = tgbotapi.User{ID: 123456789, UserName: "testbot", IsBot: true}

func createTestBot(t *testing.T, cfg Config) (*Bot, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	return newBot(api, testSelf, cfg, zerolog.Nop()), api
}

func textUpdate(chatID, userID int64, chatType, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: 1,
		Message: &tgbotapi.Message{
			MessageID: 7,
			From:      &tgbotapi.User{ID: userID, UserName: "testuser"},
			Chat:      &tgbotapi.Chat{ID: chatID, Type: chatType},
			Text:      text,
			Date:      int(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()),
		},
	}
}

func TestThreadIDRoundTrip(t *testing.T) {
	id := ThreadID(-100123)
	assert.Equal(t, "telegram:-100123", id)

	chat, err := ChatID(id)
	require.NoError(t, err)
	assert.Equal(t, int64(-100123), chat)

	chat, err = ChatID("telegram:42:7")
	require.NoError(t, err)
	assert.Equal(t, int64(42), chat)

	_, err = ChatID("gateway:42")
	assert.Error(t, err)
	_, err = ChatID("telegram:abc")
	assert.Error(t, err)
}

func TestBot_Name(t *testing.T) {
	bot, _ := createTestBot(t, Config{})
	assert.Equal(t, "telegram", bot.Name())
}

func TestBot_Send(t *testing.T) {
	bot, api := createTestBot(t, Config{})

	require.NoError(t, bot.Send(context.Background(), "telegram:42", "are you still there?"))

	sent := api.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(42), sent[0].ChatID)
	assert.Equal(t, "are you still there?", sent[0].Text)
	assert.Zero(t, sent[0].ReplyToMessageID)

	assert.Error(t, bot.Send(context.Background(), "gateway:x", "hi"))
}

func TestBot_SendError(t *testing.T) {
	bot, api := createTestBot(t, Config{})
	api.sendErr = errors.New("forbidden: bot was blocked by the user")

	err := bot.Send(context.Background(), "telegram:42", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestBot_SendSplitsLongText(t *testing.T) {
	bot, api := createTestBot(t, Config{})
	text := strings.Repeat("a", maxMessageLength) + "\n" + "tail"

	require.NoError(t, bot.SendMessage(42, text, 9))

	sent := api.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, 9, sent[0].ReplyToMessageID)
	assert.Zero(t, sent[1].ReplyToMessageID)
	assert.Equal(t, "tail", sent[1].Text)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	parts := splitMessage("line one\nline two\nline three", 12)
	assert.Equal(t, []string{"line one", "line two", "line three"}, parts)

	parts = splitMessage("ééééé", 4)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 4)
	}
	assert.Equal(t, "ééééé", strings.Join(parts, ""))
}

func TestBot_StartDispatchStop(t *testing.T) {
	bot, api := createTestBot(t, Config{})

	var (
		mu  sync.Mutex
		got []channels.InboundMessage
	)
	dispatch := func(_ context.Context, msg channels.InboundMessage) (string, error) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return "hello back", nil
	}

	require.NoError(t, bot.Start(context.Background(), dispatch))
	assert.True(t, bot.IsRunning())
	assert.Error(t, bot.Start(context.Background(), dispatch))

	api.updates <- textUpdate(42, 1001, "private", "hello")

	require.Eventually(t, func() bool { return len(api.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bot.Stop(ctx))
	assert.False(t, bot.IsRunning())
	assert.NoError(t, bot.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "telegram", got[0].Channel)
	assert.Equal(t, "telegram:42", got[0].ThreadID)
	assert.Equal(t, "42", got[0].ChannelID)
	assert.Equal(t, "1001", got[0].AuthorID)
	assert.Equal(t, "hello", got[0].Text)

	sent := api.Sent()
	assert.Equal(t, "hello back", sent[0].Text)
	assert.Equal(t, 7, sent[0].ReplyToMessageID)
}

func TestBot_StartRequiresDispatch(t *testing.T) {
	bot, _ := createTestBot(t, Config{})
	assert.Error(t, bot.Start(context.Background(), nil))
}

func TestBot_Allowlist(t *testing.T) {
	bot, api := createTestBot(t, Config{Allowlist: []int64{42}})

	calls := 0
	dispatch := func(context.Context, channels.InboundMessage) (string, error) {
		calls++
		return "ok", nil
	}
	bot.dispatch = dispatch

	require.NoError(t, bot.handleUpdate(context.Background(), textUpdate(99, 1, "private", "hi")))
	assert.Equal(t, 0, calls)

	require.NoError(t, bot.handleUpdate(context.Background(), textUpdate(42, 1, "private", "hi")))
	assert.Equal(t, 1, calls)
	assert.Len(t, api.Sent(), 1)
}

func TestBot_DispatchErrorIsReturned(t *testing.T) {
	bot, api := createTestBot(t, Config{})
	bot.dispatch = func(context.Context, channels.InboundMessage) (string, error) {
		return "", errors.New("pipeline down")
	}

	err := bot.handleUpdate(context.Background(), textUpdate(42, 1, "private", "hi"))
	assert.Error(t, err)
	assert.Empty(t, api.Sent())
}

func TestBot_PublishesCommandsOnStart(t *testing.T) {
	bot, api := createTestBot(t, Config{})
	bot.Commands().Register("status", "Show session counts", func(context.Context, CommandContext) (string, error) {
		return "", nil
	})

	require.NoError(t, bot.Start(context.Background(), func(context.Context, channels.InboundMessage) (string, error) {
		return "", nil
	}))
	defer bot.Stop(context.Background())

	var published *tgbotapi.SetMyCommandsConfig
	for _, r := range api.Requests() {
		if cfg, ok := r.(tgbotapi.SetMyCommandsConfig); ok {
			published = &cfg
		}
	}
	require.NotNil(t, published)
	require.Len(t, published.Commands, 1)
	assert.Equal(t, "status", published.Commands[0].Command)
}
