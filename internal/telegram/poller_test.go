package telegram

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/errand-matching/internal/bot"
	"github.com/example/errand-matching/internal/models"
)

func decodeUpdate(t *testing.T, raw string) tgbotapi.Update {
	t.Helper()
	var u tgbotapi.Update
	require.NoError(t, json.Unmarshal([]byte(raw), &u))
	return u
}

func TestEventFromUpdate(t *testing.T) {
	in, ok := eventFromUpdate(decodeUpdate(t, `{"update_id":1,"message":{"message_id":5,"date":1,
		"from":{"id":42,"is_bot":false,"first_name":"Ada"},"chat":{"id":42,"type":"private"},
		"location":{"latitude":6.5,"longitude":3.3}}}`))
	require.True(t, ok)
	assert.Equal(t, "42", in.ev.UserID)
	assert.Equal(t, int64(42), in.chatID)
	assert.Equal(t, &models.Coord{Lat: 6.5, Lon: 3.3}, in.ev.Location)

	in, ok = eventFromUpdate(decodeUpdate(t, `{"update_id":2,"message":{"message_id":6,"date":1,
		"from":{"id":42,"is_bot":false,"first_name":"Ada"},"chat":{"id":42,"type":"private"},
		"caption":"me","photo":[{"file_id":"small","file_unique_id":"s","width":90,"height":90},
		{"file_id":"large","file_unique_id":"l","width":800,"height":800}]}}`))
	require.True(t, ok)
	assert.Equal(t, "large", in.ev.PhotoRef)
	assert.Equal(t, "me", in.ev.Text)

	in, ok = eventFromUpdate(decodeUpdate(t, `{"update_id":3,"message":{"message_id":7,"date":1,
		"from":{"id":42,"is_bot":false,"first_name":"Ada"},"chat":{"id":42,"type":"private"},
		"contact":{"phone_number":"+15551234567","first_name":"Ada"}}}`))
	require.True(t, ok)
	assert.Equal(t, "+15551234567", in.ev.Phone)

	in, ok = eventFromUpdate(decodeUpdate(t, `{"update_id":4,"callback_query":{"id":"cb1",
		"from":{"id":42,"is_bot":false,"first_name":"Ada"},"chat_instance":"x","data":"/accept t1",
		"message":{"message_id":8,"date":1,"chat":{"id":42,"type":"private"},"text":"offer"}}}`))
	require.True(t, ok)
	assert.Equal(t, "cb1", in.callbackID)
	assert.Equal(t, "/accept t1", in.ev.Text)

	_, ok = eventFromUpdate(decodeUpdate(t, `{"update_id":5}`))
	assert.False(t, ok)
}

type fakeAPI struct {
	updates chan tgbotapi.Update

	mu        sync.Mutex
	sent      []string
	callbacks int
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.updates }

func (f *fakeAPI) StopReceivingUpdates() {}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m.Text)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	f.callbacks++
	f.mu.Unlock()
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type echoHandler struct{}

func (echoHandler) HandleEvent(_ context.Context, ev bot.Event) []bot.Reply {
	return []bot.Reply{{Text: ev.UserID + ":" + ev.Text}}
}

func TestPollerRunsUntilCanceled(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update, 4)}
	p := NewPoller(api, echoHandler{}, nil)

	api.updates <- decodeUpdate(t, `{"update_id":1,"message":{"message_id":1,"date":1,
		"from":{"id":7,"is_bot":false,"first_name":"A"},"chat":{"id":7,"type":"private"},"text":"/help"}}`)
	api.updates <- decodeUpdate(t, `{"update_id":2,"callback_query":{"id":"cb","from":{"id":7,"is_bot":false,"first_name":"A"},
		"chat_instance":"x","data":"/decline t9","message":{"message_id":2,"date":1,"chat":{"id":7,"type":"private"}}}}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(api.sentTexts()) == 2 }, time.Second, 5*time.Millisecond)
	// same user, so order is preserved
	assert.Equal(t, []string{"7:/help", "7:/decline t9"}, api.sentTexts())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	assert.Equal(t, 1, api.callbacks)
}

func TestReplyKeyboard(t *testing.T) {
	msg := replyMessage(1, bot.Reply{Text: "pick", Options: []string{"/order", "/errand"}})
	kb, ok := msg.ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	require.True(t, ok)
	assert.Len(t, kb.Keyboard, 2)
	assert.Equal(t, "/order", kb.Keyboard[0][0].Text)
}
