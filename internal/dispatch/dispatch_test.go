package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	got []Message
	err error
}

func (r *recordingSink) Notify(_ context.Context, _ string, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func TestFanoutDeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("boom")}
	offline := &recordingSink{err: ErrNoSession}
	f := NewFanout(zap.NewNop(), Named{Name: "ok", Notifier: ok}, Named{Name: "offline", Notifier: offline})
	f.Add("bad", bad)

	err := f.Notify(context.Background(), "u1", Message{Kind: KindInfo, Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
}

func TestFanoutAllOffline(t *testing.T) {
	f := NewFanout(nil, Named{Name: "ws", Notifier: &recordingSink{err: ErrNoSession}})
	err := f.Notify(context.Background(), "u1", Message{})
	assert.ErrorIs(t, err, ErrNoSession)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaNotifierKeysByUser(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaNotifier{writer: w}
	require.NoError(t, k.Notify(context.Background(), "u7", Message{Kind: KindOffer, Data: map[string]string{"task_id": "t1"}}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u7", string(w.msgs[0].Key))

	var env kafkaEnvelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, "t1", env.Message.Data["task_id"])
}

type fakeSender struct {
	sent []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func TestTelegramNotifierOfferHasButtons(t *testing.T) {
	s := &fakeSender{}
	n := NewTelegramNotifier(s)
	require.NoError(t, n.Notify(context.Background(), "12345", Message{Kind: KindOffer, Text: "new order", Data: map[string]string{"task_id": "t1"}}))
	require.Len(t, s.sent, 1)
	cfg, ok := s.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, "new order", cfg.Text)
	kb, ok := cfg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard[0], 2)

	err := n.Notify(context.Background(), "not-a-chat", Message{Text: "x"})
	assert.Error(t, err)
}

func TestPushNotifier(t *testing.T) {
	var got pushPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.UserID == "fail" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL)
	require.NoError(t, p.Notify(context.Background(), "u1", Message{Kind: KindTaskAssigned, Text: "assigned"}))
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, KindTaskAssigned, got.Message.Kind)
	assert.Error(t, p.Notify(context.Background(), "fail", Message{}))
}

func TestWSRegistryDelivers(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("u1", conn)
	}))
	defer srv.Close()

	assert.ErrorIs(t, reg.Notify(context.Background(), "u1", Message{}), ErrNoSession)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return reg.Connected("u1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, reg.Notify(context.Background(), "u1", Message{Kind: KindInfo, Text: "hello"}))

	var msg Message
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, client.ReadJSON(&msg))
	assert.Equal(t, "hello", msg.Text)
}
