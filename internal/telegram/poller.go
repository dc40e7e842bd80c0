package telegram

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
	"go.uber.org/zap"

	"github.com/example/errand-matching/internal/bot"
	"github.com/example/errand-matching/internal/models"
)

// API is the part of *tgbotapi.BotAPI the poller uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type EventHandler interface {
	HandleEvent(ctx context.Context, ev bot.Event) []bot.Reply
}

// Connect authorises the token and drops any webhook so long polling works.
func Connect(token string, logger *zap.Logger) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not provided")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot api: %w", err)
	}
	if _, err := api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: false}); err != nil {
		logger.Warn("delete webhook", zap.Error(err))
	}
	logger.Info("telegram authorised", zap.String("username", api.Self.UserName))
	return api, nil
}

// Poller long-polls updates and feeds them to the handler. Updates are
// sharded by user so each user's messages are handled in order.
type Poller struct {
	api     API
	handler EventHandler
	logger  *zap.Logger
	shards  int
	timeout int
}

func NewPoller(api API, handler EventHandler, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{api: api, handler: handler, logger: logger, shards: 16, timeout: 60}
}

type inbound struct {
	ev         bot.Event
	chatID     int64
	callbackID string
}

// Run blocks until ctx is done, then drains in-flight updates.
func (p *Poller) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = p.timeout
	updates := p.api.GetUpdatesChan(u)

	queues := make([]chan inbound, p.shards)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan inbound, 64)
		wg.Add(1)
		go func(q <-chan inbound) {
			defer wg.Done()
			for in := range q {
				p.handle(ctx, in)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	p.logger.Info("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			p.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			in, ok := eventFromUpdate(update)
			if !ok {
				continue
			}
			select {
			case queues[shard(in.ev.UserID, p.shards)] <- in:
			case <-ctx.Done():
				p.api.StopReceivingUpdates()
				return nil
			}
		}
	}
}

func shard(userID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}

func (p *Poller) handle(ctx context.Context, in inbound) {
	if in.callbackID != "" {
		// stop the client spinner; the real answer follows as a message
		if _, err := p.api.Request(tgbotapi.NewCallback(in.callbackID, "")); err != nil {
			p.logger.Debug("answer callback", zap.Error(err))
		}
	}
	for _, r := range p.handler.HandleEvent(ctx, in.ev) {
		if _, err := p.api.Send(replyMessage(in.chatID, r)); err != nil {
			p.logger.Warn("telegram send failed", zap.String("user_id", in.ev.UserID), zap.Error(err))
		}
	}
}

func replyMessage(chatID int64, r bot.Reply) tgbotapi.MessageConfig {
	msg := tgbotapi.NewMessage(chatID, r.Text)
	if len(r.Options) > 0 {
		var rows [][]tgbotapi.KeyboardButton
		for _, opt := range r.Options {
			rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(opt)))
		}
		kb := tgbotapi.NewReplyKeyboard(rows...)
		kb.OneTimeKeyboard = true
		msg.ReplyMarkup = kb
	}
	return msg
}

// eventFromUpdate maps a message or button press to a bot event. Updates
// with no sender (channel posts, edits) are skipped.
func eventFromUpdate(update tgbotapi.Update) (inbound, bool) {
	from := update.SentFrom()
	chat := update.FromChat()
	if from == nil || chat == nil {
		return inbound{}, false
	}
	in := inbound{chatID: chat.ID, ev: bot.Event{UserID: strconv.FormatInt(from.ID, 10)}}

	switch {
	case update.CallbackQuery != nil:
		in.callbackID = update.CallbackQuery.ID
		in.ev.Text = update.CallbackQuery.Data
	case update.Message != nil:
		m := update.Message
		in.ev.Text = m.Text
		if m.Text == "" {
			in.ev.Text = m.Caption
		}
		if m.Location != nil {
			in.ev.Location = &models.Coord{Lat: m.Location.Latitude, Lon: m.Location.Longitude}
		}
		if len(m.Photo) > 0 {
			// largest size is last
			in.ev.PhotoRef = m.Photo[len(m.Photo)-1].FileID
		}
		if m.Contact != nil {
			in.ev.Phone = m.Contact.PhoneNumber
		}
	default:
		return inbound{}, false
	}
	return in, true
}
