package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"homework_bot/internal/model"
)

const (
	statusLeft   = "left"
	statusKicked = "kicked"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot delivers reminders to Telegram chats and reports chats the bot was
// removed from.
type Bot struct {
	api      telegramAPI
	log      *slog.Logger
	limiter  *rate.Limiter
	removals chan model.ChannelRemoved
}

// New creates a Bot with the given Telegram token. sendRate caps outgoing
// messages per second.
func New(token string, sendRate float64, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log.Info("authorized on telegram", "username", api.Self.UserName)
	return newBot(api, sendRate, log), nil
}

func newBot(api telegramAPI, sendRate float64, log *slog.Logger) *Bot {
	return &Bot{
		api:      api,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(sendRate), 1),
		removals: make(chan model.ChannelRemoved, 16),
	}
}

// Removals returns the channel on which chats the bot left or was kicked
// from are reported. It is closed when Run returns.
func (b *Bot) Removals() <-chan model.ChannelRemoved {
	return b.removals
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
// Only membership changes of the bot itself are requested.
func (b *Bot) Run(ctx context.Context) {
	defer close(b.removals)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{tgbotapi.UpdateTypeMyChatMember}

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.MyChatMember == nil {
				continue
			}
			b.handleMembership(ctx, update.MyChatMember)
		}
	}
}

func (b *Bot) handleMembership(ctx context.Context, m *tgbotapi.ChatMemberUpdated) {
	status := m.NewChatMember.Status
	b.log.Debug("membership changed", "channel_id", m.Chat.ID, "status", status)
	if status != statusLeft && status != statusKicked {
		return
	}

	select {
	case b.removals <- model.ChannelRemoved{ChannelID: m.Chat.ID}:
	case <-ctx.Done():
	}
}

// SendNotification renders a reminder and sends it to its chat. It returns
// an error wrapping model.ErrChannelNotFound when Telegram reports the chat
// as gone or the bot as no longer allowed to post there.
func (b *Bot) SendNotification(ctx context.Context, r model.Reminder) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	msg := tgbotapi.NewMessage(r.ChannelID, FormatReminder(r))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := b.api.Send(msg); err != nil {
		if isChannelGone(err) {
			return fmt.Errorf("send to %d: %w: %v", r.ChannelID, model.ErrChannelNotFound, err)
		}
		return fmt.Errorf("send to %d: %w", r.ChannelID, err)
	}
	return nil
}

func isChannelGone(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	desc := strings.ToLower(apiErr.Message)
	switch apiErr.Code {
	case http.StatusBadRequest:
		return strings.Contains(desc, "chat not found")
	case http.StatusForbidden:
		return strings.Contains(desc, "kicked") ||
			strings.Contains(desc, "not a member") ||
			strings.Contains(desc, "blocked by the user") ||
			strings.Contains(desc, "chat was deleted")
	}
	return false
}
