// Package telegram delivers channel posts from the Telegram Bot API as message events.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"channel-recorder/channels"
	"channel-recorder/pkg/recorder"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	sourceName         = "telegram"
	pollTimeoutSeconds = 30
)

var allowedUpdates = []string{
	"channel_post",
	"edited_channel_post",
	"message",
	"edited_message",
}

// Source listens to the configured channels over Bot API long polling.
// The bot must be a member (admin for channels) of every monitored chat.
type Source struct {
	token    string
	registry *channels.Registry
	log      *slog.Logger
}

// New validates configuration and constructs a source.
func New(token string, registry *channels.Registry, log *slog.Logger) (*Source, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	if registry == nil || registry.Len() == 0 {
		return nil, errors.New("no channels configured")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		token:    token,
		registry: registry,
		log:      log.With("component", "source.telegram"),
	}, nil
}

// Name returns the source identifier used in logs.
func (s *Source) Name() string {
	return sourceName
}

// Run connects, resolves channels, and forwards posts until ctx is done or the update stream breaks.
// The handler is called from a single goroutine in delivery order.
func (s *Source) Run(ctx context.Context, handler recorder.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	bot, err := telego.NewBot(s.token, telego.WithLogger(botLogger{log: s.log}))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("get bot identity: %w", err)
	}
	s.log.Info("Connected to Telegram", "bot", me.Username, "bot_id", me.ID)

	chats := s.resolve(ctx, bot)
	if len(chats) == 0 {
		return errors.New("none of the configured channels could be resolved")
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        pollTimeoutSeconds,
		AllowedUpdates: allowedUpdates,
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	s.log.Info("All channels active, waiting for messages", "channels", len(chats))

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			msg := updateMessage(update)
			if msg == nil {
				continue
			}

			alias, known := s.aliasFor(chats, msg.Chat)
			if !known {
				s.log.Debug("Ignoring message from unmonitored chat", "chat_id", msg.Chat.ID, "chat_username", msg.Chat.Username)
				continue
			}

			handler(ctx, toEvent(alias, msg))
		}
	}
}

// resolve maps chat ids to channel aliases. Unreachable channels are skipped.
func (s *Source) resolve(ctx context.Context, bot *telego.Bot) map[int64]string {
	chats := make(map[int64]string, s.registry.Len())
	for _, ch := range s.registry.All() {
		info, err := bot.GetChat(ctx, &telego.GetChatParams{ChatID: chatRef(ch.Ref)})
		if err != nil {
			s.log.Error("Skipping channel: no access", "channel", ch.Alias, "ref", ch.Ref, "error", err)
			continue
		}
		chats[info.ID] = ch.Alias
		s.log.Info("Monitoring channel", "channel", ch.Alias, "ref", ch.Ref, "chat_id", info.ID, "title", info.Title)
	}
	return chats
}

func (s *Source) aliasFor(chats map[int64]string, chat telego.Chat) (string, bool) {
	if alias, ok := chats[chat.ID]; ok {
		return alias, true
	}
	if chat.Username == "" {
		return "", false
	}
	ch, ok := s.registry.ByRef(chat.Username)
	return ch.Alias, ok
}

// chatRef turns a registry ref into a Bot API chat id. Numeric refs such as
// -1001234567890 are ids; anything else is a public username.
func chatRef(ref string) telego.ChatID {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return tu.ID(id)
	}
	return tu.Username("@" + strings.TrimPrefix(ref, "@"))
}

func updateMessage(u telego.Update) *telego.Message {
	switch {
	case u.ChannelPost != nil:
		return u.ChannelPost
	case u.EditedChannelPost != nil:
		return u.EditedChannelPost
	case u.Message != nil:
		return u.Message
	case u.EditedMessage != nil:
		return u.EditedMessage
	default:
		return nil
	}
}

func toEvent(alias string, m *telego.Message) recorder.MessageEvent {
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	ev := recorder.MessageEvent{
		Channel:   alias,
		MessageID: strconv.Itoa(m.MessageID),
		Text:      text,
		Date:      time.Unix(m.Date, 0),
		Source:    recorder.SourceTelegram,
	}
	if m.EditDate != 0 {
		ev.Edited = time.Unix(m.EditDate, 0)
	}
	return ev
}

// botLogger routes telego's internal logs into slog.
type botLogger struct {
	log *slog.Logger
}

func (l botLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l botLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}
