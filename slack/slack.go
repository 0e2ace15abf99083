// Package slack delivers channel messages from Slack socket mode as message events.
package slack

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

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const sourceName = "slack"

// Subtypes carrying a new visible message. Joins, topic changes and deletes are ignored.
var newMessageSubtypes = map[string]bool{
	"":                 true,
	"bot_message":      true,
	"file_share":       true,
	"thread_broadcast": true,
}

// Source listens to the configured Slack channels. Registry refs are channel ids.
type Source struct {
	botToken string
	appToken string
	registry *channels.Registry
	log      *slog.Logger
}

// New validates configuration and constructs a source.
func New(botToken, appToken string, registry *channels.Registry, log *slog.Logger) (*Source, error) {
	botToken = strings.TrimSpace(botToken)
	appToken = strings.TrimSpace(appToken)
	if botToken == "" {
		return nil, errors.New("SLACK_BOT_TOKEN is required")
	}
	if !strings.HasPrefix(appToken, "xapp-") {
		return nil, errors.New("SLACK_APP_TOKEN must be an app-level token (xapp-...)")
	}
	if registry == nil || registry.Len() == 0 {
		return nil, errors.New("no channels configured")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		botToken: botToken,
		appToken: appToken,
		registry: registry,
		log:      log.With("component", "source.slack"),
	}, nil
}

// Name returns the source identifier used in logs.
func (s *Source) Name() string {
	return sourceName
}

// Run connects over socket mode and forwards channel messages until ctx is done or the connection fails.
// The handler is called from a single goroutine in delivery order.
func (s *Source) Run(ctx context.Context, handler recorder.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	apiLog := &logAdapter{log: s.log.With("component", "slack-api")}
	api := slack.New(s.botToken,
		slack.OptionAppLevelToken(s.appToken),
		slack.OptionLog(apiLog),
	)

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("auth test failed: %w", err)
	}
	s.log.Info("Connected to Slack", "team", auth.Team, "bot_user", auth.User, "channels", s.registry.Len())

	client := socketmode.New(api, socketmode.OptionLog(apiLog))

	runErr := make(chan error, 1)
	go func() {
		runErr <- client.RunContext(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("connection closed")
			}
			return fmt.Errorf("slack socket mode: %w", err)
		case evt, ok := <-client.Events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("slack events channel closed")
			}

			switch evt.Type {
			case socketmode.EventTypeConnecting:
				s.log.Info("socketmode: connecting")
			case socketmode.EventTypeConnected:
				s.log.Info("socketmode: connected")
			case socketmode.EventTypeConnectionError:
				s.log.Warn("socketmode: connection error", "error", evt.Data)
			case socketmode.EventTypeInvalidAuth:
				return errors.New("slack rejected the app token")
			case socketmode.EventTypeEventsAPI:
				e, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					client.Ack(*evt.Request)
				}
				if ev, ok := s.convert(e); ok {
					handler(ctx, ev)
				}
			}
		}
	}
}

// convert maps a callback event to a message event for a monitored channel.
func (s *Source) convert(e slackevents.EventsAPIEvent) (recorder.MessageEvent, bool) {
	if e.Type != slackevents.CallbackEvent {
		return recorder.MessageEvent{}, false
	}
	msg, ok := e.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return recorder.MessageEvent{}, false
	}

	ch, ok := s.registry.ByRef(msg.Channel)
	if !ok {
		s.log.Debug("Ignoring message from unmonitored channel", "channel_id", msg.Channel)
		return recorder.MessageEvent{}, false
	}

	switch {
	case newMessageSubtypes[msg.SubType]:
		date, err := parseTimestamp(msg.TimeStamp)
		if err != nil {
			s.log.Warn("Bad message timestamp", "channel", ch.Alias, "ts", msg.TimeStamp, "error", err)
			return recorder.MessageEvent{}, false
		}
		return recorder.MessageEvent{
			Channel:   ch.Alias,
			MessageID: msg.TimeStamp,
			Text:      msg.Text,
			Date:      date,
			Source:    recorder.SourceSlack,
		}, true

	case msg.SubType == "message_changed" && msg.Message != nil:
		inner := msg.Message
		date, err := parseTimestamp(inner.Timestamp)
		if err != nil {
			s.log.Warn("Bad edited message timestamp", "channel", ch.Alias, "ts", inner.Timestamp, "error", err)
			return recorder.MessageEvent{}, false
		}
		ev := recorder.MessageEvent{
			Channel:   ch.Alias,
			MessageID: inner.Timestamp,
			Text:      inner.Text,
			Date:      date,
			Source:    recorder.SourceSlack,
		}
		// Unfurls also arrive as message_changed but carry no edit marker.
		if inner.Edited != nil {
			if edited, err := parseTimestamp(inner.Edited.Timestamp); err == nil {
				ev.Edited = edited
			}
		}
		return ev, true

	default:
		return recorder.MessageEvent{}, false
	}
}

// parseTimestamp converts a Slack ts such as "1700000000.123456" to a time.
func parseTimestamp(ts string) (time.Time, error) {
	secs, frac, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ts %q: %w", ts, err)
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nsec, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse ts %q: %w", ts, err)
		}
	}
	return time.Unix(sec, nsec), nil
}

// logAdapter adapts slog to slack-go's log interface.
type logAdapter struct {
	log *slog.Logger
}

func (a *logAdapter) Output(calldepth int, s string) error {
	a.log.Debug(strings.TrimSpace(s))
	return nil
}
