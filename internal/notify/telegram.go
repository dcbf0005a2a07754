// Package notify implements the optional out-of-band Telegram notifier
// (SPEC_FULL §4.8): it subscribes to the global event bus topic and posts a
// one-line message for the diagnostic-grade events an on-call human would
// want pushed to them. It never influences dispatch or routing — purely
// observational, grounded on the teacher's internal/channels telegram
// notifier but stripped to one direction (server -> chat, no HITL, no chat
// task routing).
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/coretask/boardqueue/internal/bus"
	"github.com/coretask/boardqueue/internal/config"
)

// Notifier posts lifecycle events to a configured Telegram chat.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	events *bus.Bus
	logger *slog.Logger
}

// New builds a Notifier from server config. Returns (nil, nil) if Telegram
// is disabled, so callers can unconditionally check for a nil Notifier
// rather than branching on cfg.Enabled themselves.
func New(cfg config.TelegramConfig, events *bus.Bus, logger *slog.Logger) (*Notifier, error) {
	if !cfg.Enabled || cfg.Token == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID, events: events, logger: logger}, nil
}

// Run subscribes to the global topic and posts a message per matching
// event until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	sub := n.events.Subscribe(bus.GlobalTopic)
	defer n.events.Unsubscribe(sub)

	n.logger.Info("telegram notifier started", "bot", n.bot.Self.UserName, "chat_id", n.chatID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Ch():
			for _, ev := range sub.Drain() {
				n.handle(ev)
			}
		}
	}
}

func (n *Notifier) handle(ev bus.Event) {
	text, ok := n.format(ev)
	if !ok {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Warn("telegram send failed", "error", err, "event_type", ev.Type)
	}
}

// format renders the subset of global events worth paging a human for.
// Everything else (task_progress, card_moved, ...) is silently ignored —
// those belong on the board, not in a chat.
func (n *Notifier) format(ev bus.Event) (string, bool) {
	switch ev.Type {
	case bus.TopicTaskFailed:
		if p, ok := ev.Payload.(map[string]string); ok {
			return fmt.Sprintf("Task %s failed: %s", p["task_id"], p["error_summary"]), true
		}
		return fmt.Sprintf("Task failed: %v", ev.Payload), true
	case bus.TopicWorkerOffline:
		if p, ok := ev.Payload.(map[string]string); ok {
			return fmt.Sprintf("Worker %s went offline", p["worker_id"]), true
		}
		return fmt.Sprintf("Worker offline: %v", ev.Payload), true
	case bus.TopicTaskRoutingSkipped:
		if p, ok := ev.Payload.(map[string]string); ok {
			return fmt.Sprintf("Automation routing skipped for card %s: %s", p["card_id"], p["reason"]), true
		}
		return fmt.Sprintf("Routing skipped: %v", ev.Payload), true
	default:
		return "", false
	}
}
