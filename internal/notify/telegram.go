package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const defaultQueueSize = 64

// Sender is the subset of the bot API used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts events to one admin chat from a background goroutine.
// Events are dropped when the queue is full.
type TelegramNotifier struct {
	sender Sender
	chatID int64
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewTelegramNotifier authorizes the bot token and starts the delivery loop.
func NewTelegramNotifier(token string, chatID int64, logger *slog.Logger) (*TelegramNotifier, error) {
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}

	if chatID == 0 {
		return nil, errors.New("telegram admin chat id is required")
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("notify: telegram bot authorized", "username", bot.Self.UserName)

	return NewTelegramNotifierWithSender(bot, chatID, logger), nil
}

// NewTelegramNotifierWithSender is NewTelegramNotifier with an injected sender.
func NewTelegramNotifierWithSender(sender Sender, chatID int64, logger *slog.Logger) *TelegramNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	n := &TelegramNotifier{
		sender: sender,
		chatID: chatID,
		logger: logger,
		queue:  make(chan Event, defaultQueueSize),
		done:   make(chan struct{}),
	}

	go n.loop()

	return n
}

// Notify enqueues ev without blocking. Events after Close are dropped.
func (n *TelegramNotifier) Notify(ctx context.Context, ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}

	select {
	case n.queue <- ev:
	default:
		n.logger.WarnContext(ctx, "notify: queue full, event dropped", "kind", ev.Kind, "profile_id", ev.ProfileID)
	}
}

func (n *TelegramNotifier) loop() {
	defer close(n.done)

	for ev := range n.queue {
		msg := tgbotapi.NewMessage(n.chatID, ev.Text())
		msg.DisableWebPagePreview = true

		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Warn("notify: telegram send failed", "kind", ev.Kind, "error", err)
		}
	}
}

// Close stops accepting events and waits for queued ones to be sent, bounded by ctx.
func (n *TelegramNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram notifier close: %w", ctx.Err())
	}
}
