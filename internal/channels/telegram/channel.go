// Package telegram is the one chat bridge this module wires end to end:
// long-polling, message/command extraction, and media download live
// here; everything past that — what the text means, which tools fire —
// belongs to the Dispatcher the bridge only forwards into.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	config         config.TelegramConfig
	groupHistory   *channels.PendingHistory
	historyLimit   int
	requireMention bool
	pollCancel     context.CancelFunc
	pollDone       chan struct{}
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.Bus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	base := channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom)
	base.ValidatePolicy(cfg.DMPolicy, cfg.GroupPolicy)

	historyLimit := cfg.HistoryLimit
	if historyLimit == 0 {
		historyLimit = channels.DefaultGroupHistoryLimit
	}

	return &Channel{
		BaseChannel:    base,
		bot:            bot,
		config:         cfg,
		groupHistory:   channels.NewPendingHistory(),
		historyLimit:   historyLimit,
		requireMention: cfg.RequireMention,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the Telegram bot by cancelling the long polling context
// and waiting for the polling goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// messageMaxLen is the Telegram hard limit on a single text message; longer
// outbound text is split into sequential messages.
const messageMaxLen = 4096

// Send delivers an outbound message to the Telegram chat, splitting text
// that exceeds Telegram's per-message length limit and attaching any media
// as a follow-up document/photo send keyed off its MIME type.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", msg.ChatID, err)
	}
	chatIDObj := tu.ID(chatID)

	for _, chunk := range splitMessage(msg.Content, messageMaxLen) {
		if chunk == "" {
			continue
		}
		if _, err := c.bot.SendMessage(ctx, &telego.SendMessageParams{ChatID: chatIDObj, Text: chunk}); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}

	for _, media := range msg.Media {
		if err := c.sendMediaAttachment(ctx, chatIDObj, media); err != nil {
			slog.Warn("telegram: failed to send media attachment", "url", media.URL, "error", err)
		}
	}

	return nil
}

// sendMediaAttachment dispatches a MediaAttachment as a photo or document
// depending on its content type, uploading from a local path or passing a
// remote URL straight through to Telegram's file-by-URL support.
func (c *Channel) sendMediaAttachment(ctx context.Context, chatID telego.ChatID, media bus.MediaAttachment) error {
	file := telego.InputFile{}
	if _, err := os.Stat(media.URL); err == nil {
		f, err := os.Open(media.URL)
		if err != nil {
			return fmt.Errorf("open media file: %w", err)
		}
		defer f.Close()
		file = telego.InputFile{File: f}
	} else {
		file = telego.InputFile{URL: media.URL}
	}

	if strings.HasPrefix(media.ContentType, "image/") {
		params := &telego.SendPhotoParams{ChatID: chatID, Photo: file, Caption: media.Caption}
		_, err := c.bot.SendPhoto(ctx, params)
		return err
	}

	params := &telego.SendDocumentParams{ChatID: chatID, Document: file, Caption: media.Caption}
	_, err := c.bot.SendDocument(ctx, params)
	return err
}

// splitMessage breaks s into chunks no longer than maxLen, preferring to
// break on a newline near the boundary so a sentence isn't cut mid-word.
func splitMessage(s string, maxLen int) []string {
	if len(s) <= maxLen {
		return []string{s}
	}

	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		if idx := strings.LastIndexByte(s[:maxLen], '\n'); idx > maxLen/2 {
			cut = idx
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
