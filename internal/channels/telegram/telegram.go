// Package telegram adapts the Telegram Bot API (long polling via telego) to
// the message bus.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/channels"
	"github.com/dotclawhq/dotclaw/internal/config"
)

const providerName = "telegram"

// telegramMaxLength is the Bot API text message cap.
const telegramMaxLength = 4096

// Channel is the Telegram adapter.
type Channel struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	bus     *bus.MessageBus
	dedupe  *bus.DedupeCache
	limiter *channels.ChatLimiter
	logger  *slog.Logger

	media *mediaFetcher

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	connected  atomic.Bool
}

// New creates the adapter. The bot token is validated lazily by the first
// API call.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus, dedupe *bus.DedupeCache, mediaDir string, logger *slog.Logger) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token, telego.WithDefaultLogger(false, true))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if cfg.MaxLength <= 0 || cfg.MaxLength > telegramMaxLength {
		cfg.MaxLength = telegramMaxLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		bot:     bot,
		cfg:     cfg,
		bus:     msgBus,
		dedupe:  dedupe,
		limiter: channels.NewChatLimiter(1, 3), // Telegram allows ~1 msg/s per chat
		logger:  logger,
		media:   newMediaFetcher(bot, mediaDir, logger),
	}, nil
}

// Name returns the provider identifier.
func (c *Channel) Name() string { return providerName }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
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
	c.connected.Store(true)
	c.logger.Info("telegram connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		defer c.connected.Store(false)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the receive loop so Telegram releases
// the getUpdates lock before another instance starts.
func (c *Channel) Stop(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			c.logger.Warn("telegram polling did not exit in time")
		}
	}
	return nil
}

// IsConnected reports whether the long-polling loop is running.
func (c *Channel) IsConnected() bool { return c.connected.Load() }

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || isServiceMessage(msg) {
		return
	}

	chatID := channels.PrefixChatID(providerName, strconv.FormatInt(msg.Chat.ID, 10))
	messageID := strconv.Itoa(msg.MessageID)
	if c.dedupe.Seen(chatID + ":" + messageID) {
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}

	var media []string
	if len(msg.Photo) > 0 {
		if path, err := c.media.fetchPhoto(ctx, msg.Photo); err != nil {
			c.logger.Warn("photo fetch failed", "chat", chatID, "error", err)
		} else {
			media = append(media, path)
		}
	}
	if msg.Document != nil {
		if path, err := c.media.fetchDocument(ctx, msg.Document); err != nil {
			c.logger.Warn("document fetch failed", "chat", chatID, "error", err)
		} else {
			media = append(media, path)
		}
	}
	if content == "" && len(media) == 0 {
		return
	}

	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup

	in := bus.InboundMessage{
		Provider:    providerName,
		ChatID:      chatID,
		MessageID:   messageID,
		SenderID:    strconv.FormatInt(msg.From.ID, 10),
		SenderName:  senderName(msg.From),
		Content:     content,
		Timestamp:   int64(msg.Date) * 1000,
		IsGroup:     isGroup,
		MentionsBot: c.detectMention(msg),
		RepliesBot:  c.detectReplyToBot(msg),
		Media:       media,
	}
	if !c.bus.PublishInbound(ctx, in) {
		c.logger.Warn("inbound publish dropped on shutdown", "chat", chatID)
	}
}

func senderName(u *telego.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

// detectMention reports whether the message @-mentions the bot, via entity
// offsets or a bare prefix match.
func (c *Channel) detectMention(msg *telego.Message) bool {
	botName := c.cfg.BotName
	if botName == "" {
		botName = c.bot.Username()
	}
	if botName == "" {
		return false
	}
	needle := "@" + strings.TrimPrefix(botName, "@")

	text := msg.Text
	entities := msg.Entities
	if text == "" {
		text = msg.Caption
		entities = msg.CaptionEntities
	}
	for _, e := range entities {
		if e.Type != telego.EntityTypeMention {
			continue
		}
		start, end := e.Offset, e.Offset+e.Length
		runes := []rune(text)
		if start >= 0 && end <= len(runes) && strings.EqualFold(string(runes[start:end]), needle) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(needle))
}

func (c *Channel) detectReplyToBot(msg *telego.Message) bool {
	reply := msg.ReplyToMessage
	return reply != nil && reply.From != nil && reply.From.IsBot &&
		strings.EqualFold(reply.From.Username, c.bot.Username())
}

func isServiceMessage(msg *telego.Message) bool {
	return len(msg.NewChatMembers) > 0 || msg.LeftChatMember != nil ||
		msg.NewChatTitle != "" || msg.PinnedMessage != nil
}

// Send delivers one outbound message, splitting over the provider limit.
// Returns the id of the first sent message for later edits.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	_, raw, err := channels.SplitChatID(msg.ChatID)
	if err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram chat id %q: %w", raw, err)
	}

	if msg.FilePath != "" {
		return c.sendDocument(ctx, chatID, msg)
	}

	text := msg.Text
	if msg.ParseMode == "markdown" {
		text = channels.FormatForTelegram(text)
	}

	firstID := ""
	for _, part := range channels.SplitMessage(text, c.cfg.MaxLength) {
		if err := c.limiter.Wait(ctx, msg.ChatID); err != nil {
			return firstID, err
		}
		params := tu.Message(tu.ID(chatID), part)
		if msg.ParseMode == "markdown" {
			params = params.WithParseMode(telego.ModeMarkdown)
		}
		if msg.ReplyTo != "" && firstID == "" {
			if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
				params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: replyID})
			}
		}
		sent, err := c.bot.SendMessage(ctx, params)
		if err != nil {
			// Markdown parse failures degrade to plain text rather than
			// dropping the reply.
			if msg.ParseMode == "markdown" && strings.Contains(err.Error(), "can't parse") {
				sent, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), part))
			}
			if err != nil {
				return firstID, fmt.Errorf("telegram send: %w", err)
			}
		}
		if firstID == "" {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}
	return firstID, nil
}

func (c *Channel) sendDocument(ctx context.Context, chatID int64, msg bus.OutboundMessage) (string, error) {
	if err := c.limiter.Wait(ctx, msg.ChatID); err != nil {
		return "", err
	}
	f, err := openUpload(msg.FilePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	params := tu.Document(tu.ID(chatID), tu.File(f))
	if msg.Text != "" {
		params = params.WithCaption(msg.Text)
	}
	sent, err := c.bot.SendDocument(ctx, params)
	if err != nil {
		return "", fmt.Errorf("telegram send document: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// Edit replaces the text of a previously sent message.
func (c *Channel) Edit(ctx context.Context, chatID, messageID, text string) error {
	_, raw, err := channels.SplitChatID(chatID)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", raw, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", messageID, err)
	}
	if err := c.limiter.Wait(ctx, chatID); err != nil {
		return err
	}
	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Text:      text,
	})
	if err != nil && !strings.Contains(err.Error(), "message is not modified") {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// Delete removes a previously sent message.
func (c *Channel) Delete(ctx context.Context, chatID, messageID string) error {
	_, raw, err := channels.SplitChatID(chatID)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", raw, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", messageID, err)
	}
	if err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{ChatID: tu.ID(id), MessageID: msgID}); err != nil {
		return fmt.Errorf("telegram delete: %w", err)
	}
	return nil
}
