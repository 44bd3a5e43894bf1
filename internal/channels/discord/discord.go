// Package discord adapts the Discord gateway (via discordgo) to the message
// bus.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/channels"
	"github.com/dotclawhq/dotclaw/internal/config"
)

const providerName = "discord"

// discordMaxLength is the message character cap for regular bots.
const discordMaxLength = 2000

// attachmentMaxBytes caps attachment downloads.
const attachmentMaxBytes int64 = 20 * 1024 * 1024

// Channel is the Discord adapter.
type Channel struct {
	session  *discordgo.Session
	cfg      config.DiscordConfig
	bus      *bus.MessageBus
	dedupe   *bus.DedupeCache
	limiter  *channels.ChatLimiter
	logger   *slog.Logger
	mediaDir string
	client   *http.Client

	botUserID string // populated on Start
	connected atomic.Bool
}

// New creates the adapter. The gateway connection is opened in Start.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus, dedupe *bus.DedupeCache, mediaDir string, logger *slog.Logger) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	if cfg.MaxLength <= 0 || cfg.MaxLength > discordMaxLength {
		cfg.MaxLength = discordMaxLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		session:  session,
		cfg:      cfg,
		bus:      msgBus,
		dedupe:   dedupe,
		limiter:  channels.NewChatLimiter(1, 5),
		logger:   logger,
		mediaDir: mediaDir,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Name returns the provider identifier.
func (c *Channel) Name() string { return providerName }

// Start opens the gateway connection and resolves the bot identity.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.connected.Store(true)
	c.logger.Info("discord connected", "username", user.Username)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.connected.Store(false)
	return c.session.Close()
}

// IsConnected reports whether the gateway session is open.
func (c *Channel) IsConnected() bool { return c.connected.Load() }

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == c.botUserID {
		return
	}

	chatID := channels.PrefixChatID(providerName, m.ChannelID)
	if c.dedupe.Seen(chatID + ":" + m.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var media []string
	for _, att := range m.Attachments {
		path, err := c.fetchAttachment(ctx, att)
		if err != nil {
			c.logger.Warn("attachment fetch failed", "chat", chatID, "name", att.Filename, "error", err)
			continue
		}
		media = append(media, path)
	}

	content := strings.TrimSpace(m.Content)
	if content == "" && len(media) == 0 {
		return
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	in := bus.InboundMessage{
		Provider:    providerName,
		ChatID:      chatID,
		MessageID:   m.ID,
		SenderID:    m.Author.ID,
		SenderName:  displayName(m),
		Content:     content,
		Timestamp:   ts.UnixMilli(),
		IsGroup:     m.GuildID != "",
		MentionsBot: c.detectMention(m),
		RepliesBot:  c.detectReplyToBot(m),
		Media:       media,
	}
	if !c.bus.PublishInbound(ctx, in) {
		c.logger.Warn("inbound publish dropped on shutdown", "chat", chatID)
	}
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// detectMention reports whether the message @-mentions the bot, via the
// resolved mention list or a bare name match.
func (c *Channel) detectMention(m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			return true
		}
	}
	if c.cfg.BotName != "" {
		needle := "@" + strings.TrimPrefix(c.cfg.BotName, "@")
		return strings.Contains(strings.ToLower(m.Content), strings.ToLower(needle))
	}
	return false
}

func (c *Channel) detectReplyToBot(m *discordgo.MessageCreate) bool {
	ref := m.ReferencedMessage
	return ref != nil && ref.Author != nil && ref.Author.ID == c.botUserID
}

func (c *Channel) fetchAttachment(ctx context.Context, att *discordgo.MessageAttachment) (string, error) {
	if int64(att.Size) > attachmentMaxBytes {
		return "", fmt.Errorf("attachment too large: %d bytes", att.Size)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(c.mediaDir, 0o755); err != nil {
		return "", err
	}
	name := filepath.Base(strings.ReplaceAll(att.Filename, "\\", "/"))
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "attachment.bin"
	}
	dst, err := os.Create(filepath.Join(c.mediaDir, att.ID+"-"+name))
	if err != nil {
		return "", err
	}
	defer dst.Close()

	written, err := io.Copy(dst, io.LimitReader(resp.Body, attachmentMaxBytes+1))
	if err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("save attachment: %w", err)
	}
	if written > attachmentMaxBytes {
		os.Remove(dst.Name())
		return "", fmt.Errorf("attachment exceeded size cap during download")
	}
	return dst.Name(), nil
}

// Send delivers one outbound message, splitting over the provider limit.
// Returns the id of the first sent message for later edits.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	_, channelID, err := channels.SplitChatID(msg.ChatID)
	if err != nil {
		return "", err
	}

	if msg.FilePath != "" {
		return c.sendFile(ctx, channelID, msg)
	}

	firstID := ""
	for _, part := range channels.SplitMessage(msg.Text, c.cfg.MaxLength) {
		if err := c.limiter.Wait(ctx, msg.ChatID); err != nil {
			return firstID, err
		}
		send := &discordgo.MessageSend{Content: part}
		if msg.ReplyTo != "" && firstID == "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: channelID}
		}
		sent, err := c.session.ChannelMessageSendComplex(channelID, send)
		if err != nil {
			return firstID, fmt.Errorf("discord send: %w", err)
		}
		if firstID == "" {
			firstID = sent.ID
		}
	}
	return firstID, nil
}

func (c *Channel) sendFile(ctx context.Context, channelID string, msg bus.OutboundMessage) (string, error) {
	if err := c.limiter.Wait(ctx, msg.ChatID); err != nil {
		return "", err
	}
	f, err := os.Open(msg.FilePath)
	if err != nil {
		return "", fmt.Errorf("open upload %q: %w", msg.FilePath, err)
	}
	defer f.Close()
	sent, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: msg.Text,
		Files:   []*discordgo.File{{Name: filepath.Base(msg.FilePath), Reader: f}},
	})
	if err != nil {
		return "", fmt.Errorf("discord send file: %w", err)
	}
	return sent.ID, nil
}

// Edit replaces the text of a previously sent message.
func (c *Channel) Edit(ctx context.Context, chatID, messageID, text string) error {
	_, channelID, err := channels.SplitChatID(chatID)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx, chatID); err != nil {
		return err
	}
	if _, err := c.session.ChannelMessageEdit(channelID, messageID, text); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

// Delete removes a previously sent message.
func (c *Channel) Delete(_ context.Context, chatID, messageID string) error {
	_, channelID, err := channels.SplitChatID(chatID)
	if err != nil {
		return err
	}
	if err := c.session.ChannelMessageDelete(channelID, messageID); err != nil {
		return fmt.Errorf("discord delete: %w", err)
	}
	return nil
}
