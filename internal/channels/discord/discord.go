// Package discord bridges Discord channels into the runtime using the
// gateway websocket API.
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
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/valet/internal/bus"
	"github.com/nextlevelbuilder/valet/internal/channels"
	"github.com/nextlevelbuilder/valet/internal/config"
)

const (
	discordChunkLimit = 2000
	maxImageBytes     = 20 << 20
)

// Bridge connects to Discord.
type Bridge struct {
	session  *discordgo.Session
	cfg      config.DiscordConfig
	allow    channels.AllowList
	handler  channels.Handler
	imageDir string
	pacer    *channels.Pacer
}

// New creates the Discord bridge. Downloaded images land in imageDir.
func New(cfg config.DiscordConfig, imageDir string, handler channels.Handler) (*Bridge, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	b := &Bridge{
		session:  session,
		cfg:      cfg,
		allow:    channels.AllowList(cfg.AllowFrom),
		handler:  handler,
		imageDir: imageDir,
		pacer:    channels.NewPacer("discord"),
	}
	session.AddHandler(b.onMessage)
	return b, nil
}

func (b *Bridge) Name() string { return "discord" }

func (b *Bridge) Start(_ context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	slog.Info("discord bridge connected")
	return nil
}

func (b *Bridge) Stop(_ context.Context) error {
	return b.session.Close()
}

func (b *Bridge) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !b.allow.Allows(m.Author.ID) {
		slog.Debug("discord sender not allowed", "sender", m.Author.ID)
		return
	}

	var images []bus.ImageRef
	for _, att := range m.Attachments {
		if !strings.HasPrefix(att.ContentType, "image/") {
			continue
		}
		path, err := b.downloadAttachment(att)
		if err != nil {
			slog.Warn("attachment download failed", "error", err)
			continue
		}
		images = append(images, bus.ImageRef{Path: path, MimeType: att.ContentType})
	}

	if m.Content == "" && len(images) == 0 {
		return
	}

	b.handler(bus.InboundMessage{
		ChannelID: channels.ChannelID("discord", m.ChannelID),
		UserID:    m.Author.ID,
		Text:      m.Content,
		Platform:  "discord",
		ArrivedAt: time.Now(),
		Images:    images,
	})
}

func (b *Bridge) downloadAttachment(att *discordgo.MessageAttachment) (string, error) {
	resp, err := http.Get(att.URL)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(b.imageDir, 0o755); err != nil {
		return "", err
	}
	ext := filepath.Ext(att.Filename)
	if ext == "" {
		ext = ".png"
	}
	dest := filepath.Join(b.imageDir, fmt.Sprintf("dc-%d%s", time.Now().UnixNano(), ext))
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, io.LimitReader(resp.Body, maxImageBytes)); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("save image: %w", err)
	}
	return dest, nil
}

// Send delivers a reply, splitting it into Discord-sized chunks.
func (b *Bridge) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, chatID := channels.SplitChannelID(msg.ChannelID)
	for _, chunk := range channels.SplitMessage(msg.Text, discordChunkLimit) {
		chunk := chunk
		err := b.pacer.Do(ctx, func() error {
			_, err := b.session.ChannelMessageSend(chatID, chunk)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
