// Package telegram bridges Telegram chats into the runtime via Bot API long
// polling.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/valet/internal/bus"
	"github.com/nextlevelbuilder/valet/internal/channels"
	"github.com/nextlevelbuilder/valet/internal/config"
)

const (
	telegramChunkLimit = 4096
	maxImageBytes      = 20 << 20 // Bot API download limit
)

// Bridge connects to Telegram via long polling.
type Bridge struct {
	bot      *telego.Bot
	cfg      config.TelegramConfig
	allow    channels.AllowList
	handler  channels.Handler
	imageDir string
	pacer    *channels.Pacer

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the Telegram bridge. Downloaded images land in imageDir.
func New(cfg config.TelegramConfig, imageDir string, handler channels.Handler) (*Bridge, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bridge{
		bot:      bot,
		cfg:      cfg,
		allow:    channels.AllowList(cfg.AllowFrom),
		handler:  handler,
		imageDir: imageDir,
		pacer:    channels.NewPacer("telegram"),
	}, nil
}

func (b *Bridge) Name() string { return "telegram" }

// Start begins long polling. Non-blocking after the first getUpdates call.
func (b *Bridge) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.pollDone = make(chan struct{})

	updates, err := b.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bridge connected")

	go func() {
		defer close(b.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					b.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update goroutine so Telegram
// releases the getUpdates lock before any relaunch.
func (b *Bridge) Stop(_ context.Context) error {
	if b.pollCancel != nil {
		b.pollCancel()
	}
	if b.pollDone != nil {
		select {
		case <-b.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling did not exit within timeout")
		}
	}
	return nil
}

func (b *Bridge) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !b.allow.Allows(senderID) {
		slog.Debug("telegram sender not allowed", "sender", senderID)
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	var images []bus.ImageRef
	if len(msg.Photo) > 0 {
		// Highest resolution is last.
		photo := msg.Photo[len(msg.Photo)-1]
		if path, err := b.downloadPhoto(ctx, photo.FileID); err != nil {
			slog.Warn("photo download failed", "error", err)
		} else {
			images = append(images, bus.ImageRef{Path: path, MimeType: "image/jpeg"})
		}
	}

	if text == "" && len(images) == 0 {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	b.handler(bus.InboundMessage{
		ChannelID: channels.ChannelID("telegram", chatID),
		UserID:    senderID,
		Text:      text,
		Platform:  "telegram",
		ArrivedAt: time.Now(),
		Images:    images,
	})
}

func (b *Bridge) downloadPhoto(ctx context.Context, fileID string) (string, error) {
	file, err := b.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}
	url := b.bot.FileDownloadURL(file.FilePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
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
	dest := filepath.Join(b.imageDir, fmt.Sprintf("tg-%d.jpg", time.Now().UnixNano()))
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

// Send delivers a reply, splitting it into Telegram-sized chunks.
func (b *Bridge) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, chatStr := channels.SplitChannelID(msg.ChannelID)
	chatID, err := strconv.ParseInt(chatStr, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q", chatStr)
	}

	for _, chunk := range channels.SplitMessage(msg.Text, telegramChunkLimit) {
		chunk := chunk
		err := b.pacer.Do(ctx, func() error {
			_, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
