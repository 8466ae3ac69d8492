// Package channel connects the orchestrator to Telegram via the Bot API
// using long polling. Outbound sends are paced and chunked to the API's
// message-length limit.
package channel

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
)

const (
	typingInterval   = 5 * time.Second
	downloadMaxBytes = 20 << 20
)

// IncomingMessage is one message received from Telegram, normalised for the
// router.
type IncomingMessage struct {
	ChatID     string
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
	Timestamp  time.Time
	// MediaFileID is set when the message carries a photo, voice note or
	// document; MediaType is one of "image", "voice", "document".
	MediaFileID string
	MediaType   string
}

// MessageHandler consumes incoming messages. Called from the polling
// goroutine; implementations must not block for long.
type MessageHandler func(msg IncomingMessage)

// Telegram is the chat transport.
type Telegram struct {
	bot       *telego.Bot
	token     string
	cfg       config.TelegramConfig
	limiter   *rate.Limiter
	typing    *typingTracker
	pollStop  context.CancelFunc
	pollDone  chan struct{}
}

// NewTelegram creates the transport. An empty token returns (nil, nil) so
// callers can run without a chat surface (doctor, tests).
func NewTelegram(token string, cfg config.TelegramConfig) (*Telegram, error) {
	if token == "" {
		return nil, nil
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	delay := time.Duration(cfg.RateLimitDelayMS) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}
	return &Telegram{
		bot:     bot,
		token:   token,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		typing:  newTypingTracker(),
	}, nil
}

// Start begins long polling and dispatches messages to handle until Stop or
// ctx cancellation.
func (t *Telegram) Start(ctx context.Context, handle MessageHandler) error {
	pollCtx, cancel := context.WithCancel(ctx)
	t.pollStop = cancel
	t.pollDone = make(chan struct{})

	updates, err := t.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram bot connected", slog.String("username", t.bot.Username()))

	go func() {
		defer close(t.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				handle(fromTelegramMessage(update.Message))
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the poll goroutine so Telegram
// releases the getUpdates lock before another instance starts.
func (t *Telegram) Stop() {
	if t.pollStop != nil {
		t.pollStop()
	}
	t.typing.stopAll()
	if t.pollDone != nil {
		select {
		case <-t.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
}

func fromTelegramMessage(msg *telego.Message) IncomingMessage {
	out := IncomingMessage{
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Text:      msg.Text,
		Timestamp: time.Unix(msg.Date, 0),
	}
	if msg.From != nil {
		out.SenderID = strconv.FormatInt(msg.From.ID, 10)
		out.SenderName = msg.From.FirstName
		if msg.From.Username != "" {
			out.SenderName = msg.From.Username
		}
	}
	switch {
	case len(msg.Photo) > 0:
		// Telegram sends multiple sizes; the last is the largest.
		out.MediaFileID = msg.Photo[len(msg.Photo)-1].FileID
		out.MediaType = "image"
		if out.Text == "" {
			out.Text = msg.Caption
		}
	case msg.Voice != nil:
		out.MediaFileID = msg.Voice.FileID
		out.MediaType = "voice"
	case msg.Document != nil:
		out.MediaFileID = msg.Document.FileID
		out.MediaType = "document"
		if out.Text == "" {
			out.Text = msg.Caption
		}
	}
	return out
}

// SendMessage delivers text to a chat, split into chunks no longer than the
// configured maximum and paced by the rate limiter.
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	for _, chunk := range splitMessage(text, t.cfg.MaxMessageLength) {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(id), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// SendPhoto re-encodes the image as JPEG and sends it with an optional
// caption. Re-encoding strips any malformed metadata the generator may have
// produced and keeps the upload within Telegram's limits.
func (t *Telegram) SendPhoto(ctx context.Context, chatID string, data []byte, caption string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpeg.DefaultQuality)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	params := &telego.SendPhotoParams{
		ChatID:  tu.ID(id),
		Photo:   telego.InputFile{File: tu.NameReader(&buf, "image.jpg")},
		Caption: caption,
	}
	if _, err := t.bot.SendPhoto(ctx, params); err != nil {
		return fmt.Errorf("send telegram photo: %w", err)
	}
	return nil
}

// StartTyping shows the typing indicator for a chat until StopTyping.
func (t *Telegram) StartTyping(chatID string) {
	id, err := parseChatID(chatID)
	if err != nil {
		return
	}
	t.typing.start(chatID, func(ctx context.Context) {
		_ = t.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
	})
}

// StopTyping clears the typing indicator.
func (t *Telegram) StopTyping(chatID string) {
	t.typing.stop(chatID)
}

// DownloadMedia fetches a file by file_id into destDir and returns the
// local path.
func (t *Telegram) DownloadMedia(ctx context.Context, fileID, destDir string) (string, error) {
	file, err := t.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > downloadMaxBytes {
		return "", fmt.Errorf("file too large: %d bytes", file.FileSize)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", t.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	dest := filepath.Join(destDir, fmt.Sprintf("media-%d%s", time.Now().UnixMilli(), ext))
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	defer out.Close()
	written, err := io.Copy(out, io.LimitReader(resp.Body, downloadMaxBytes+1))
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("save media file: %w", err)
	}
	if written > downloadMaxBytes {
		os.Remove(dest)
		return "", fmt.Errorf("file exceeds max size during download")
	}
	return dest, nil
}

func parseChatID(chatID string) (int64, error) {
	return strconv.ParseInt(chatID, 10, 64)
}

// splitMessage cuts text into chunks of at most limit bytes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = 4096
	}
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndexByte(text[:limit], '\n'); idx > limit/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
