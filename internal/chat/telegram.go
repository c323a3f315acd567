package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/tetherbot/tether/internal/log"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram talks to the Bot API over long polling. One bot, one authorized
// private chat.
type Telegram struct {
	token       string
	chatID      int64
	pollTimeout time.Duration

	apiBase string
	http    *http.Client

	// Restarts and polling retries can redeliver updates; recently seen ids
	// are remembered so each event is handled once.
	seen   *cache.Cache
	offset int64
}

// NewTelegram creates a client for the given bot token. chatID is the
// authorized user's private chat.
func NewTelegram(token string, chatID int64, pollTimeout time.Duration) *Telegram {
	return &Telegram{
		token:       token,
		chatID:      chatID,
		pollTimeout: pollTimeout,
		apiBase:     defaultAPIBase,
		http:        &http.Client{Timeout: pollTimeout + 30*time.Second},
		seen:        cache.New(10*time.Minute, 20*time.Minute),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type tgUser struct {
	ID int64 `json:"id"`
}

type tgVoice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
}

type tgMessage struct {
	MessageID int      `json:"message_id"`
	From      *tgUser  `json:"from"`
	Text      string   `json:"text"`
	Voice     *tgVoice `json:"voice"`
}

type tgCallbackQuery struct {
	ID   string `json:"id"`
	From tgUser `json:"from"`
	Data string `json:"data"`
}

type tgUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *tgMessage       `json:"message"`
	CallbackQuery *tgCallbackQuery `json:"callback_query"`
}

func (t *Telegram) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("%s failed: %s", method, parsed.Description)
	}
	return parsed.Result, nil
}

// Updates long-polls getUpdates and delivers deduplicated events until ctx
// is cancelled.
func (t *Telegram) Updates(ctx context.Context) <-chan Update {
	out := make(chan Update, 16)

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}

			raw, err := t.call(ctx, "getUpdates", map[string]any{
				"timeout": int(t.pollTimeout.Seconds()),
				"offset":  t.offset,
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.ErrorErr(log.CatChat, "Poll failed, backing off", err)
				select {
				case <-time.After(3 * time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}

			var updates []tgUpdate
			if err := json.Unmarshal(raw, &updates); err != nil {
				log.ErrorErr(log.CatChat, "Malformed update batch", err)
				continue
			}

			for _, u := range updates {
				if u.UpdateID >= t.offset {
					t.offset = u.UpdateID + 1
				}
				key := strconv.FormatInt(u.UpdateID, 10)
				if _, dup := t.seen.Get(key); dup {
					continue
				}
				t.seen.Set(key, struct{}{}, cache.DefaultExpiration)

				if ev, ok := convertUpdate(u); ok {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out
}

func convertUpdate(u tgUpdate) (Update, bool) {
	switch {
	case u.CallbackQuery != nil:
		return Update{
			Sender: u.CallbackQuery.From.ID,
			Menu: &MenuSelection{
				AckID: u.CallbackQuery.ID,
				Data:  u.CallbackQuery.Data,
			},
		}, true
	case u.Message != nil && u.Message.Voice != nil:
		return Update{
			Sender:    senderOf(u.Message),
			MessageID: u.Message.MessageID,
			Voice: &VoiceNote{
				FileID:   u.Message.Voice.FileID,
				Duration: u.Message.Voice.Duration,
			},
		}, true
	case u.Message != nil && u.Message.Text != "":
		return Update{
			Sender:    senderOf(u.Message),
			MessageID: u.Message.MessageID,
			Text:      u.Message.Text,
		}, true
	default:
		return Update{}, false
	}
}

func senderOf(m *tgMessage) int64 {
	if m.From == nil {
		return 0
	}
	return m.From.ID
}

// SendMessage posts text to the authorized chat and returns the message id.
func (t *Telegram) SendMessage(ctx context.Context, text string) (int, error) {
	raw, err := t.call(ctx, "sendMessage", map[string]any{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return 0, err
	}
	var msg tgMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, fmt.Errorf("decoding sent message: %w", err)
	}
	return msg.MessageID, nil
}

// EditMessage replaces the content of a previously sent message. Editing to
// identical content is treated as success.
func (t *Telegram) EditMessage(ctx context.Context, id int, text string) error {
	_, err := t.call(ctx, "editMessageText", map[string]any{
		"chat_id":    t.chatID,
		"message_id": id,
		"text":       text,
	})
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// SendMenu posts text with one inline button per option.
func (t *Telegram) SendMenu(ctx context.Context, text string, options []MenuOption) (int, error) {
	keyboard := make([][]map[string]string, 0, len(options))
	for _, opt := range options {
		keyboard = append(keyboard, []map[string]string{{
			"text":          opt.Label,
			"callback_data": opt.Data,
		}})
	}

	raw, err := t.call(ctx, "sendMessage", map[string]any{
		"chat_id":      t.chatID,
		"text":         text,
		"reply_markup": map[string]any{"inline_keyboard": keyboard},
	})
	if err != nil {
		return 0, err
	}
	var msg tgMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, fmt.Errorf("decoding sent menu: %w", err)
	}
	return msg.MessageID, nil
}

// AckMenu dismisses the client-side spinner for a tapped button.
func (t *Telegram) AckMenu(ctx context.Context, ackID string) error {
	_, err := t.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": ackID,
	})
	return err
}

// SendFile uploads a local file as a document.
func (t *Telegram) SendFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("chat_id", strconv.FormatInt(t.chatID, 10)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendDocument", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("uploading document: %w", err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decoding sendDocument response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("sendDocument failed: %s", parsed.Description)
	}
	return nil
}

// DownloadVoice fetches the raw bytes of an uploaded voice note.
func (t *Telegram) DownloadVoice(ctx context.Context, fileID string) ([]byte, error) {
	raw, err := t.call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var info struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decoding getFile response: %w", err)
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", t.apiBase, t.token, info.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading voice file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading voice file: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
