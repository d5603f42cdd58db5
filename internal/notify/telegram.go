package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "bgtask/pkg/logx"
)

const telegramTextLimit = 4096

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Telegram delivers notifications to one chat. It is also the Permission
// backend: the grant depends on a valid token and a target chat.
type Telegram struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

// NewTelegram builds the client without network calls; the token is
// checked by Request.
func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{cfg: cfg, bot: b, log: log}, nil
}

func (t *Telegram) Request(ctx context.Context, opts Options) (Grant, error) {
	if t.cfg.ChatID == 0 {
		return Grant{Reason: "no chat configured"}, nil
	}
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Raw("getMe", nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return Grant{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return Grant{}, fmt.Errorf("telegram getMe: %w", err)
		}
	}
	// Telegram can always alert; sound and badge follow the request.
	return Grant{Granted: true, Alert: true, Sound: opts.Sound, Badge: opts.Badge}, nil
}

func (t *Telegram) Send(ctx context.Context, text string, silent bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = truncRunes(text, telegramTextLimit)
	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text, &tele.SendOptions{
		DisableNotification:   silent,
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.ThreadID,
	})
	return err
}

// sendTimeout bounds a single Telegram call.
const sendTimeout = 10 * time.Second
