package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4096

// Telegram sends operator notes to one chat (optionally one forum topic).
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

var _ Sender = (*Telegram)(nil)

func NewTelegram(token string, chatID int64, threadID int) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: chatID}, threadID: threadID}, nil
}

func (t *Telegram) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, clip(text, telegramTextLimit), &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

func (t *Telegram) SendPhoto(ctx context.Context, png []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(png)), Caption: clip(caption, 1024)}
	_, err := t.bot.Send(t.chat, photo, &tele.SendOptions{ThreadID: t.threadID})
	return err
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
