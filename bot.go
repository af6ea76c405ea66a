package main

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type Bot struct {
	tgBot     TelegramClient
	store     Store
	config    Config
	clock     Clock
	blacklist *Blacklist
	users     *Users
	captcha   *CaptchaManager
	moderator Classifier
	relay     *Relay
	admission *Admission
	commands  map[commandKind]commandHandler
	userLocks *userLocks
	errors    *errorThrottle
	probes    *probeTracker
	startedAt time.Time
}

// NewBot wires every service around store and tgClient. moderator may be nil
// when AI moderation is off.
func NewBot(store Store, config Config, clock Clock, tgClient TelegramClient, moderator Classifier) *Bot {
	users := newUsers(store, clock)
	blacklist := newBlacklist(store, clock)
	captcha := newCaptchaManager(store, users, blacklist, clock, captchaPolicyFrom(config))

	b := &Bot{
		tgBot:     tgClient,
		store:     store,
		config:    config,
		clock:     clock,
		blacklist: blacklist,
		users:     users,
		captcha:   captcha,
		moderator: moderator,
		relay:     newRelay(tgClient, store, users, clock, config.AdminChatID, config.AllowEdit),
		admission: newAdmission(tgClient, config, blacklist, users, captcha, moderator),
		userLocks: newUserLocks(),
		errors:    newErrorThrottle(time.Minute, 3, clock),
		probes:    newProbeTracker(),
		startedAt: clock.Now(),
	}
	b.commands = b.commandHandlers()
	return b
}

func (b *Bot) Start(ctx context.Context) {
	b.tgBot.Start(ctx)
}

func initTelegramBot(token string, handleUpdate func(ctx context.Context, tgBot *bot.Bot, update *models.Update)) (TelegramClient, error) {
	opts := []bot.Option{
		bot.WithDefaultHandler(handleUpdate),
	}

	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, err
	}

	return tgBot, nil
}

func (b *Bot) sendResponse(ctx context.Context, chatID int64, text string) error {
	_, err := b.tgBot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		ErrorLogger.Printf("Error sending message to chat %d: %v", chatID, err)
	}
	return err
}

func (b *Bot) sendHTML(ctx context.Context, chatID int64, text string, replyToID int) error {
	_, err := b.tgBot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          chatID,
		Text:            text,
		ParseMode:       models.ParseModeHTML,
		ReplyParameters: replyTo(replyToID),
	})
	if err != nil {
		ErrorLogger.Printf("Error sending message to chat %d: %v", chatID, err)
	}
	return err
}

// safeHandle runs fn, turning errors and panics into a log line and, when an
// admin chat is configured, a throttled report to it.
func (b *Bot) safeHandle(ctx context.Context, event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			ErrorLogger.Printf("Panic while handling %s: %v\n%s", event, r, debug.Stack())
			b.reportError(ctx, event, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		ErrorLogger.Printf("Error handling %s: %v", event, err)
		b.reportError(ctx, event, err)
	}
}

func (b *Bot) reportError(ctx context.Context, event string, err error) {
	if b.config.AdminChatID == 0 {
		return
	}
	ok, suppressed := b.errors.allow()
	if !ok {
		return
	}
	text := fmt.Sprintf("⚠️ Failed to handle %s\nError: %v\nTime: %s", event, err, b.clock.Now().Format(time.RFC3339))
	if suppressed > 0 {
		text += fmt.Sprintf("\n(%d more errors were not reported)", suppressed)
	}
	b.sendResponse(ctx, b.config.AdminChatID, text)
}

// sendStartupBanner tells the admin which features are live.
func (b *Bot) sendStartupBanner(ctx context.Context) {
	if b.config.AdminChatID == 0 {
		return
	}
	var features []string
	if b.moderator != nil {
		line := "🤖 <b>AI moderation</b>: enabled (" + b.moderator.Model() + ")"
		if b.admission.policy.SmartMode {
			line += ", smart mode"
		}
		features = append(features, line)
	}
	if b.config.CaptchaEnabled {
		features = append(features, "🔐 <b>CAPTCHA</b>: enabled")
	}
	if !b.config.BlacklistEnabled {
		features = append(features, "⚫ <b>Blacklist</b>: disabled")
	}

	text := "✨🤖✨🤖✨🤖✨\n<b>Relay bot started</b>\n⏰ <b>Started at</b>: " + b.startedAt.Format(timeLayout)
	if len(features) > 0 {
		text += "\n" + strings.Join(features, "\n")
	}
	b.sendHTML(ctx, b.config.AdminChatID, text, 0)
}
