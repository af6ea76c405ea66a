package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

type ActionKind int

const (
	ActionRelay ActionKind = iota
	ActionDrop
	ActionChallengeIssued
	ActionRejected
)

func (k ActionKind) String() string {
	switch k {
	case ActionRelay:
		return "relay"
	case ActionDrop:
		return "drop"
	case ActionChallengeIssued:
		return "challenge"
	case ActionRejected:
		return "rejected"
	}
	return "unknown"
}

// Action is the admission decision for one inbound message. For ActionRelay,
// Message is what to relay: the inbound message itself, or the stored trigger
// of a CAPTCHA that was just solved.
type Action struct {
	Kind    ActionKind
	Reason  string
	Message *models.Message
}

type admissionPolicy struct {
	BlacklistEnabled bool
	CaptchaEnabled   bool
	AuditCount       int
	NotifyUser       bool
	SmartMode        bool
	CaptchaTimeout   time.Duration
}

// Admission runs the gates a private message passes before it is relayed:
// blacklist, pending CAPTCHA, moderation, plain CAPTCHA.
type Admission struct {
	tg        TelegramClient
	policy    admissionPolicy
	blacklist *Blacklist
	users     *Users
	captcha   *CaptchaManager
	moderator Classifier
}

func newAdmission(tg TelegramClient, cfg Config, blacklist *Blacklist, users *Users, captcha *CaptchaManager, moderator Classifier) *Admission {
	return &Admission{
		tg: tg,
		policy: admissionPolicy{
			BlacklistEnabled: cfg.BlacklistEnabled,
			CaptchaEnabled:   cfg.CaptchaEnabled,
			AuditCount:       cfg.AuditCount,
			NotifyUser:       cfg.AuditNotifyUser,
			SmartMode:        moderator != nil && cfg.smartModeActive(),
			CaptchaTimeout:   cfg.CaptchaTimeout,
		},
		blacklist: blacklist,
		users:     users,
		captcha:   captcha,
		moderator: moderator,
	}
}

func (a *Admission) say(ctx context.Context, chatID int64, text string, html bool) {
	params := &bot.SendMessageParams{ChatID: chatID, Text: text}
	if html {
		params.ParseMode = models.ParseModeHTML
	}
	if _, err := a.tg.SendMessage(ctx, params); err != nil {
		ErrorLogger.Printf("Error sending message to user %d: %v", chatID, err)
	}
}

// Admit decides what happens to msg. Callers serialize calls per sender.
func (a *Admission) Admit(ctx context.Context, msg *models.Message) (Action, error) {
	userID := msg.From.ID
	nickname := displayName(msg.From)

	if a.policy.BlacklistEnabled {
		banned, err := a.blacklist.IsBlacklisted(ctx, userID)
		if err != nil {
			return Action{}, err
		}
		if banned {
			return Action{Kind: ActionDrop, Reason: "blacklisted"}, nil
		}
	}

	user, err := a.users.Touch(ctx, userID, nickname)
	if err != nil {
		return Action{}, err
	}

	if a.policy.CaptchaEnabled {
		pending, err := a.captcha.Pending(ctx, userID)
		if err != nil {
			return Action{}, err
		}
		if pending != nil {
			return a.answerChallenge(ctx, msg)
		}
	}

	if a.moderator != nil && !user.IsAuditPassed {
		action, done, err := a.moderate(ctx, msg)
		if err != nil || done {
			return action, err
		}
	}

	if a.policy.CaptchaEnabled && !a.policy.SmartMode && !user.IsCaptchaPassed {
		return a.challenge(ctx, msg)
	}

	return Action{Kind: ActionRelay, Message: msg}, nil
}

func (a *Admission) answerChallenge(ctx context.Context, msg *models.Message) (Action, error) {
	userID := msg.From.ID
	if strings.TrimSpace(msg.Text) == "" {
		a.say(ctx, userID, "⚠️ Please reply with the verification code. Send /newcaptcha for a new picture.", false)
		return Action{Kind: ActionRejected, Reason: "captcha pending"}, nil
	}

	res, err := a.captcha.Verify(ctx, userID, msg.Text)
	if err != nil {
		return Action{}, err
	}
	if res.Success {
		a.say(ctx, userID, res.Message, false)
		if res.Trigger == nil {
			return Action{Kind: ActionDrop, Reason: "captcha passed without trigger"}, nil
		}
		return Action{Kind: ActionRelay, Reason: "captcha passed", Message: res.Trigger}, nil
	}

	if res.ShouldBan {
		if _, err := a.blacklist.Add(ctx, userID, displayName(msg.From), "Too many failed CAPTCHA attempts"); err != nil {
			return Action{}, err
		}
		a.say(ctx, userID, fmt.Sprintf("%s\n\nYour ID is <code>%d</code>", res.Message, userID), true)
		InfoLogger.Printf("User %d blacklisted after failing the captcha", userID)
		return Action{Kind: ActionDrop, Reason: "captcha retries exhausted"}, nil
	}
	if res.Exhausted {
		a.say(ctx, userID, res.Message, false)
		return Action{Kind: ActionRejected, Reason: "captcha retries exhausted"}, nil
	}
	a.say(ctx, userID, res.Message+"\n\nSend /newcaptcha for a new picture.", false)
	return Action{Kind: ActionRejected, Reason: "wrong captcha answer"}, nil
}

// moderate reports done=true when the moderation gate produced the final action.
func (a *Admission) moderate(ctx context.Context, msg *models.Message) (Action, bool, error) {
	userID := msg.From.ID
	if hasMedia(msg) {
		a.say(ctx, userID, "⚠️ For safety, please send a text message first. Pictures, videos and files are accepted once your messages have been reviewed.", false)
		return Action{Kind: ActionRejected, Reason: "media before moderation"}, true, nil
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		a.say(ctx, userID, "⚠️ Please send a text message so it can be reviewed.", false)
		return Action{Kind: ActionRejected, Reason: "no text"}, true, nil
	}

	verdict, err := a.moderator.Classify(ctx, text)
	if err != nil {
		ErrorLogger.Printf("Moderation failed for user %d, relaying anyway: %v", userID, err)
		return Action{}, false, nil
	}

	if verdict.IsAdvertisement {
		nickname := displayName(msg.From)
		if _, err := a.blacklist.Add(ctx, userID, nickname, fmt.Sprintf("AI auto-ban: advertisement (%s)", verdict.Reason)); err != nil {
			return Action{}, true, err
		}
		InfoLogger.Printf("Moderation flagged user %d (%s) as advertising: %s", userID, nickname, verdict.Reason)
		if a.policy.NotifyUser {
			a.say(ctx, userID, fmt.Sprintf("⚠️ Your message was blocked for prohibited content and you have been blacklisted.\n\nYour ID is <code>%d</code>", userID), true)
		}
		return Action{Kind: ActionDrop, Reason: "advertisement"}, true, nil
	}

	if verdict.IsMeaningless && a.policy.SmartMode {
		InfoLogger.Printf("Moderation found a meaningless message from user %d, issuing captcha: %s", userID, verdict.Reason)
		action, err := a.challenge(ctx, msg)
		return action, true, err
	}

	if _, err := a.users.RecordAuditPass(ctx, userID, a.policy.AuditCount); err != nil {
		return Action{}, true, err
	}
	return Action{}, false, nil
}

// challenge issues a CAPTCHA with msg as its trigger. A failure to produce or
// deliver it leaves no challenge behind, so the next message retries.
func (a *Admission) challenge(ctx context.Context, msg *models.Message) (Action, error) {
	userID := msg.From.ID
	issued, err := a.captcha.Issue(ctx, userID, false, msg)
	if err != nil {
		ErrorLogger.Printf("Failed to issue captcha to user %d: %v", userID, err)
		a.say(ctx, userID, "⚠️ Verification is temporarily unavailable. Please try again in a moment.", false)
		return Action{Kind: ActionRejected, Reason: "captcha unavailable"}, nil
	}
	if err := sendChallenge(ctx, a.tg, userID, issued, a.policy.CaptchaTimeout); err != nil {
		ErrorLogger.Printf("Failed to send captcha to user %d: %v", userID, err)
		if err := a.captcha.Discard(ctx, userID); err != nil {
			ErrorLogger.Printf("Failed to drop undelivered captcha of user %d: %v", userID, err)
		}
		a.say(ctx, userID, "⚠️ Verification is temporarily unavailable. Please try again in a moment.", false)
		return Action{Kind: ActionRejected, Reason: "captcha unavailable"}, nil
	}
	return Action{Kind: ActionChallengeIssued}, nil
}

func sendChallenge(ctx context.Context, tg TelegramClient, chatID int64, issued *IssuedChallenge, timeout time.Duration) error {
	_, err := tg.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID:  chatID,
		Photo:   &models.InputFileUpload{Filename: "captcha.png", Data: bytes.NewReader(issued.Image)},
		Caption: issued.Caption(timeout),
	})
	return err
}
