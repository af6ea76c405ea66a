package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
)

// Visually ambiguous characters (0/O, 1/I) are left out.
const captchaAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const captchaCodeLength = 4

const refreshBanRemark = "Excessive CAPTCHA refreshing, suspected automation"

var ErrNoChallenge = errors.New("no active captcha challenge")

type captchaPolicy struct {
	MaxRetries      int
	FailAction      string
	Timeout         time.Duration
	RefreshCooldown time.Duration
	RefreshLimit    int
}

func captchaPolicyFrom(cfg Config) captchaPolicy {
	return captchaPolicy{
		MaxRetries:      cfg.CaptchaMaxRetries,
		FailAction:      cfg.CaptchaFailAction,
		Timeout:         cfg.CaptchaTimeout,
		RefreshCooldown: cfg.CaptchaRefreshCooldown,
		RefreshLimit:    cfg.CaptchaRefreshLimit,
	}
}

// CaptchaManager issues and verifies per-user challenges.
type CaptchaManager struct {
	store     CaptchaStore
	users     *Users
	blacklist *Blacklist
	clock     Clock
	policy    captchaPolicy

	render func(text string) ([]byte, error)
	intn   func(n int) int
}

func newCaptchaManager(store CaptchaStore, users *Users, blacklist *Blacklist, clock Clock, policy captchaPolicy) *CaptchaManager {
	return &CaptchaManager{
		store:     store,
		users:     users,
		blacklist: blacklist,
		clock:     clock,
		policy:    policy,
		render:    renderCaptcha,
		intn:      rand.Intn,
	}
}

// IssuedChallenge is a persisted challenge together with its picture.
type IssuedChallenge struct {
	Challenge *CaptchaChallenge
	Image     []byte
}

// Caption is the text sent alongside the image.
func (ic *IssuedChallenge) Caption(timeout time.Duration) string {
	var task string
	if ic.Challenge.Kind == ChallengeArithmetic {
		task = "Please solve the arithmetic problem in the picture and send the result."
	} else {
		task = "Please type the characters shown in the picture (case-insensitive)."
	}
	return fmt.Sprintf("🔐 Verification required\n\n%s\nThe code expires in %d seconds. Send /newcaptcha for a different picture.",
		task, int(timeout.Seconds()))
}

// generate picks a text or arithmetic challenge. It returns the expected
// answer and the text to draw.
func (m *CaptchaManager) generate() (ChallengeKind, string, string) {
	if m.intn(2) == 0 {
		var sb strings.Builder
		for i := 0; i < captchaCodeLength; i++ {
			sb.WriteByte(captchaAlphabet[m.intn(len(captchaAlphabet))])
		}
		code := sb.String()
		return ChallengeText, code, code
	}

	var a, b, answer int
	var op string
	switch m.intn(3) {
	case 0:
		a, b = m.intn(20)+1, m.intn(20)+1
		op, answer = "+", a+b
	case 1:
		a = m.intn(20) + 10
		b = m.intn(a) // b < a keeps the result positive
		op, answer = "-", a-b
	default:
		a, b = m.intn(10)+1, m.intn(10)+1
		op, answer = "x", a*b
	}
	return ChallengeArithmetic, strconv.Itoa(answer), fmt.Sprintf("%d %s %d = ?", a, op, b)
}

// Issue replaces any challenge the user has with a fresh one. The image is
// rendered before anything is stored, so a render failure leaves no record.
// With preserveRefresh the refresh counters of the current challenge carry over.
func (m *CaptchaManager) Issue(ctx context.Context, userID int64, preserveRefresh bool, trigger *models.Message) (*IssuedChallenge, error) {
	now := m.clock.Now()
	kind, code, text := m.generate()
	img, err := m.render(text)
	if err != nil {
		return nil, fmt.Errorf("failed to render captcha: %w", err)
	}

	c := &CaptchaChallenge{
		UserID:    userID,
		Code:      code,
		Kind:      kind,
		ExpiresAt: now.Add(m.policy.Timeout),
		CreatedAt: now,
	}
	if preserveRefresh {
		prev, err := m.store.GetActiveChallenge(ctx, userID, now)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if prev != nil {
			c.RefreshCount = prev.RefreshCount
			c.LastRefreshAt = prev.LastRefreshAt
		}
	}
	if err := c.SetTrigger(trigger); err != nil {
		return nil, fmt.Errorf("failed to encode trigger message: %w", err)
	}
	if err := m.store.SaveChallenge(ctx, c); err != nil {
		return nil, err
	}
	InfoLogger.Printf("Issued %s captcha to user %d (expires %s)", kind, userID, c.ExpiresAt.Format(time.RFC3339))
	return &IssuedChallenge{Challenge: c, Image: img}, nil
}

// Pending returns the active challenge of userID, or nil.
func (m *CaptchaManager) Pending(ctx context.Context, userID int64) (*CaptchaChallenge, error) {
	c, err := m.store.GetActiveChallenge(ctx, userID, m.clock.Now())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

type VerifyResult struct {
	Success bool
	Message string
	// Exhausted is set once the retry budget is spent and the challenge is gone.
	Exhausted bool
	ShouldBan bool
	Remaining int
	Trigger   *models.Message
}

// Verify checks an answer. On success the challenge is consumed and the
// stored trigger message returned for relaying.
func (m *CaptchaManager) Verify(ctx context.Context, userID int64, input string) (VerifyResult, error) {
	c, err := m.Pending(ctx, userID)
	if err != nil {
		return VerifyResult{}, err
	}
	if c == nil {
		return VerifyResult{Message: "⌛ The verification code has expired. Please send a message again to get a new one."}, nil
	}

	if strings.EqualFold(strings.TrimSpace(input), c.Code) {
		trigger, err := c.Trigger()
		if err != nil {
			ErrorLogger.Printf("Failed to decode trigger message for user %d: %v", userID, err)
		}
		if err := m.store.DeleteChallenge(ctx, userID); err != nil {
			return VerifyResult{}, err
		}
		if err := m.users.MarkCaptchaPassed(ctx, userID); err != nil {
			return VerifyResult{}, err
		}
		return VerifyResult{Success: true, Message: "✅ Verification passed. Your message has been delivered.", Trigger: trigger}, nil
	}

	retries, err := m.store.IncrementRetries(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		// Expired between the read and the increment.
		return VerifyResult{Message: "⌛ The verification code has expired. Please send a message again to get a new one."}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	if retries >= m.policy.MaxRetries {
		if err := m.store.DeleteChallenge(ctx, userID); err != nil {
			return VerifyResult{}, err
		}
		res := VerifyResult{Exhausted: true, ShouldBan: m.policy.FailAction == FailActionBan}
		if res.ShouldBan {
			res.Message = "❌ Too many wrong answers. You have been blocked."
		} else {
			res.Message = "❌ Too many wrong answers. Please send a message again to get a new code."
		}
		return res, nil
	}
	remaining := m.policy.MaxRetries - retries
	return VerifyResult{
		Remaining: remaining,
		Message:   fmt.Sprintf("❌ Wrong answer. %d attempt(s) left.", remaining),
	}, nil
}

type RefreshStatus int

const (
	RefreshIssued RefreshStatus = iota
	RefreshRateLimited
	RefreshBanned
	RefreshNoChallenge
)

type RefreshResult struct {
	Status RefreshStatus
	Wait   time.Duration
	Issued *IssuedChallenge
}

// Refresh swaps the pending challenge for a new picture. The first refresh
// is free; later ones must respect the cooldown. Reaching the refresh limit
// blacklists the user and drops the challenge.
func (m *CaptchaManager) Refresh(ctx context.Context, userID int64, nickname string) (RefreshResult, error) {
	c, err := m.Pending(ctx, userID)
	if err != nil {
		return RefreshResult{}, err
	}
	if c == nil {
		return RefreshResult{Status: RefreshNoChallenge}, nil
	}

	now := m.clock.Now()
	if c.RefreshCount > 0 {
		if elapsed := now.Sub(c.LastRefreshAt); elapsed < m.policy.RefreshCooldown {
			return RefreshResult{Status: RefreshRateLimited, Wait: m.policy.RefreshCooldown - elapsed}, nil
		}
	}

	count, err := m.store.RecordRefresh(ctx, userID, now)
	if err != nil {
		return RefreshResult{}, err
	}
	if count >= m.policy.RefreshLimit {
		if _, err := m.blacklist.Add(ctx, userID, nickname, refreshBanRemark); err != nil {
			return RefreshResult{}, err
		}
		if err := m.store.DeleteChallenge(ctx, userID); err != nil {
			return RefreshResult{}, err
		}
		InfoLogger.Printf("User %d blacklisted after %d captcha refreshes", userID, count)
		return RefreshResult{Status: RefreshBanned}, nil
	}

	trigger, err := c.Trigger()
	if err != nil {
		ErrorLogger.Printf("Failed to decode trigger message for user %d: %v", userID, err)
	}
	issued, err := m.Issue(ctx, userID, true, trigger)
	if err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{Status: RefreshIssued, Issued: issued}, nil
}

// Discard drops the user's challenge, pending or not.
func (m *CaptchaManager) Discard(ctx context.Context, userID int64) error {
	if err := m.store.DeleteChallenge(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Sample renders a throwaway challenge without storing it.
func (m *CaptchaManager) Sample() (ChallengeKind, string, []byte, error) {
	kind, code, text := m.generate()
	img, err := m.render(text)
	return kind, code, img, err
}
