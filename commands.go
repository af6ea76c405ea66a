package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type commandKind int

const (
	cmdBan commandKind = iota + 1
	cmdUnban
	cmdBanlist
	cmdBansearch
	cmdInit
	cmdNewCaptcha
	cmdTestAudit
	cmdTestCaptcha
	cmdStats
	cmdInfo
	cmdDelete
	cmdPing
	cmdDC
	cmdStatus
	cmdHello
	cmdHelp
)

// commandTable maps every accepted spelling to its command.
var commandTable = map[string]commandKind{
	"/ban":         cmdBan,
	"/unban":       cmdUnban,
	"/banlist":     cmdBanlist,
	"/bansearch":   cmdBansearch,
	"/init":        cmdInit,
	"/newcaptcha":  cmdNewCaptcha,
	"/test":        cmdTestAudit,
	"/testaudit":   cmdTestAudit,
	"/testcaptcha": cmdTestCaptcha,
	"/stats":       cmdStats,
	"/info":        cmdInfo,
	"/del":         cmdDelete,
	"/d":           cmdDelete,
	"/c":           cmdDelete,
	"/cancel":      cmdDelete,
	"/remove":      cmdDelete,
	"/ping":        cmdPing,
	"/dc":          cmdDC,
	"/status":      cmdStatus,
	"/hello":       cmdHello,
	"/help":        cmdHelp,
}

type commandHandler func(ctx context.Context, msg *models.Message, args []string) error

func (b *Bot) commandHandlers() map[commandKind]commandHandler {
	return map[commandKind]commandHandler{
		cmdBan:         b.cmdBan,
		cmdUnban:       b.cmdUnban,
		cmdBanlist:     b.cmdBanlist,
		cmdBansearch:   b.cmdBansearch,
		cmdInit:        b.cmdInit,
		cmdNewCaptcha:  b.cmdNewCaptcha,
		cmdTestAudit:   b.cmdTestAudit,
		cmdTestCaptcha: b.cmdTestCaptcha,
		cmdStats:       b.cmdStats,
		cmdInfo:        b.cmdInfo,
		cmdDelete:      b.cmdDelete,
		cmdPing:        b.cmdPing,
		cmdDC:          b.cmdDC,
		cmdStatus:      b.cmdStatus,
		cmdHello:       b.cmdHello,
		cmdHelp:        b.cmdHelp,
	}
}

// parseCommand splits "/cmd@botname a b" into "/cmd" and its arguments.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	name, _, _ := strings.Cut(fields[0], "@")
	return name, fields[1:]
}

func (b *Bot) handleCommand(ctx context.Context, msg *models.Message) error {
	name, args := parseCommand(msg.Text)
	kind, ok := commandTable[name]
	if !ok {
		return nil
	}

	allowed := false
	switch kind {
	case cmdNewCaptcha:
		allowed = msg.Chat.Type == models.ChatTypePrivate && !b.isAdminChat(msg.Chat.ID) && msg.From.ID != b.config.AdminChatID
	case cmdHello:
		allowed = b.config.AdminChatID == 0 || b.isAdminChat(msg.Chat.ID)
	default:
		allowed = b.isAdminChat(msg.Chat.ID)
	}
	if !allowed {
		return nil
	}
	return b.commands[kind](ctx, msg, args)
}

// resolveTarget finds the sender a command is about: an explicit numeric id
// in args[0], or the conversation of the message the command replies to.
// The remaining arguments are returned.
func (b *Bot) resolveTarget(ctx context.Context, msg *models.Message, args []string) (int64, []string, error) {
	if len(args) > 0 {
		if id, err := strconv.ParseInt(args[0], 10, 64); err == nil {
			return id, args[1:], nil
		}
	}
	if msg.ReplyToMessage == nil {
		return 0, args, nil
	}
	rec, err := b.identityFor(ctx, msg.ReplyToMessage.ID)
	if err != nil || rec == nil {
		return 0, args, err
	}
	return rec.SenderID(), args, nil
}

// identityFor finds the record of an admin chat message, relayed copy or admin reply.
func (b *Bot) identityFor(ctx context.Context, adminMsgID int) (*IdentityRecord, error) {
	rec, err := b.store.FindByCopy(ctx, KindForward, b.config.AdminChatID, adminMsgID)
	if errors.Is(err, ErrNotFound) {
		rec, err = b.store.FindLatestByOriginal(ctx, KindReply, b.config.AdminChatID, adminMsgID)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (b *Bot) nicknameOf(ctx context.Context, userID int64) string {
	u, err := b.users.Get(ctx, userID)
	if err != nil || u == nil {
		return ""
	}
	return u.Nickname
}

func (b *Bot) cmdBan(ctx context.Context, msg *models.Message, args []string) error {
	userID, rest, err := b.resolveTarget(ctx, msg, args)
	if err != nil {
		return err
	}
	if userID == 0 {
		return b.sendResponse(ctx, msg.Chat.ID, "Usage: /ban <user id> [remark], or reply to a relayed message with /ban [remark].")
	}
	if userID == b.config.AdminChatID {
		return b.sendResponse(ctx, msg.Chat.ID, "You cannot ban yourself.")
	}
	remark := strings.Join(rest, " ")
	if remark == "" {
		remark = "Banned by admin"
	}
	res, err := b.blacklist.Add(ctx, userID, b.nicknameOf(ctx, userID), remark)
	if err != nil {
		return err
	}
	return b.sendResponse(ctx, msg.Chat.ID, res.Message)
}

func (b *Bot) cmdUnban(ctx context.Context, msg *models.Message, args []string) error {
	userID, _, err := b.resolveTarget(ctx, msg, args)
	if err != nil {
		return err
	}
	if userID == 0 {
		return b.sendResponse(ctx, msg.Chat.ID, "Usage: /unban <user id>, or reply to a relayed message with /unban.")
	}
	res, err := b.blacklist.Remove(ctx, userID)
	if err != nil {
		return err
	}
	return b.sendResponse(ctx, msg.Chat.ID, res.Message)
}

func (b *Bot) cmdBanlist(ctx context.Context, msg *models.Message, args []string) error {
	page := 1
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			page = n
		}
	}
	text, markup, err := b.renderBanlist(ctx, page)
	if err != nil {
		return err
	}
	_, err = b.tgBot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      msg.Chat.ID,
		Text:        text,
		ParseMode:   models.ParseModeHTML,
		ReplyMarkup: markup,
	})
	return err
}

const banlistCallbackPrefix = "banlist:"

// parseBanlistCallback returns page 0 for the page indicator button.
func parseBanlistCallback(data string) (int, bool) {
	rest, ok := strings.CutPrefix(data, banlistCallbackPrefix)
	if !ok {
		return 0, false
	}
	if rest == "current" {
		return 0, true
	}
	page, err := strconv.Atoi(rest)
	if err != nil || page < 1 {
		return 0, false
	}
	return page, true
}

func banlistKeyboard(p BanPage) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton
	if p.TotalPages > 1 {
		var nav []models.InlineKeyboardButton
		if p.HasPrev() {
			nav = append(nav, models.InlineKeyboardButton{Text: "◀️ Prev", CallbackData: fmt.Sprintf("%s%d", banlistCallbackPrefix, p.Page-1)})
		}
		nav = append(nav, models.InlineKeyboardButton{Text: fmt.Sprintf("%d/%d", p.Page, p.TotalPages), CallbackData: banlistCallbackPrefix + "current"})
		if p.HasNext() {
			nav = append(nav, models.InlineKeyboardButton{Text: "Next ▶️", CallbackData: fmt.Sprintf("%s%d", banlistCallbackPrefix, p.Page+1)})
		}
		rows = append(rows, nav)
	}
	rows = append(rows, []models.InlineKeyboardButton{
		{Text: "🔄 Refresh", CallbackData: fmt.Sprintf("%s%d", banlistCallbackPrefix, p.Page)},
	})
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func formatBanEntries(sb *strings.Builder, entries []BlacklistEntry, offset int) {
	for i, e := range entries {
		fmt.Fprintf(sb, "%d. <code>%d</code> %s\n", offset+i+1, e.UserID, html.EscapeString(nameOr(e.Nickname, "unknown")))
		if e.Remark != "" {
			fmt.Fprintf(sb, "   Remark: %s\n", html.EscapeString(e.Remark))
		}
		fmt.Fprintf(sb, "   Added: %s\n", e.CreatedAt.Format(timeLayout))
	}
}

func (b *Bot) renderBanlist(ctx context.Context, page int) (string, *models.InlineKeyboardMarkup, error) {
	entries, err := b.blacklist.List(ctx)
	if err != nil {
		return "", nil, err
	}
	p := paginate(entries, page, banlistPageSize)

	var sb strings.Builder
	fmt.Fprintf(&sb, "⚫ <b>Blacklist</b> (%d total)\n\n", p.Total)
	if p.Total == 0 {
		sb.WriteString("The blacklist is empty.")
	} else {
		formatBanEntries(&sb, p.Entries, (p.Page-1)*banlistPageSize)
		fmt.Fprintf(&sb, "\nPage %d of %d", p.Page, p.TotalPages)
	}
	return sb.String(), banlistKeyboard(p), nil
}

const maxSearchResults = 20

func (b *Bot) cmdBansearch(ctx context.Context, msg *models.Message, args []string) error {
	res, err := b.blacklist.Search(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if !res.Success {
		return b.sendResponse(ctx, msg.Chat.ID, res.Message+"\nUsage: /bansearch <id, nickname or remark>")
	}
	if len(res.Entries) == 0 {
		return b.sendResponse(ctx, msg.Chat.ID, "No blacklist entries match.")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🔍 <b>%d match(es)</b>\n\n", len(res.Entries))
	shown := res.Entries
	if len(shown) > maxSearchResults {
		shown = shown[:maxSearchResults]
	}
	formatBanEntries(&sb, shown, 0)
	if len(res.Entries) > len(shown) {
		fmt.Fprintf(&sb, "\n…and %d more. Narrow the keyword to see them.", len(res.Entries)-len(shown))
	}
	return b.sendHTML(ctx, msg.Chat.ID, sb.String(), 0)
}

func (b *Bot) cmdInit(ctx context.Context, msg *models.Message, args []string) error {
	userID, _, err := b.resolveTarget(ctx, msg, args)
	if err != nil {
		return err
	}
	if userID == 0 {
		return b.sendResponse(ctx, msg.Chat.ID, "Usage: /init <user id>, or reply to a relayed message with /init.")
	}
	unlock := b.userLocks.lock(userID)
	defer unlock()
	res, err := b.users.Reset(ctx, userID)
	if err != nil {
		return err
	}
	return b.sendResponse(ctx, msg.Chat.ID, res.Message)
}

// needsCaptcha reports whether a sender without a pending challenge would be
// challenged by the plain CAPTCHA gate.
func (b *Bot) needsCaptcha(user *UserRecord) bool {
	if !b.config.CaptchaEnabled || b.admission.policy.SmartMode {
		return false
	}
	return user == nil || !user.IsCaptchaPassed
}

func (b *Bot) cmdNewCaptcha(ctx context.Context, msg *models.Message, _ []string) error {
	if !b.config.CaptchaEnabled {
		return nil
	}
	userID := msg.From.ID
	unlock := b.userLocks.lock(userID)
	defer unlock()

	banned, err := b.blacklist.IsBlacklisted(ctx, userID)
	if err != nil {
		return err
	}
	if banned {
		InfoLogger.Printf("Blacklisted user %d asked for a new captcha", userID)
		return nil
	}

	res, err := b.captcha.Refresh(ctx, userID, displayName(msg.From))
	if err != nil {
		b.sendResponse(ctx, userID, "❌ Failed to generate a new code. Please try again later.")
		return err
	}

	switch res.Status {
	case RefreshRateLimited:
		wait := int(res.Wait.Round(time.Second).Seconds())
		return b.sendResponse(ctx, userID, fmt.Sprintf("⏰ Please wait %d seconds before requesting a new code.", max(wait, 1)))
	case RefreshBanned:
		return b.sendHTML(ctx, userID, fmt.Sprintf("❌ You have been blacklisted for refreshing the code too often.\n\nYour ID is <code>%d</code>", userID), 0)
	case RefreshIssued:
		return sendChallenge(ctx, b.tgBot, userID, res.Issued, b.config.CaptchaTimeout)
	}

	user, err := b.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !b.needsCaptcha(user) {
		return b.sendResponse(ctx, userID, "✅ You are already verified, no code is needed.")
	}
	issued, err := b.captcha.Issue(ctx, userID, false, nil)
	if err != nil {
		b.sendResponse(ctx, userID, "❌ Failed to generate a new code. Please try again later.")
		return err
	}
	return sendChallenge(ctx, b.tgBot, userID, issued, b.config.CaptchaTimeout)
}

func (b *Bot) cmdTestAudit(ctx context.Context, msg *models.Message, args []string) error {
	if b.moderator == nil {
		return b.sendResponse(ctx, msg.Chat.ID, "❌ AI moderation is not enabled. Set AI_AUDIT_ENABLED=1 and an API key for the selected provider.")
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" && msg.ReplyToMessage != nil {
		text = nameOr(msg.ReplyToMessage.Text, msg.ReplyToMessage.Caption)
	}
	if text == "" {
		return b.sendHTML(ctx, msg.Chat.ID, "❌ Please provide some text.\n\nUsage: <code>/test some text</code>", 0)
	}

	start := time.Now()
	verdict, err := b.moderator.Classify(ctx, text)
	elapsed := time.Since(start)
	if err != nil {
		return b.sendHTML(ctx, msg.Chat.ID, fmt.Sprintf("❌ <b>Moderation test failed</b>\n\n%s", html.EscapeString(err.Error())), 0)
	}

	verdictText := "✅ Normal content, would be relayed"
	switch {
	case verdict.IsAdvertisement:
		verdictText = "🚫 Advertisement, a new sender would be blacklisted"
	case verdict.IsMeaningless:
		verdictText = "❓ Meaningless, a new sender would get a CAPTCHA"
	}
	sample := text
	if r := []rune(sample); len(r) > 200 {
		sample = string(r[:200]) + "…"
	}
	report := fmt.Sprintf("<b>AI moderation test</b>\n\n<b>Text</b>\n<code>%s</code>\n\n<b>Verdict</b>: %s\n<b>Reason</b>: %s\n\n<b>Latency</b>: %d ms\n<b>Model</b>: %s",
		html.EscapeString(sample), verdictText, html.EscapeString(verdict.Reason), elapsed.Milliseconds(), html.EscapeString(b.moderator.Model()))
	return b.sendHTML(ctx, msg.Chat.ID, report, 0)
}

func (b *Bot) cmdTestCaptcha(ctx context.Context, msg *models.Message, _ []string) error {
	if !b.config.CaptchaEnabled {
		return b.sendResponse(ctx, msg.Chat.ID, "❌ CAPTCHA is not enabled. Set CAPTCHA_ENABLED=1.")
	}
	start := time.Now()
	kind, code, img, err := b.captcha.Sample()
	elapsed := time.Since(start)
	if err != nil {
		return b.sendResponse(ctx, msg.Chat.ID, fmt.Sprintf("❌ CAPTCHA test failed: %v", err))
	}

	caser := cases.Title(language.English)
	caption := fmt.Sprintf("✅ <b>CAPTCHA test</b>\n\n<b>Type</b>: %s\n<b>Answer</b>: <code>%s</code>\n<b>Render time</b>: %d ms\n<b>Expires after</b>: %d s\n<b>Max retries</b>: %d\n<b>Fail action</b>: %s\n\n<i>Test image only, nothing was stored.</i>",
		caser.String(string(kind)), code, elapsed.Milliseconds(), int(b.config.CaptchaTimeout.Seconds()), b.config.CaptchaMaxRetries, caser.String(b.config.CaptchaFailAction))
	_, err = b.tgBot.SendPhoto(ctx, &bot.SendPhotoParams{
		ChatID:    msg.Chat.ID,
		Photo:     &models.InputFileUpload{Filename: "captcha.png", Data: bytes.NewReader(img)},
		Caption:   caption,
		ParseMode: models.ParseModeHTML,
	})
	return err
}

func (b *Bot) cmdStats(ctx context.Context, msg *models.Message, args []string) error {
	userID, _, err := b.resolveTarget(ctx, msg, args)
	if err != nil {
		return err
	}
	if userID == 0 {
		return b.sendResponse(ctx, msg.Chat.ID, "⚠️ Reply to a relayed message (or pass a user id) to use this command.")
	}
	user, err := b.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return b.sendResponse(ctx, msg.Chat.ID, fmt.Sprintf("No statistics for user %d.", userID))
	}
	return b.sendResponse(ctx, msg.Chat.ID, formatStats(user))
}

func (b *Bot) cmdInfo(ctx context.Context, msg *models.Message, args []string) error {
	userID, _, err := b.resolveTarget(ctx, msg, args)
	if err != nil {
		return err
	}
	if userID == 0 {
		return b.sendResponse(ctx, msg.Chat.ID, "⚠️ Reply to a relayed message (or pass a user id) to use this command.")
	}
	user, err := b.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return b.sendResponse(ctx, msg.Chat.ID, fmt.Sprintf("❌ No profile found for user %d.", userID))
	}
	banned, err := b.blacklist.IsBlacklisted(ctx, userID)
	if err != nil {
		return err
	}

	text := formatProfile(user, banned, b.config.AuditCount)
	if msg.ReplyToMessage != nil {
		if rec, err := b.identityFor(ctx, msg.ReplyToMessage.ID); err == nil && rec != nil {
			text += fmt.Sprintf("\n\n💬 Message\nOriginal ID: %d\nCopy ID: %d\nRelayed at: %s", rec.OriginalMessageID, rec.CopyMessageID, rec.CreatedAt.Format(timeLayout))
		}
	}
	return b.sendResponse(ctx, msg.Chat.ID, text)
}

func (b *Bot) cmdDelete(ctx context.Context, msg *models.Message, _ []string) error {
	return b.relay.Remove(ctx, msg)
}

func (b *Bot) cmdPing(ctx context.Context, msg *models.Message, _ []string) error {
	start := time.Now()
	sent, err := b.tgBot.SendMessage(ctx, &bot.SendMessageParams{ChatID: msg.Chat.ID, Text: "pong"})
	if err != nil {
		return err
	}
	_, err = b.tgBot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    msg.Chat.ID,
		MessageID: sent.ID,
		Text:      fmt.Sprintf("pong (%d ms)", time.Since(start).Milliseconds()),
	})
	if isNotModified(err) {
		return nil
	}
	return err
}

func (b *Bot) cmdDC(ctx context.Context, msg *models.Message, _ []string) error {
	return b.sendResponse(ctx, msg.Chat.ID, b.dcReport(ctx))
}

func (b *Bot) cmdStatus(ctx context.Context, msg *models.Message, _ []string) error {
	return b.sendHTML(ctx, msg.Chat.ID, b.statusReport(ctx), 0)
}

func (b *Bot) cmdHello(ctx context.Context, msg *models.Message, _ []string) error {
	return b.sendHTML(ctx, msg.Chat.ID, fmt.Sprintf("👋 This chat's ID is <code>%d</code>", msg.Chat.ID), msg.ID)
}

const helpText = `<b>📖 Commands</b>

<b>Blacklist</b>
• <code>/ban [id] [remark]</code> - ban a sender (or reply to their message)
• <code>/unban [id]</code> - lift a ban
• <code>/banlist</code> - list banned senders
• <code>/bansearch &lt;keyword&gt;</code> - search by id, nickname or remark

<b>Senders</b>
• <code>/info</code> - profile of the sender of the replied message
• <code>/stats</code> - message statistics of that sender
• <code>/init [id]</code> - reset moderation and CAPTCHA state and unban

<b>Messages</b>
• <code>/del</code> - delete the replied message on both sides (aliases <code>/d</code>, <code>/c</code>, <code>/cancel</code>, <code>/remove</code>)

<b>Diagnostics</b>
• <code>/test &lt;text&gt;</code> - run AI moderation on some text (alias <code>/testaudit</code>)
• <code>/testcaptcha</code> - render a sample CAPTCHA
• <code>/ping</code>, <code>/dc</code>, <code>/status</code>
• <code>/hello</code> - show this chat's ID

Senders can use <code>/newcaptcha</code> to get a new verification picture.`

func (b *Bot) cmdHelp(ctx context.Context, msg *models.Message, _ []string) error {
	return b.sendHTML(ctx, msg.Chat.ID, helpText, 0)
}
