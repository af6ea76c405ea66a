package main

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captchaFixture struct {
	mgr   *CaptchaManager
	store Store
	clock *MockClock
	bl    *Blacklist
	users *Users
}

func newCaptchaFixture(t *testing.T, policy captchaPolicy) *captchaFixture {
	store := newTestStore(t)
	clock := newTestClock()
	users := newUsers(store, clock)
	bl := newBlacklist(store, clock)
	mgr := newCaptchaManager(store, users, bl, clock, policy)
	mgr.render = func(string) ([]byte, error) { return []byte("png"), nil }
	mgr.intn = func(int) int { return 0 }
	_, err := users.Touch(context.Background(), testUserID, "Alice")
	require.NoError(t, err)
	return &captchaFixture{mgr: mgr, store: store, clock: clock, bl: bl, users: users}
}

func defaultCaptchaPolicy() captchaPolicy {
	return captchaPolicyFrom(testConfig())
}

// sequence returns an intn stub replaying values, each taken modulo n.
func sequence(values ...int) func(int) int {
	i := 0
	return func(n int) int {
		v := values[i%len(values)]
		i++
		return v % n
	}
}

func TestCaptchaGenerate(t *testing.T) {
	tests := []struct {
		name       string
		values     []int
		wantKind   ChallengeKind
		wantAnswer string
		wantText   string
	}{
		{"text", []int{0, 0, 1, 2, 3}, ChallengeText, "ABCD", "ABCD"},
		{"addition", []int{1, 0, 4, 6}, ChallengeArithmetic, "12", "5 + 7 = ?"},
		{"subtraction", []int{1, 1, 5, 3}, ChallengeArithmetic, "12", "15 - 3 = ?"},
		{"multiplication", []int{1, 2, 2, 3}, ChallengeArithmetic, "12", "3 x 4 = ?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCaptchaFixture(t, defaultCaptchaPolicy())
			f.mgr.intn = sequence(tt.values...)
			kind, answer, text := f.mgr.generate()
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantAnswer, answer)
			assert.Equal(t, tt.wantText, text)
		})
	}
}

func TestCaptchaGenerate_RandomStaysInRange(t *testing.T) {
	f := newCaptchaFixture(t, defaultCaptchaPolicy())
	f.mgr.intn = newCaptchaManager(nil, nil, nil, nil, captchaPolicy{}).intn
	for i := 0; i < 200; i++ {
		kind, answer, _ := f.mgr.generate()
		if kind == ChallengeText {
			assert.Len(t, answer, captchaCodeLength)
			for _, r := range answer {
				assert.True(t, strings.ContainsRune(captchaAlphabet, r))
			}
			continue
		}
		n, err := strconv.Atoi(answer)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)
	}
}

func TestCaptcha_VerifySuccessReturnsTrigger(t *testing.T) {
	ctx := context.Background()
	f := newCaptchaFixture(t, defaultCaptchaPolicy())
	trigger := privateMsg(11, testUserID, "original text")

	issued, err := f.mgr.Issue(ctx, testUserID, false, trigger)
	require.NoError(t, err)
	assert.Equal(t, "AAAA", issued.Challenge.Code)
	assert.Contains(t, issued.Caption(3*time.Minute), "180 seconds")

	res, err := f.mgr.Verify(ctx, testUserID, " aaaa ")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Trigger)
	assert.Equal(t, 11, res.Trigger.ID)
	assert.Equal(t, "original text", res.Trigger.Text)

	pending, err := f.mgr.Pending(ctx, testUserID)
	require.NoError(t, err)
	assert.Nil(t, pending, "a solved challenge is consumed")

	u, err := f.users.Get(ctx, testUserID)
	require.NoError(t, err)
	assert.True(t, u.IsCaptchaPassed)
}

func TestCaptcha_VerifyRetriesThenBan(t *testing.T) {
	ctx := context.Background()
	f := newCaptchaFixture(t, defaultCaptchaPolicy())
	_, err := f.mgr.Issue(ctx, testUserID, false, nil)
	require.NoError(t, err)

	res, err := f.mgr.Verify(ctx, testUserID, "nope")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Remaining)

	res, err = f.mgr.Verify(ctx, testUserID, "nope")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)

	res, err = f.mgr.Verify(ctx, testUserID, "nope")
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.True(t, res.ShouldBan)

	pending, err := f.mgr.Pending(ctx, testUserID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestCaptcha_VerifyBlockDoesNotBan(t *testing.T) {
	ctx := context.Background()
	policy := defaultCaptchaPolicy()
	policy.MaxRetries = 1
	policy.FailAction = FailActionBlock
	f := newCaptchaFixture(t, policy)
	_, err := f.mgr.Issue(ctx, testUserID, false, nil)
	require.NoError(t, err)

	res, err := f.mgr.Verify(ctx, testUserID, "wrong")
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.False(t, res.ShouldBan)
}

func TestCaptcha_VerifyExpired(t *testing.T) {
	ctx := context.Background()
	f := newCaptchaFixture(t, defaultCaptchaPolicy())
	_, err := f.mgr.Issue(ctx, testUserID, false, nil)
	require.NoError(t, err)

	f.clock.Advance(4 * time.Minute)
	res, err := f.mgr.Verify(ctx, testUserID, "AAAA")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "expired")
}

func TestCaptcha_IssueRenderFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	f := newCaptchaFixture(t, defaultCaptchaPolicy())
	f.mgr.render = func(string) ([]byte, error) { return nil, errors.New("no font") }

	_, err := f.mgr.Issue(ctx, testUserID, false, nil)
	require.Error(t, err)
	pending, err := f.mgr.Pending(ctx, testUserID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestCaptcha_Refresh(t *testing.T) {
	ctx := context.Background()
	policy := defaultCaptchaPolicy()
	policy.RefreshLimit = 3
	f := newCaptchaFixture(t, policy)

	res, err := f.mgr.Refresh(ctx, testUserID, "Alice")
	require.NoError(t, err)
	assert.Equal(t, RefreshNoChallenge, res.Status)

	trigger := privateMsg(21, testUserID, "hi")
	_, err = f.mgr.Issue(ctx, testUserID, false, trigger)
	require.NoError(t, err)

	res, err = f.mgr.Refresh(ctx, testUserID, "Alice")
	require.NoError(t, err)
	require.Equal(t, RefreshIssued, res.Status, "the first refresh is free")
	assert.Equal(t, 1, res.Issued.Challenge.RefreshCount)

	res, err = f.mgr.Refresh(ctx, testUserID, "Alice")
	require.NoError(t, err)
	assert.Equal(t, RefreshRateLimited, res.Status)
	assert.Equal(t, 10*time.Second, res.Wait)

	f.clock.Advance(4 * time.Second)
	res, err = f.mgr.Refresh(ctx, testUserID, "Alice")
	require.NoError(t, err)
	assert.Equal(t, RefreshRateLimited, res.Status)
	assert.Equal(t, 6*time.Second, res.Wait)

	f.clock.Advance(6 * time.Second)
	res, err = f.mgr.Refresh(ctx, testUserID, "Alice")
	require.NoError(t, err)
	require.Equal(t, RefreshIssued, res.Status)

	pending, err := f.mgr.Pending(ctx, testUserID)
	require.NoError(t, err)
	got, err := pending.Trigger()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 21, got.ID, "refresh keeps the trigger message")

	f.clock.Advance(10 * time.Second)
	res, err = f.mgr.Refresh(ctx, testUserID, "Alice")
	require.NoError(t, err)
	assert.Equal(t, RefreshBanned, res.Status)

	banned, err := f.bl.IsBlacklisted(ctx, testUserID)
	require.NoError(t, err)
	assert.True(t, banned)
	pending, err = f.mgr.Pending(ctx, testUserID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestCaptchaChallenge_TriggerRoundTrip(t *testing.T) {
	c := &CaptchaChallenge{}
	got, err := c.Trigger()
	require.NoError(t, err)
	assert.Nil(t, got)

	msg := &models.Message{ID: 3, Chat: models.Chat{ID: testUserID}, Caption: "photo caption"}
	require.NoError(t, c.SetTrigger(msg))
	got, err = c.Trigger()
	require.NoError(t, err)
	assert.Equal(t, msg.Caption, got.Caption)
	assert.Equal(t, testUserID, got.Chat.ID)

	require.NoError(t, c.SetTrigger(nil))
	assert.Empty(t, c.TriggerMessage)
}

func TestCaptcha_Discard(t *testing.T) {
	ctx := context.Background()
	f := newCaptchaFixture(t, defaultCaptchaPolicy())
	_, err := f.mgr.Issue(ctx, testUserID, false, nil)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Discard(ctx, testUserID))
	pending, err := f.mgr.Pending(ctx, testUserID)
	require.NoError(t, err)
	assert.Nil(t, pending)

	assert.NoError(t, f.mgr.Discard(ctx, testUserID), "discarding twice is fine")
}

func TestCaptchaSample(t *testing.T) {
	ctx := context.Background()
	f := newCaptchaFixture(t, defaultCaptchaPolicy())
	kind, code, img, err := f.mgr.Sample()
	require.NoError(t, err)
	assert.Equal(t, ChallengeText, kind)
	assert.Equal(t, "AAAA", code)
	assert.NotEmpty(t, img)

	pending, err := f.mgr.Pending(ctx, testUserID)
	require.NoError(t, err)
	assert.Nil(t, pending, "samples are never stored")
}
