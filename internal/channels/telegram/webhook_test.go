package telegram_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/agentoven/wizard-runtime/internal/channels/telegram"
	"github.com/agentoven/wizard-runtime/internal/identity"
	"github.com/agentoven/wizard-runtime/internal/runtime"
	"github.com/agentoven/wizard-runtime/internal/store"
	"github.com/agentoven/wizard-runtime/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{chatID, text})
	return nil
}

func (f *fakeSender) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

type fakeRunner struct {
	mu     sync.Mutex
	inputs []runtime.Input
	err    error
}

func (f *fakeRunner) Run(_ context.Context, in runtime.Input) (*models.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &models.RunResult{Text: "wizard says: " + in.Prompt}, nil
}

func (f *fakeRunner) all() []runtime.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Input(nil), f.inputs...)
}

type harness struct {
	h      *telegram.Handler
	runner *fakeRunner
	sender *fakeSender
}

func newHarness(t *testing.T, secret string, perMinute int) *harness {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.UpsertTenant(ctx, &models.Tenant{ID: "acme", Plan: "pro", Status: models.TenantActive}))
	require.NoError(t, s.UpsertTenant(ctx, &models.Tenant{ID: "gone", Plan: "free", Status: models.TenantSuspended}))
	require.NoError(t, s.UpsertIdentity(ctx, &models.TenantIdentity{ID: "a", Channel: models.ChannelTelegram, ChatID: "42", TenantID: "acme", UserID: "alice", Active: true}))
	require.NoError(t, s.UpsertIdentity(ctx, &models.TenantIdentity{ID: "b", Channel: models.ChannelTelegram, ChatID: "43", TenantID: "gone", Active: true}))
	require.NoError(t, s.UpsertIdentity(ctx, &models.TenantIdentity{ID: "c", Channel: models.ChannelTelegram, ChatID: "44", TenantID: "acme", Active: true}))

	hs := &harness{runner: &fakeRunner{}, sender: &fakeSender{}}
	hs.h = telegram.NewHandler(telegram.HandlerConfig{
		Secret:   secret,
		Runner:   hs.runner,
		Resolver: identity.NewResolver(s, s),
		Sender:   hs.sender,
		Limiter:  telegram.NewChatLimiter(perMinute),
	})
	return hs
}

func update(chatID int64, text string) telegram.Update {
	return telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			MessageID: 7,
			From:      &telegram.User{ID: 900},
			Chat:      telegram.Chat{ID: chatID, Type: "private"},
			Text:      text,
		},
	}
}

func post(h http.Handler, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(telegram.SecretHeader, secret)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const linkedUpdate = `{"update_id":10,"message":{"message_id":3,"from":{"id":900},"chat":{"id":42,"type":"private"},"text":"build me a CLI"}}`

func TestWebhook_RejectsBadSecret(t *testing.T) {
	hs := newHarness(t, "s3cret", 0)

	for _, secret := range []string{"", "wrong", "s3cret-but-longer"} {
		w := post(hs.h, secret, linkedUpdate)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "secret %q", secret)
	}
	hs.h.Wait()
	assert.Empty(t, hs.runner.all())
	assert.Empty(t, hs.sender.all())
}

func TestWebhook_AcksAndProcesses(t *testing.T) {
	hs := newHarness(t, "s3cret", 0)

	w := post(hs.h, "s3cret", linkedUpdate)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	hs.h.Wait()

	inputs := hs.runner.all()
	require.Len(t, inputs, 1)
	assert.Equal(t, "acme", inputs[0].TenantID)
	assert.Equal(t, "alice", inputs[0].UserID)
	assert.Equal(t, models.ChannelTelegram, inputs[0].Channel)
	assert.Equal(t, "42:3", inputs[0].ExternalSessionID)
	assert.Equal(t, "build me a CLI", inputs[0].Prompt)

	msgs := hs.sender.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(42), msgs[0].chatID)
	assert.Equal(t, "wizard says: build me a CLI", msgs[0].text)
}

func TestWebhook_NoSecretConfigured(t *testing.T) {
	hs := newHarness(t, "", 0)
	w := post(hs.h, "", linkedUpdate)
	assert.Equal(t, http.StatusOK, w.Code)
	hs.h.Wait()
	assert.Len(t, hs.runner.all(), 1)
}

func TestWebhook_MalformedBody(t *testing.T) {
	hs := newHarness(t, "", 0)
	w := post(hs.h, "", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcess_NotLinked(t *testing.T) {
	hs := newHarness(t, "", 0)
	hs.h.Process(context.Background(), update(999, "hello"))

	assert.Empty(t, hs.runner.all())
	msgs := hs.sender.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "not linked")
	assert.Contains(t, msgs[0].text, "999")
}

func TestProcess_InactiveTenant(t *testing.T) {
	hs := newHarness(t, "", 0)
	hs.h.Process(context.Background(), update(43, "hello"))

	assert.Empty(t, hs.runner.all())
	msgs := hs.sender.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "contact support")
}

func TestProcess_ChatWideIdentityUsesTelegramUser(t *testing.T) {
	hs := newHarness(t, "", 0)
	hs.h.Process(context.Background(), update(44, "hello"))

	inputs := hs.runner.all()
	require.Len(t, inputs, 1)
	assert.Equal(t, "telegram:900", inputs[0].UserID)
}

func TestProcess_HelpCommands(t *testing.T) {
	hs := newHarness(t, "", 0)
	hs.h.Process(context.Background(), update(999, "/start"))
	hs.h.Process(context.Background(), update(999, "/help@WizardBot"))

	assert.Empty(t, hs.runner.all())
	msgs := hs.sender.all()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Contains(t, m.text, "/wizard <id>")
	}
}

func TestProcess_IgnoresEmpty(t *testing.T) {
	hs := newHarness(t, "", 0)
	hs.h.Process(context.Background(), telegram.Update{UpdateID: 1})
	hs.h.Process(context.Background(), update(42, "   "))
	assert.Empty(t, hs.runner.all())
	assert.Empty(t, hs.sender.all())
}

func TestProcess_RunErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"budget":   {&models.BudgetExceededError{TenantID: "acme", CeilingUSD: 5}, "monthly budget"},
		"invalid":  {models.InvalidInputf("unknown wizard %q", "oz"), `unknown wizard "oz"`},
		"provider": {models.ErrProviderCallFailed, "Something went wrong"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			hs := newHarness(t, "", 0)
			hs.runner.err = tc.err
			hs.h.Process(context.Background(), update(42, "go"))

			msgs := hs.sender.all()
			require.Len(t, msgs, 1)
			assert.Contains(t, msgs[0].text, tc.want)
		})
	}
}

func TestProcess_RateLimited(t *testing.T) {
	hs := newHarness(t, "", 2)
	for i := 0; i < 4; i++ {
		hs.h.Process(context.Background(), update(42, "spam"))
	}
	assert.Len(t, hs.runner.all(), 2)

	msgs := hs.sender.all()
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[3].text, "too fast")
}

func TestChatLimiter_NilAllowsAll(t *testing.T) {
	l := telegram.NewChatLimiter(0)
	assert.Nil(t, l)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(1))
	}
}

func TestChatLimiter_PerChat(t *testing.T) {
	l := telegram.NewChatLimiter(1)
	assert.True(t, l.Allow(1))
	assert.False(t, l.Allow(1))
	assert.True(t, l.Allow(2))
}
