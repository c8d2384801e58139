package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"p2potc/core/events"
	"p2potc/crypto"
	gatewayauth "p2potc/gateway/auth"
	"p2potc/gateway/middleware"
	nativecommon "p2potc/native/common"
	"p2potc/native/otc"
	"p2potc/services/otcd/journal"
	"p2potc/services/otcd/payout"
	"p2potc/services/otcd/service"
	"p2potc/services/otcd/viewkey"
	"p2potc/storage"
)

const (
	testJWTSecret      = "jwt-test-secret"
	testCustodyKey     = "custody-1"
	testCustodySecret  = "custody-secret"
	otherCustodyKey    = "custody-2"
	otherCustodySecret = "custody-secret-2"
)

type staticViewKeys map[crypto.Address]string

func (v staticViewKeys) Validate(_ context.Context, user crypto.Address, key string) error {
	if want, ok := v[user]; !ok || key == "" || want != key {
		return viewkey.ErrKeyMismatch
	}
	return nil
}

type serverEnv struct {
	srv      *Server
	handler  http.Handler
	hub      *events.Hub
	vault    *payout.Vault
	payouts  *payout.Processor
	auth     middleware.AuthConfig
	admin    crypto.Address
	dealer   crypto.Address
	customer crypto.Address
}

func setupServerEnvironment(t *testing.T) *serverEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	j, err := journal.New(db)
	require.NoError(t, err)

	vault, err := payout.NewVault(nil)
	require.NoError(t, err)
	env := &serverEnv{
		hub:      events.NewHub(),
		vault:    vault,
		payouts:  payout.NewProcessor(payout.WithWallet(vault)),
		auth:     middleware.AuthConfig{HMACSecret: testJWTSecret, Issuer: "otcd"},
		admin:    crypto.Address{0xA1},
		dealer:   crypto.Address{0x01},
		customer: crypto.Address{0x02},
	}
	svc, err := service.New(storage.NewMemDB(), env.payouts, service.WithJournal(j), service.WithPublisher(env.hub))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Bootstrap(ctx, otc.Config{
		Admins:        []crypto.Address{env.admin},
		CommissionBps: 100,
		Assets:        [3]string{"USDT", "USDC", "DAI"},
		AuthService:   "https://auth.example",
	})
	require.NoError(t, err)
	for _, addr := range []crypto.Address{env.dealer, env.customer} {
		_, err := svc.RegisterPaymentInfo(ctx, addr, otc.PaymentInfo{Method: "bank", Detail: "acct " + addr.String()})
		require.NoError(t, err)
	}

	env.srv, err = New(Config{
		Service:     svc,
		Payouts:     env.payouts,
		Hub:         env.hub,
		Idempotency: j,
		Callers:     middleware.NewAuthenticator(env.auth, nil),
		Custody:     gatewayauth.NewAuthenticator(map[string]string{
			testCustodyKey:  testCustodySecret,
			otherCustodyKey: otherCustodySecret,
		}, time.Minute, 10*time.Minute),
		ViewKeys: staticViewKeys{
			env.admin:    "admin-key",
			env.dealer:   "dealer-key",
			env.customer: "customer-key",
		},
		ExportDir: t.TempDir(),
	})
	require.NoError(t, err)
	env.handler = env.srv.Handler()
	return env
}

func (env *serverEnv) token(t *testing.T, addr crypto.Address) string {
	t.Helper()
	tok, err := middleware.IssueToken(env.auth, addr, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func (env *serverEnv) call(t *testing.T, method, path, body string, caller *crypto.Address, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+env.token(t, *caller))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func (env *serverEnv) deposit(t *testing.T, body, idempotencyKey string) *httptest.ResponseRecorder {
	t.Helper()
	return env.depositAs(t, testCustodyKey, testCustodySecret, body, idempotencyKey)
}

func (env *serverEnv) depositAs(t *testing.T, apiKey, secret, body, idempotencyKey string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/custody/deposits", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}
	gatewayauth.SignRequest(req, apiKey, secret, uuid.NewString(), time.Now(), []byte(body))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func (env *serverEnv) openSellPost(t *testing.T) *otc.Post {
	t.Helper()
	rec := env.call(t, http.MethodPost, "/v1/posts",
		`{"asset":"usdt","amount":"1000000","minAmount":"100000","currency":"USD","price":"50000"}`, &env.dealer, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var post otc.Post
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &post))

	body := fmt.Sprintf(`{"depositor":%q,"amount":"1000000","asset":"USDT","postId":%d}`, env.dealer.String(), post.ID)
	dep := env.deposit(t, body, "deposit-post-"+fmt.Sprint(post.ID))
	require.Equal(t, http.StatusAccepted, dep.Code, dep.Body.String())
	return &post
}

func TestSellDealOverHTTP(t *testing.T) {
	env := setupServerEnvironment(t)
	post := env.openSellPost(t)
	require.Equal(t, env.dealer, post.Dealer)

	rec := env.call(t, http.MethodPost, fmt.Sprintf("/v1/posts/%d/deals", post.ID), `{"amount":"200000"}`, &env.customer, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var deal otc.Deal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deal))

	rec = env.call(t, http.MethodPost, fmt.Sprintf("/v1/deals/%d/confirm-transfer", deal.ID), "", &env.customer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.call(t, http.MethodPost, fmt.Sprintf("/v1/deals/%d/resolve", deal.ID), "", &env.dealer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deal))
	require.Equal(t, otc.DealStateResolve, deal.State)

	rec = env.call(t, http.MethodGet, "/v1/revenue", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"revenue":"2000"}`, rec.Body.String())

	rec = env.call(t, http.MethodGet, "/v1/deals/past", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var past struct {
		Deals []otc.Deal `json:"deals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &past))
	require.Len(t, past.Deals, 1)

	require.Len(t, env.vault.Transfers(), 1)
	require.Equal(t, env.customer, env.vault.Transfers()[0].Recipient)
}

func TestDealDetailRequiresViewingKey(t *testing.T) {
	env := setupServerEnvironment(t)
	post := env.openSellPost(t)
	rec := env.call(t, http.MethodPost, fmt.Sprintf("/v1/posts/%d/deals", post.ID), `{"amount":"200000"}`, &env.customer, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	path := "/v1/deals/1"

	rec = env.call(t, http.MethodGet, path, "", &env.customer, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.call(t, http.MethodGet, path, "", &env.customer, map[string]string{HeaderViewingKey: "dealer-key"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.call(t, http.MethodGet, path, "", &env.customer, map[string]string{HeaderViewingKey: "customer-key"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var detail otc.DealDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.NotNil(t, detail.PaymentInfo)
	require.Equal(t, "acct "+env.dealer.String(), detail.PaymentInfo.Detail)

	stranger := crypto.Address{0x0F}
	rec = env.call(t, http.MethodGet, path, "", &stranger, map[string]string{HeaderViewingKey: "anything"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.call(t, http.MethodGet, "/v1/deals/99", "", &env.admin, map[string]string{HeaderViewingKey: "admin-key"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.call(t, http.MethodGet, "/v1/me/deals", "", &env.customer, map[string]string{HeaderViewingKey: "customer-key"})
	require.Equal(t, http.StatusOK, rec.Code)
	var mine struct {
		Deals []otc.Deal `json:"deals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	require.Len(t, mine.Deals, 1)
}

func TestCustodyDepositAuthAndIdempotency(t *testing.T) {
	env := setupServerEnvironment(t)
	rec := env.call(t, http.MethodPost, "/v1/posts",
		`{"asset":"USDT","amount":"500000","minAmount":"100000","currency":"USD","price":"50000"}`, &env.dealer, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := fmt.Sprintf(`{"depositor":%q,"amount":"500000","asset":"USDT","postId":1}`, env.dealer.String())

	unsigned := env.call(t, http.MethodPost, "/v1/custody/deposits", body, nil, nil)
	require.Equal(t, http.StatusUnauthorized, unsigned.Code)

	first := env.deposit(t, body, "dep-1")
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	replay := env.deposit(t, body, "dep-1")
	require.Equal(t, http.StatusAccepted, replay.Code)
	require.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
	require.Equal(t, first.Body.String(), replay.Body.String())
	require.Equal(t, "500000", env.vault.Balance("USDT").String())

	again := env.deposit(t, body, "dep-2")
	require.Equal(t, http.StatusConflict, again.Code)
}

func TestIdempotencyKeysAreScopedPerCustodian(t *testing.T) {
	env := setupServerEnvironment(t)
	rec := env.call(t, http.MethodPost, "/v1/posts",
		`{"asset":"USDT","amount":"500000","minAmount":"100000","currency":"USD","price":"50000"}`, &env.dealer, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := fmt.Sprintf(`{"depositor":%q,"amount":"500000","asset":"USDT","postId":1}`, env.dealer.String())

	first := env.deposit(t, body, "shared-key")
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())

	// The same key from another custodian is a fresh request, not a replay.
	other := env.depositAs(t, otherCustodyKey, otherCustodySecret, body, "shared-key")
	require.Empty(t, other.Header().Get("Idempotent-Replay"))
	require.Equal(t, http.StatusConflict, other.Code, other.Body.String())
	require.Equal(t, "500000", env.vault.Balance("USDT").String())

	long := env.deposit(t, body, strings.Repeat("k", 130))
	require.Equal(t, http.StatusBadRequest, long.Code)
}

func TestAdminRoutes(t *testing.T) {
	env := setupServerEnvironment(t)

	rec := env.call(t, http.MethodPost, "/v1/posts", `{"asset":"USDT"}`, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.call(t, http.MethodPost, "/v1/admin/revenue/sweep", "", &env.dealer, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), "unauthorized")

	moderator := crypto.Address{0xB2}
	rec = env.call(t, http.MethodPost, "/v1/admin/moderators/"+moderator.String(), "", &env.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.call(t, http.MethodGet, "/v1/moderators", "", nil, nil)
	require.Contains(t, rec.Body.String(), moderator.String())

	rec = env.call(t, http.MethodPatch, "/v1/admin/config", `{"commissionBps":250}`, &env.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cfg otc.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	require.EqualValues(t, 250, cfg.CommissionBps)

	rec = env.call(t, http.MethodPost, "/v1/admin/archive/export", "", &env.customer, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.call(t, http.MethodPost, "/v1/admin/payouts/pause", "", &env.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.payouts.Status().Paused)

	rec = env.call(t, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"paused":true`)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{otc.ErrUnauthorized, http.StatusForbidden},
		{otc.ErrMismatchDealer, http.StatusForbidden},
		{fmt.Errorf("%w: 7", otc.ErrNoMatchingDeal), http.StatusNotFound},
		{&otc.DealNotExpiredError{Expiry: 10}, http.StatusConflict},
		{otc.ErrUnexpectedPostState, http.StatusConflict},
		{&otc.MismatchDepositAmountError{}, http.StatusBadRequest},
		{otc.ErrAmountMoreThanPostRemaining, http.StatusBadRequest},
		{nativecommon.ErrModulePaused, http.StatusServiceUnavailable},
		{fmt.Errorf("execute transfer: %w", payout.ErrProcessorPaused), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestEventStream(t *testing.T) {
	env := setupServerEnvironment(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events?type=otc.post", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/posts",
		strings.NewReader(`{"asset":"USDT","amount":"1000","minAmount":"100","currency":"USD","price":"1"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, env.dealer))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var rec events.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, otc.EventTypePostCreated, rec.Type)
	require.Equal(t, "1", rec.Attributes["postId"])
}
