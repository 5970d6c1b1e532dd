package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	billingdomain "github.com/grantlinehq/grantline/internal/billing/domain"
	billingservice "github.com/grantlinehq/grantline/internal/billing/service"
	"github.com/grantlinehq/grantline/internal/clock"
	"github.com/grantlinehq/grantline/internal/config"
	"github.com/grantlinehq/grantline/internal/database"
	"github.com/grantlinehq/grantline/internal/jwks"
	ledgerdomain "github.com/grantlinehq/grantline/internal/ledger/domain"
	ledgerservice "github.com/grantlinehq/grantline/internal/ledger/service"
	"github.com/grantlinehq/grantline/internal/observability"
	taskdomain "github.com/grantlinehq/grantline/internal/task/domain"
	taskservice "github.com/grantlinehq/grantline/internal/task/service"
	webhookdomain "github.com/grantlinehq/grantline/internal/webhook/domain"
	falwebhook "github.com/grantlinehq/grantline/internal/webhook/fal"
	webhookservice "github.com/grantlinehq/grantline/internal/webhook/service"
	stripewebhook "github.com/grantlinehq/grantline/internal/webhook/stripe"
	webhookeventdomain "github.com/grantlinehq/grantline/internal/webhookevent/domain"
	webhookeventrepo "github.com/grantlinehq/grantline/internal/webhookevent/repository"
)

const testWebhookSecret = "whsec_server_test"

type env struct {
	router     *gin.Engine
	db         *gorm.DB
	now        time.Time
	falPriv    ed25519.PrivateKey
	setJWKSDoc func([]byte)
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.CreditGrant{},
		&ledgerdomain.CreditTransaction{},
		&ledgerdomain.CreditTransactionDetail{},
		&billingdomain.BillingUser{},
		&billingdomain.Subscription{},
		&billingdomain.SubscriptionPeriod{},
		&billingdomain.Purchase{},
		&billingdomain.Invoice{},
		&taskdomain.Task{},
		&webhookeventdomain.WebhookEvent{},
		&webhookeventdomain.WebhookEventLog{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	now := time.Date(2026, time.August, 20, 12, 0, 0, 0, time.UTC)
	fixed := clock.Fixed{T: now}
	tx := database.NewTxRunnerWithTimeout(db, 10*time.Minute)
	log := zap.NewNop()
	cfg := config.Config{
		Stripe:  config.StripeConfig{WebhookSecret: testWebhookSecret},
		Credits: config.CreditsConfig{NewUserAward: 30},
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kty": "OKP", "crv": "Ed25519",
		"x": base64.RawURLEncoding.EncodeToString(pub),
	}}})
	require.NoError(t, err)
	jwksDoc := doc
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(jwksDoc)
	}))
	t.Cleanup(jwksServer.Close)
	mr := miniredis.RunT(t)
	keys := jwks.NewClient(jwksServer.URL, 24*time.Hour, 10*time.Second,
		jwks.NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()})), log)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: fixed, Tx: tx,
	})
	billingSvc := billingservice.NewService(billingservice.Params{
		DB: db, Log: log, GenID: node, Clock: fixed, Tx: tx, Cfg: cfg, LedgerSvc: ledgerSvc,
	})
	taskSvc := taskservice.NewService(taskservice.Params{
		DB: db, Log: log, GenID: node, Clock: fixed, Tx: tx, LedgerSvc: ledgerSvc,
	})
	store := webhookeventrepo.NewStore(webhookeventrepo.Params{
		DB: db, Log: log, GenID: node, Clock: fixed, Tx: tx,
	})
	registry := webhookdomain.NewRegistry(
		stripewebhook.NewReconciler(stripewebhook.Params{Log: log, Cfg: cfg, BillingSvc: billingSvc}),
		falwebhook.NewReconciler(falwebhook.Params{Log: log, Clock: fixed, Keys: keys, TaskSvc: taskSvc}),
	)
	metrics := observability.NewMetrics()
	webhookSvc := webhookservice.NewService(webhookservice.Params{
		Log: log, Clock: fixed, Store: store, Registry: registry, Metrics: metrics,
	})

	srv := &Server{
		log:        log,
		cfg:        cfg,
		db:         db,
		webhookSvc: webhookSvc,
		ledgerSvc:  ledgerSvc,
		billingSvc: billingSvc,
		metrics:    metrics,
	}
	return &env{
		router:     srv.Router(),
		db:         db,
		now:        now,
		falPriv:    priv,
		setJWKSDoc: func(d []byte) { jwksDoc = d },
	}
}

func (e *env) post(t *testing.T, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func stripeSignature(t *testing.T, body []byte) string {
	t.Helper()
	timestamp := "1767225600"
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	_, err := mac.Write([]byte(timestamp + "." + string(body)))
	require.NoError(t, err)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeWebhookEndToEnd(t *testing.T) {
	e := newEnv(t)

	body := []byte(fmt.Sprintf(`{
		"id": "evt_e2e_1",
		"type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_e2e",
			"status": "active",
			"current_period_start": %d,
			"metadata": {"user_id": "u-e2e", "credits": "200"},
			"plan": {"amount": 1200, "currency": "usd", "interval": "month", "interval_count": 1}
		}}
	}`, e.now.Unix()))

	resp := e.post(t, "/webhooks/stripe", body, map[string]string{
		"Stripe-Signature": stripeSignature(t, body),
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var event webhookeventdomain.WebhookEvent
	require.NoError(t, e.db.First(&event, "event_id = ?", "evt_e2e_1").Error)
	require.Equal(t, webhookeventdomain.StatusSucceeded, event.Status)

	var sub billingdomain.Subscription
	require.NoError(t, e.db.First(&sub, "provider_subscription_id = ?", "sub_e2e").Error)
	require.Equal(t, billingdomain.SubscriptionStatusActive, sub.Status)

	// Redelivery answers 200 without reprocessing.
	resp = e.post(t, "/webhooks/stripe", body, map[string]string{
		"Stripe-Signature": stripeSignature(t, body),
	})
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), "duplicate")

	var grants int64
	require.NoError(t, e.db.Model(&ledgerdomain.CreditGrant{}).
		Where("source = ?", ledgerdomain.GrantSourceSubscription).Count(&grants).Error)
	require.Equal(t, int64(1), grants)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t)

	body := []byte(`{"id":"evt_forged","type":"ping"}`)
	resp := e.post(t, "/webhooks/stripe", body, map[string]string{
		"Stripe-Signature": "t=1,v1=deadbeef",
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Contains(t, resp.Body.String(), "WEBHOOK_ERROR")

	var count int64
	require.NoError(t, e.db.Model(&webhookeventdomain.WebhookEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestFalWebhookHeaderAndSignatureStatuses(t *testing.T) {
	e := newEnv(t)

	body := []byte(`{"status":"OK"}`)
	resp := e.post(t, "/webhooks/fal/task-1/0/image", body, nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	headers := map[string]string{
		"X-Fal-Webhook-Request-Id": "req-e2e",
		"X-Fal-Webhook-User-Id":    "fal-u",
		"X-Fal-Webhook-Timestamp":  strconv.FormatInt(e.now.Unix(), 10),
		"X-Fal-Webhook-Signature":  strings.Repeat("ab", ed25519.SignatureSize),
	}
	resp = e.post(t, "/webhooks/fal/task-1/0/image", body, headers)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestFalWebhookEmptyKeySetIsUnauthorized(t *testing.T) {
	e := newEnv(t)
	e.setJWKSDoc([]byte(`{"keys":[]}`))

	body := []byte(`{"status":"OK"}`)
	resp := e.post(t, "/webhooks/fal/task-1/0/image", body, map[string]string{
		"X-Fal-Webhook-Request-Id": "req-nokeys",
		"X-Fal-Webhook-User-Id":    "fal-u",
		"X-Fal-Webhook-Timestamp":  strconv.FormatInt(e.now.Unix(), 10),
		"X-Fal-Webhook-Signature":  strings.Repeat("ab", ed25519.SignatureSize),
	})
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	var count int64
	require.NoError(t, e.db.Model(&webhookeventdomain.WebhookEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestFalWebhookSettlesTask(t *testing.T) {
	e := newEnv(t)

	// Seed a billing user with credits and a pending reserved task.
	body := []byte(`{"user_id":"u-task","amount":100}`)
	resp := e.post(t, "/api/grants", body, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, resp.Code)

	var user billingdomain.BillingUser
	require.NoError(t, e.db.First(&user, "user_id = ?", "u-task").Error)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	tx := database.NewTxRunnerWithTimeout(e.db, 10*time.Minute)
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: e.db, Log: zap.NewNop(), GenID: node, Clock: clock.Fixed{T: e.now}, Tx: tx,
	})
	taskSvc := taskservice.NewService(taskservice.Params{
		DB: e.db, Log: zap.NewNop(), GenID: node, Clock: clock.Fixed{T: e.now}, Tx: tx, LedgerSvc: ledgerSvc,
	})
	_, err = taskSvc.Create(context.Background(), taskdomain.CreateRequest{
		BillingUserID:  user.ID,
		Provider:       webhookeventdomain.ProviderFal,
		ProviderTaskID: "task-e2e",
		ReserveCredits: 50,
	})
	require.NoError(t, err)

	falBody := []byte(`{"request_id":"req-settle","status":"OK"}`)
	timestamp := strconv.FormatInt(e.now.Unix(), 10)
	bodyHash := sha256.Sum256(falBody)
	message := strings.Join([]string{
		"req-settle", "fal-u", timestamp, hex.EncodeToString(bodyHash[:]),
	}, "\n")
	signature := ed25519.Sign(e.falPriv, []byte(message))

	resp = e.post(t, "/webhooks/fal/task-e2e/0/image", falBody, map[string]string{
		"X-Fal-Webhook-Request-Id": "req-settle",
		"X-Fal-Webhook-User-Id":    "fal-u",
		"X-Fal-Webhook-Timestamp":  timestamp,
		"X-Fal-Webhook-Signature":  hex.EncodeToString(signature),
	})
	require.Equal(t, http.StatusOK, resp.Code)

	task, err := taskSvc.FindByProviderTaskID(context.Background(), webhookeventdomain.ProviderFal, "task-e2e")
	require.NoError(t, err)
	require.Equal(t, taskdomain.StatusCompleted, task.Status)
}

func TestGrantAPIAndBalance(t *testing.T) {
	e := newEnv(t)

	body := []byte(`{"user_id":"u-api","amount":75,"description":"manual top-up"}`)
	resp := e.post(t, "/api/grants", body, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, resp.Code)

	var user billingdomain.BillingUser
	require.NoError(t, e.db.First(&user, "user_id = ?", "u-api").Error)

	req := httptest.NewRequest(http.MethodGet, "/api/balance/"+user.ID.String(), nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	// 30 new-user award + 75 admin adjustment.
	require.Contains(t, rec.Body.String(), `"balance":105`)

	req = httptest.NewRequest(http.MethodGet, "/api/grants/"+user.ID.String(), nil)
	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), string(ledgerdomain.GrantSourceAdminAdjust))
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
