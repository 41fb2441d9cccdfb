package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xraph/tally"
	"github.com/xraph/tally/billing"
	"github.com/xraph/tally/mutation"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/quota"
	"github.com/xraph/tally/session"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/usage"
)

const webhookSecret = "whsec_http_test"

type testServer struct {
	srv   *Server
	store *memory.Store
	queue *mutation.Queue
	calls *atomic.Int64
}

type fakeCheckout struct{}

func (fakeCheckout) Create(_ context.Context, subject, _ string) (string, error) {
	return "https://checkout.test/" + subject, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(t *testing.T, opts ...func(*Deps)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier := session.VerifierFunc(func(_ context.Context, token string) (*session.Identity, error) {
		if !strings.HasPrefix(token, "valid:") {
			return nil, errors.New("token rejected")
		}
		return &session.Identity{Subject: strings.TrimPrefix(token, "valid:"), Email: "owner@example.com"}, nil
	})
	mgr, err := session.NewManager([]byte("http-test-secret"), verifier,
		session.WithRevocations(session.NewMemoryRevocations()),
	)
	if err != nil {
		t.Fatal(err)
	}

	s := memory.New()
	q := mutation.New(s, nil)
	t.Cleanup(func() { _ = q.Close(context.Background()) })

	catalog := plan.NewCatalog(plan.Plan{Tier: plan.Starter, Features: []plan.Feature{
		{Key: plan.FeatureMealPlan, Limit: 2},
		{Key: plan.FeatureRecipe, Limit: 5},
	}})

	calls := &atomic.Int64{}
	gen := GeneratorFunc(func(_ context.Context, subject string, _ json.RawMessage) (any, error) {
		calls.Add(1)
		return map[string]string{"plan": "chicken and rice for " + subject}, nil
	})

	d := Deps{
		Sessions:   mgr,
		Gate:       quota.NewGate(mgr, s, q, quota.WithCatalog(catalog)),
		Queue:      q,
		Webhooks:   billing.NewHandler(webhookSecret, q),
		Checkout:   fakeCheckout{},
		Health:     fakePinger{},
		Generators: map[string]Generator{plan.FeatureMealPlan: gen},
		Validator: ValidatorFunc(func(_ string, input json.RawMessage) error {
			var body struct {
				DogName string `json:"dogName"`
			}
			if err := json.Unmarshal(input, &body); err != nil || body.DogName == "" {
				return tally.ValidationError{Field: "dogName", Message: "required"}
			}
			return nil
		}),
	}
	for _, opt := range opts {
		opt(&d)
	}

	return &testServer{srv: New(d), store: s, queue: q, calls: calls}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, cookie *http.Cookie, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) signIn(t *testing.T, subject string) *http.Cookie {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/auth/session", gin.H{"idToken": "valid:" + subject}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sign in = %d: %s", rec.Code, rec.Body)
	}
	c := sessionCookie(rec)
	if c == nil {
		t.Fatal("no session cookie")
	}
	return c
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	return nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func (ts *testServer) record(t *testing.T, subject string) *usage.Record {
	t.Helper()
	if err := ts.queue.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap, err := ts.store.Get(context.Background(), usage.Path(subject))
	if err != nil {
		t.Fatal(err)
	}
	return usage.Decode(subject, snap)
}

// ──────────────────────────────────────────────────
// Sessions
// ──────────────────────────────────────────────────

func TestCreateSession(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/auth/session", gin.H{"idToken": "valid:u1"}, nil)

	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "success" {
		t.Fatalf("response = %d %s", rec.Code, rec.Body)
	}
	c := sessionCookie(rec)
	if c == nil || c.Value == "" {
		t.Fatal("session cookie not set")
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode || c.Path != "/" || c.MaxAge != 432000 {
		t.Fatalf("cookie = %+v", c)
	}

	r := ts.record(t, "u1")
	if !r.Exists || r.CreatedAt.IsZero() || r.Plan != plan.Starter {
		t.Fatalf("record = %+v", r)
	}
}

func TestCreateSessionInvalidToken(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/auth/session", gin.H{"idToken": "forged"}, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("401 must not set a cookie")
	}
	if ts.store.Len() != 0 {
		t.Fatal("401 must not write")
	}
}

func TestCreateSessionMissingToken(t *testing.T) {
	ts := newTestServer(t)
	for _, body := range []any{gin.H{}, gin.H{"idToken": "  "}, []byte("not json")} {
		rec := ts.do(t, http.MethodPost, "/auth/session", body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %v status = %d", body, rec.Code)
		}
	}
}

func TestDeleteSessionAlwaysClears(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodDelete, "/auth/session", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status without session = %d", rec.Code)
	}
	if c := sessionCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Fatalf("clearing cookie = %+v", c)
	}

	cookie := ts.signIn(t, "u1")
	rec = ts.do(t, http.MethodDelete, "/auth/session", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with session = %d", rec.Code)
	}
	if c := sessionCookie(rec); c == nil || c.MaxAge >= 0 {
		t.Fatalf("clearing cookie = %+v", c)
	}

	// The destroyed session is revoked everywhere.
	if rec := ts.do(t, http.MethodGet, "/me", nil, cookie); rec.Code != http.StatusUnauthorized {
		t.Fatalf("/me after sign-out = %d", rec.Code)
	}

	// Signing straight back in gives a working session.
	again := ts.signIn(t, "u1")
	if rec := ts.do(t, http.MethodGet, "/me", nil, again); rec.Code != http.StatusOK {
		t.Fatalf("/me after signing back in = %d", rec.Code)
	}
}

// ──────────────────────────────────────────────────
// Gated actions
// ──────────────────────────────────────────────────

func TestMealPlanQuotaOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signIn(t, "u1")
	body := gin.H{"dogName": "Rex"}

	for i, want := range []float64{1, 0} {
		rec := ts.do(t, http.MethodPost, "/meal-plans", body, cookie)
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d = %d %s", i+1, rec.Code, rec.Body)
		}
		out := decode(t, rec)
		if out["remaining"] != want || out["data"] == nil {
			t.Fatalf("call %d = %v", i+1, out)
		}
		if err := ts.queue.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	rec := ts.do(t, http.MethodPost, "/meal-plans", body, cookie)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("call 3 = %d", rec.Code)
	}
	out := decode(t, rec)
	if out["remaining"] != float64(0) || out["data"] != nil {
		t.Fatalf("call 3 = %v", out)
	}
	if !strings.Contains(out["message"].(string), "meal plans") {
		t.Fatalf("message = %q", out["message"])
	}
	if got := ts.calls.Load(); got != 2 {
		t.Fatalf("generator calls = %d", got)
	}
	if got := ts.record(t, "u1").Used(plan.FeatureMealPlan); got != 2 {
		t.Fatalf("counter = %d", got)
	}
}

func exhaust(t *testing.T, ts *testServer, subject string) {
	t.Helper()
	err := ts.store.Set(context.Background(), usage.Path(subject), store.Fields{
		usage.CounterField(plan.FeatureMealPlan): int64(2),
	}, true)
	if err != nil {
		t.Fatal(err)
	}
}

func TestGatedActionLocalized(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signIn(t, "u1")
	exhaust(t, ts, "u1")

	rec := ts.do(t, http.MethodPost, "/meal-plans", gin.H{"dogName": "Rex"}, cookie, "Accept-Language", "es-MX,es;q=0.9")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	msg := decode(t, rec)["message"].(string)
	if !strings.Contains(msg, "planes de comida") {
		t.Fatalf("message = %q", msg)
	}

	rec = ts.do(t, http.MethodPost, "/meal-plans", gin.H{"dogName": "Rex"}, cookie, "Accept-Language", "fr-FR")
	if msg := decode(t, rec)["message"].(string); !strings.Contains(msg, "meal plans") {
		t.Fatalf("fallback message = %q", msg)
	}
}

func TestGatedActionUnauthorized(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/meal-plans", gin.H{"dogName": "Rex"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if ts.calls.Load() != 0 {
		t.Fatal("generator ran without a session")
	}
}

func TestGatedActionValidation(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signIn(t, "u1")

	rec := ts.do(t, http.MethodPost, "/meal-plans", gin.H{"dogName": ""}, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decode(t, rec)
	errs, _ := out["errors"].(map[string]any)
	if errs["dogName"] != "required" {
		t.Fatalf("errors = %v", out["errors"])
	}
	if out["remaining"] != float64(2) {
		t.Fatalf("remaining = %v", out["remaining"])
	}
	if ts.calls.Load() != 0 {
		t.Fatal("generator ran on invalid input")
	}
	if got := ts.record(t, "u1").Used(plan.FeatureMealPlan); got != 0 {
		t.Fatalf("counter = %d", got)
	}
}

func TestGatedActionWorkFailed(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) {
		d.Generators = map[string]Generator{
			plan.FeatureMealPlan: GeneratorFunc(func(context.Context, string, json.RawMessage) (any, error) {
				return nil, errors.New("model overloaded")
			}),
		}
	})
	cookie := ts.signIn(t, "u1")

	rec := ts.do(t, http.MethodPost, "/meal-plans", gin.H{"dogName": "Rex"}, cookie)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "overloaded") {
		t.Fatal("internal error leaked to the client")
	}
	if got := ts.record(t, "u1").Used(plan.FeatureMealPlan); got != 0 {
		t.Fatalf("counter = %d", got)
	}
}

func TestGatedActionUnavailableHidesStoreCodes(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signIn(t, "u1")
	if err := ts.queue.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	ts.store.SetInterceptor(func(_ context.Context, op, _ string) error {
		if op == store.OpGet {
			return store.NewError(op, "", store.CodePermissionDenied, errors.New("rules rejected read"))
		}
		return nil
	})

	rec := ts.do(t, http.MethodPost, "/meal-plans", gin.H{"dogName": "Rex"}, cookie)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "permission") || strings.Contains(body, "rules") {
		t.Fatalf("store detail leaked: %s", body)
	}
}

// ──────────────────────────────────────────────────
// Account
// ──────────────────────────────────────────────────

func TestMe(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signIn(t, "u1")
	ts.do(t, http.MethodPost, "/meal-plans", gin.H{"dogName": "Rex"}, cookie)
	if err := ts.queue.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, http.MethodGet, "/me", nil, cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := decode(t, rec)
	if out["subject"] != "u1" || out["plan"] != "starter" {
		t.Fatalf("me = %v", out)
	}
	features, _ := out["features"].([]any)
	if len(features) != 2 {
		t.Fatalf("features = %v", out["features"])
	}
	for _, f := range features {
		st := f.(map[string]any)
		if st["feature"] == plan.FeatureMealPlan && (st["used"] != float64(1) || st["remaining"] != float64(1)) {
			t.Fatalf("meal-plan status = %v", st)
		}
	}

	if rec := ts.do(t, http.MethodGet, "/me", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("/me without session = %d", rec.Code)
	}
}

func TestProfileSelfHeals(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signIn(t, "u1")
	if err := ts.queue.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ts.store.Delete(context.Background(), usage.Path("u1")); err != nil {
		t.Fatal(err)
	}

	rec := ts.do(t, http.MethodPut, "/profile", gin.H{"ownerName": "Sam", "dogName": "Rex"}, cookie)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	r := ts.record(t, "u1")
	if !r.Exists || r.OwnerName != "Sam" || r.DogName != "Rex" {
		t.Fatalf("record = %+v", r)
	}

	rec = ts.do(t, http.MethodPut, "/profile", gin.H{"ownerName": "", "dogName": "Rex"}, cookie)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid profile = %d", rec.Code)
	}
}

func TestCheckout(t *testing.T) {
	ts := newTestServer(t)
	cookie := ts.signIn(t, "u1")

	rec := ts.do(t, http.MethodPost, "/billing/checkout", nil, cookie)
	if rec.Code != http.StatusOK || decode(t, rec)["url"] != "https://checkout.test/u1" {
		t.Fatalf("checkout = %d %s", rec.Code, rec.Body)
	}

	unconfigured := newTestServer(t, func(d *Deps) { d.Checkout = nil })
	cookie = unconfigured.signIn(t, "u1")
	if rec := unconfigured.do(t, http.MethodPost, "/billing/checkout", nil, cookie); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured checkout = %d", rec.Code)
	}
}

// ──────────────────────────────────────────────────
// Webhooks and health
// ──────────────────────────────────────────────────

func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeWebhook(t *testing.T) {
	ts := newTestServer(t)
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","created":1767225600,` +
		`"data":{"object":{"id":"cs_1","object":"checkout.session","customer":"cus_1","subscription":"sub_1","metadata":{"userId":"u1"}}}}`)

	rec := ts.do(t, http.MethodPost, "/webhooks/stripe", payload, nil, billing.SignatureHeader, signPayload(payload, "whsec_wrong"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad signature = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/webhooks/stripe", payload, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing signature = %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		rec = ts.do(t, http.MethodPost, "/webhooks/stripe", payload, nil, billing.SignatureHeader, signPayload(payload, webhookSecret))
		if rec.Code != http.StatusOK || decode(t, rec)["received"] != true {
			t.Fatalf("delivery %d = %d %s", i+1, rec.Code, rec.Body)
		}
	}
	r := ts.record(t, "u1")
	if r.Plan != plan.Premium || r.SubscriptionID != "sub_1" || r.CustomerID != "cus_1" {
		t.Fatalf("record = %+v", r)
	}
}

func TestStripeWebhookUnconfigured(t *testing.T) {
	ts := newTestServer(t, func(d *Deps) { d.Webhooks = billing.NewHandler("", d.Queue) })
	payload := []byte(`{}`)

	rec := ts.do(t, http.MethodPost, "/webhooks/stripe", payload, nil, billing.SignatureHeader, signPayload(payload, webhookSecret))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}

	down := newTestServer(t, func(d *Deps) { d.Health = fakePinger{err: errors.New("no route to host")} })
	if rec := down.do(t, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health when down = %d", rec.Code)
	}
}

func TestRequestID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Header().Get(headerRequestID) == "" {
		t.Fatal("request id not assigned")
	}
	rec = ts.do(t, http.MethodGet, "/health", nil, nil, headerRequestID, "req-42")
	if got := rec.Header().Get(headerRequestID); got != "req-42" {
		t.Fatalf("request id = %q", got)
	}
}
