package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telecare/internal/auth"
	"github.com/hackgods/telecare/internal/booking"
	"github.com/hackgods/telecare/internal/chat"
	"github.com/hackgods/telecare/internal/payment"
	"github.com/hackgods/telecare/internal/realtime"
)

const testSecret = "api-test-secret"

type fixture struct {
	srv     *httptest.Server
	issuer  *auth.Issuer
	router  *realtime.Router
	patient auth.Identity
	other   auth.Identity
	doctor  auth.Identity
}

func newFixture(t *testing.T, verifier payment.Verifier, health *HealthHandler) *fixture {
	t.Helper()
	log := zerolog.Nop()
	locks := booking.NewManager(booking.NewMemoryRepository(), log)
	chatSvc := chat.NewService(chat.NewMemoryRepository(), log)
	hub := realtime.NewHub(log)
	rt := realtime.NewRouter(chatSvc, hub, realtime.NewLocalBroadcaster(hub), realtime.Config{}, log)

	handler := NewRouter(RouterConfig{
		Locks:         locks,
		Payments:      verifier,
		Chat:          chatSvc,
		Realtime:      rt,
		Authenticator: auth.NewJWTAuthenticator(testSecret),
		Health:        health,
		CORSOrigins:   []string{"*"},
		Log:           log,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &fixture{
		srv:     srv,
		issuer:  auth.NewIssuer(testSecret),
		router:  rt,
		patient: auth.Identity{Role: auth.RoleUser, ID: uuid.New()},
		other:   auth.Identity{Role: auth.RoleUser, ID: uuid.New()},
		doctor:  auth.Identity{Role: auth.RoleDoctor, ID: uuid.New()},
	}
}

// do sends body as JSON with a token for as and decodes the reply into out.
func (f *fixture) do(t *testing.T, as auth.Identity, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	token, err := f.issuer.Issue(as, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) lock(t *testing.T, as auth.Identity) (LockResponse, int) {
	t.Helper()
	var resp LockResponse
	status := f.do(t, as, http.MethodPost, "/lock", map[string]string{
		"doctor_id": f.doctor.ID.String(),
		"date":      "2030-05-01",
		"time":      "9:00 am",
	}, &resp)
	return resp, status
}

func TestRequiresBearerToken(t *testing.T) {
	f := newFixture(t, payment.StaticVerifier{}, nil)

	resp, err := http.Post(f.srv.URL+"/lock", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLockFlow(t *testing.T) {
	f := newFixture(t, payment.StaticVerifier{}, nil)

	first, status := f.lock(t, f.patient)
	if status != http.StatusCreated {
		t.Fatalf("first lock status = %d", status)
	}
	if first.Time != "09:00 AM" || first.Status != booking.StatusLocked || first.ExpiresAt == nil {
		t.Fatalf("unexpected lock %+v", first)
	}

	var errResp ErrorResponse
	if status := f.do(t, f.other, http.MethodPost, "/lock", map[string]string{
		"doctor_id": f.doctor.ID.String(), "date": "2030-05-01", "time": "09:00 AM",
	}, &errResp); status != http.StatusConflict || errResp.Error != "slot_unavailable" {
		t.Fatalf("second lock = %d %+v", status, errResp)
	}

	var avail AvailabilityResponse
	f.do(t, f.other, http.MethodGet, "/slots/availability?doctor_id="+f.doctor.ID.String()+"&date=2030-05-01&time=09:00%20AM", nil, &avail)
	if avail.Available {
		t.Fatal("slot should be unavailable while locked")
	}

	if status := f.do(t, f.other, http.MethodGet, "/lock/"+first.ID.String(), nil, &errResp); status != http.StatusForbidden {
		t.Fatalf("foreign get status = %d", status)
	}

	var final LockResponse
	if status := f.do(t, f.patient, http.MethodPost, "/finalize", map[string]string{
		"lock_id": first.ID.String(), "payment_id": "pay_1",
	}, &final); status != http.StatusOK {
		t.Fatalf("finalize status = %d", status)
	}
	if final.Status != booking.StatusFinalized || final.PaymentID != "pay_1" || final.ExpiresAt != nil {
		t.Fatalf("unexpected finalized lock %+v", final)
	}

	if status := f.do(t, f.patient, http.MethodPost, "/finalize", map[string]string{
		"lock_id": first.ID.String(), "payment_id": "pay_2",
	}, &errResp); status != http.StatusConflict || errResp.Error != "already_finalized" {
		t.Fatalf("second finalize = %d %+v", status, errResp)
	}

	if status := f.do(t, f.patient, http.MethodPatch, "/lock/"+first.ID.String()+"/cancel", nil, &errResp); status != http.StatusConflict {
		t.Fatalf("cancel finalized hold = %d", status)
	}

	var taken TakenSlotsResponse
	f.do(t, f.patient, http.MethodGet, "/doctors/"+f.doctor.ID.String()+"/slots?date=2030-05-01", nil, &taken)
	if len(taken.Taken) != 1 || taken.Taken[0] != "09:00 AM" {
		t.Fatalf("taken = %v", taken.Taken)
	}

	var cancelled LockResponse
	if status := f.do(t, f.doctor, http.MethodPatch, "/bookings/"+first.ID.String()+"/cancel", nil, &cancelled); status != http.StatusOK {
		t.Fatalf("doctor cancel booking = %d", status)
	}
	if cancelled.Status != booking.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	if _, status := f.lock(t, f.other); status != http.StatusCreated {
		t.Fatalf("relock after cancel = %d", status)
	}
}

func TestConcurrentLocksOverHTTP(t *testing.T) {
	f := newFixture(t, payment.StaticVerifier{}, nil)

	const n = 20
	body := []byte(`{"doctor_id":"` + f.doctor.ID.String() + `","date":"2030-05-01","time":"10:30 AM"}`)
	tokens := make([]string, n)
	for i := range tokens {
		tok, err := f.issuer.Issue(auth.Identity{Role: auth.RoleUser, ID: uuid.New()}, time.Hour)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		tokens[i] = tok
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for _, tok := range tokens {
		tok := tok
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/lock", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+tok)
			resp, err := http.DefaultClient.Do(req)
			code := -1
			if err == nil {
				code = resp.StatusCode
				resp.Body.Close()
			}
			mu.Lock()
			statuses[code]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if statuses[http.StatusCreated] != 1 || statuses[http.StatusConflict] != n-1 {
		t.Fatalf("statuses = %v, want one 201 and %d 409", statuses, n-1)
	}
}

func TestLockValidation(t *testing.T) {
	f := newFixture(t, payment.StaticVerifier{}, nil)

	cases := []struct {
		name   string
		as     auth.Identity
		body   map[string]string
		status int
	}{
		{"doctor cannot lock", f.doctor, map[string]string{"doctor_id": f.doctor.ID.String(), "date": "2030-05-01", "time": "9:00 AM"}, http.StatusForbidden},
		{"bad doctor id", f.patient, map[string]string{"doctor_id": "nope", "date": "2030-05-01", "time": "9:00 AM"}, http.StatusBadRequest},
		{"bad date", f.patient, map[string]string{"doctor_id": f.doctor.ID.String(), "date": "01/05/2030", "time": "9:00 AM"}, http.StatusBadRequest},
		{"bad time", f.patient, map[string]string{"doctor_id": f.doctor.ID.String(), "date": "2030-05-01", "time": "25:99"}, http.StatusBadRequest},
		{"unknown field", f.patient, map[string]string{"doctor_id": f.doctor.ID.String(), "date": "2030-05-01", "time": "9:00 AM", "user_id": uuid.NewString()}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var errResp ErrorResponse
			if status := f.do(t, tc.as, http.MethodPost, "/lock", tc.body, &errResp); status != tc.status {
				t.Fatalf("status = %d (%+v), want %d", status, errResp, tc.status)
			}
		})
	}
}

type rejectVerifier struct{ err error }

func (v rejectVerifier) Verify(context.Context, payment.Proof) (bool, error) { return false, v.err }

func TestFinalizeRequiresVerifiedPayment(t *testing.T) {
	t.Run("unverified", func(t *testing.T) {
		f := newFixture(t, rejectVerifier{}, nil)
		lock, _ := f.lock(t, f.patient)

		var errResp ErrorResponse
		status := f.do(t, f.patient, http.MethodPost, "/finalize", map[string]string{
			"lock_id": lock.ID.String(), "payment_id": "pay_1", "order_id": "order_1", "signature": "bad",
		}, &errResp)
		if status != http.StatusPaymentRequired {
			t.Fatalf("status = %d, want 402", status)
		}

		var current LockResponse
		f.do(t, f.patient, http.MethodGet, "/lock/"+lock.ID.String(), nil, &current)
		if current.Status != booking.StatusLocked {
			t.Fatalf("lock moved to %s without payment", current.Status)
		}
	})

	t.Run("gateway error", func(t *testing.T) {
		f := newFixture(t, rejectVerifier{err: errors.New("boom")}, nil)
		lock, _ := f.lock(t, f.patient)
		status := f.do(t, f.patient, http.MethodPost, "/finalize", map[string]string{
			"lock_id": lock.ID.String(), "payment_id": "pay_1",
		}, nil)
		if status != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", status)
		}
	})
}

func TestChatOverREST(t *testing.T) {
	f := newFixture(t, payment.StaticVerifier{}, nil)

	var conv chat.Conversation
	if status := f.do(t, f.patient, http.MethodPost, "/conversations", map[string]string{"peer_id": f.doctor.ID.String()}, &conv); status != http.StatusOK {
		t.Fatalf("start conversation = %d", status)
	}

	// a socket peer sees REST sends
	doctorConn := realtime.NewConn(f.doctor, nil, 16)
	f.router.Connect(doctorConn)
	if err := f.router.Join(context.Background(), doctorConn, conv.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	<-doctorConn.Outbox() // joined_conversation

	body := map[string]any{
		"conversation_id":   conv.ID.String(),
		"body":              "Hello doctor",
		"client_message_id": "c-1",
	}
	var msg chat.Message
	if status := f.do(t, f.patient, http.MethodPost, "/messages", body, &msg); status != http.StatusCreated {
		t.Fatalf("send = %d", status)
	}
	if msg.SenderType != chat.SenderUser || msg.SenderID != f.patient.ID {
		t.Fatalf("sender = %s %s", msg.SenderType, msg.SenderID)
	}

	select {
	case frame := <-doctorConn.Outbox():
		var ev realtime.Event
		_ = json.Unmarshal(frame, &ev)
		if ev.Type != realtime.EventNewMessage {
			t.Fatalf("doctor got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("doctor socket did not receive the REST message")
	}

	var replay chat.Message
	if status := f.do(t, f.patient, http.MethodPost, "/messages", body, &replay); status != http.StatusOK || replay.ID != msg.ID {
		t.Fatalf("retry = %d %s, want 200 %s", status, replay.ID, msg.ID)
	}

	var errResp ErrorResponse
	if status := f.do(t, f.patient, http.MethodPost, "/messages", map[string]any{
		"conversation_id": conv.ID.String(), "body": "x", "sender_type": "doctor",
	}, &errResp); status != http.StatusBadRequest {
		t.Fatalf("spoofed sender accepted: %d", status)
	}

	if status := f.do(t, f.other, http.MethodGet, "/messages/"+conv.ID.String(), nil, &errResp); status != http.StatusForbidden {
		t.Fatalf("outsider read = %d", status)
	}

	var read MarkReadResponse
	if status := f.do(t, f.doctor, http.MethodPatch, "/conversations/"+conv.ID.String()+"/read", nil, &read); status != http.StatusOK {
		t.Fatalf("mark read = %d", status)
	}
	if len(read.MessageIDs) != 1 || read.MessageIDs[0] != msg.ID {
		t.Fatalf("read ids = %v", read.MessageIDs)
	}

	if status := f.do(t, f.doctor, http.MethodPatch, "/messages/"+msg.ID.String()+"/soft-delete", nil, &errResp); status != http.StatusForbidden {
		t.Fatalf("doctor deleted patient message: %d", status)
	}
	var deleted chat.Message
	if status := f.do(t, f.patient, http.MethodPatch, "/messages/"+msg.ID.String()+"/soft-delete", nil, &deleted); status != http.StatusOK {
		t.Fatalf("delete = %d", status)
	}
	if !deleted.IsDeleted || deleted.Body != "" {
		t.Fatalf("deleted = %+v", deleted)
	}

	var page MessagesResponse
	f.do(t, f.doctor, http.MethodGet, "/messages/"+conv.ID.String()+"?limit=10", nil, &page)
	if len(page.Messages) != 1 || !page.Messages[0].IsDeleted || page.Messages[0].Body != "" {
		t.Fatalf("history = %+v", page.Messages)
	}
	if page.NextBefore != nil || page.NextBeforeID != nil {
		t.Fatal("short page should have no cursor")
	}
	if status := f.do(t, f.doctor, http.MethodGet, "/messages/"+conv.ID.String()+"?before_id="+msg.ID.String(), nil, &errResp); status != http.StatusBadRequest {
		t.Fatalf("before_id without before = %d", status)
	}

	var restored chat.Message
	f.do(t, f.patient, http.MethodPatch, "/messages/"+msg.ID.String()+"/restore", nil, &restored)
	if restored.IsDeleted || restored.Body != "Hello doctor" {
		t.Fatalf("restored = %+v", restored)
	}

	var convs []chat.Conversation
	f.do(t, f.doctor, http.MethodGet, "/conversations", nil, &convs)
	if len(convs) != 1 || convs[0].ID != conv.ID {
		t.Fatalf("conversations = %+v", convs)
	}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestReadiness(t *testing.T) {
	cases := []struct {
		name     string
		postgres Pinger
		redis    Pinger
		status   int
		want     string
	}{
		{"all up", stubPinger{}, stubPinger{}, http.StatusOK, "ok"},
		{"memory storage", nil, nil, http.StatusOK, "ok"},
		{"redis down", stubPinger{}, stubPinger{err: errors.New("down")}, http.StatusOK, "degraded"},
		{"postgres down", stubPinger{err: errors.New("down")}, stubPinger{}, http.StatusServiceUnavailable, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandler(tc.postgres, tc.redis, "test", "v0")
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			var resp ReadinessResponse
			_ = json.NewDecoder(rec.Body).Decode(&resp)
			if rec.Code != tc.status || resp.Status != tc.want {
				t.Fatalf("got %d %s, want %d %s", rec.Code, resp.Status, tc.status, tc.want)
			}
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}
