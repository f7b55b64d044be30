package api

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/clock"
	"github.com/admproto/admp-hub/internal/envelope"
	"github.com/admproto/admp-hub/internal/group"
	"github.com/admproto/admp-hub/internal/httpsig"
	"github.com/admproto/admp-hub/internal/httputil"
	"github.com/admproto/admp-hub/internal/inbox"
	"github.com/admproto/admp-hub/internal/store"
)

type testEnv struct {
	app    *fiber.App
	store  store.Store
	clk    *clock.Fake
	agents *agent.Service
}

type testAgent struct {
	ID     string
	APIKey string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	agents := agent.NewService(st, clk, 60*time.Second, zerolog.Nop())
	ib := inbox.NewService(st, agents, clk, inbox.Options{
		MessageTTL:          24 * time.Hour,
		DefaultLease:        30 * time.Second,
		MaxLease:            5 * time.Minute,
		MaxDeliveryAttempts: 3,
		Retention:           time.Hour,
	}, zerolog.Nop())
	groups := group.NewService(st, agents, ib, clk, group.Options{
		FanoutAsyncThreshold: 50,
		MessageTTL:           24 * time.Hour,
	}, zerolog.Nop())

	app := fiber.New()
	Register(app, Deps{
		Store:    st,
		Agents:   agents,
		Inbox:    ib,
		Groups:   groups,
		Verifier: httpsig.NewVerifier(agents, clk, 60*time.Second),
		Log:      zerolog.Nop(),
	})

	return &testEnv{app: app, store: st, clk: clk, agents: agents}
}

// do issues a JSON request, authenticating with the bearer API key when one
// is given.
func (e *testEnv) do(t *testing.T, method, path string, body any, as *testAgent) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+as.APIKey)
		req.Header.Set(AgentHeader, as.ID)
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (e *testEnv) register(t *testing.T, name string) *testAgent {
	t.Helper()
	resp := e.do(t, "POST", "/api/agents", fiber.Map{"name": name}, nil)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("register %q status = %d", name, resp.StatusCode)
	}
	var out struct {
		Agent  struct{ ID string `json:"id"` } `json:"agent"`
		APIKey string                          `json:"api_key"`
	}
	decodeData(t, resp, &out)
	if out.Agent.ID == "" || out.APIKey == "" {
		t.Fatalf("register %q returned empty id or api key", name)
	}
	return &testAgent{ID: out.Agent.ID, APIKey: out.APIKey}
}

func decodeData(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(wrapper.Data, dst); err != nil {
		t.Fatal(err)
	}
}

func decodeError(t *testing.T, resp *http.Response) httputil.ErrorBody {
	t.Helper()
	defer resp.Body.Close()
	var wrapper httputil.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		t.Fatal(err)
	}
	return wrapper.Error
}

// slug strips the URI scheme so the id can ride in a path segment.
func slug(id string) string {
	return strings.TrimPrefix(strings.TrimPrefix(id, "agent://"), "group://")
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	resp := e.do(t, "GET", "/health", nil, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Status  string `json:"status"`
		Storage string `json:"storage"`
	}
	decodeData(t, resp, &out)
	if out.Status != "ok" || out.Storage != "ok" {
		t.Errorf("health = %+v, want ok", out)
	}
}

func TestAgentRegisterAndGet(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")

	resp := e.do(t, "GET", "/api/agents/"+slug(alice.ID), nil, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var view map[string]any
	decodeData(t, resp, &view)
	if view["id"] != alice.ID {
		t.Errorf("id = %v, want %s", view["id"], alice.ID)
	}
	if _, leaked := view["api_key_hash"]; leaked {
		t.Error("public view leaks api_key_hash")
	}
	if _, leaked := view["webhook_secret"]; leaked {
		t.Error("public view leaks webhook_secret")
	}
}

func TestAgentSelfOnlyRoutes(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	resp := e.do(t, "POST", "/api/agents/"+slug(alice.ID)+"/heartbeat", nil, nil)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("anonymous heartbeat status = %d, want 401", resp.StatusCode)
	}

	resp = e.do(t, "POST", "/api/agents/"+slug(alice.ID)+"/heartbeat", nil, bob)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("cross-agent heartbeat status = %d, want 403", resp.StatusCode)
	}

	resp = e.do(t, "POST", "/api/agents/"+slug(alice.ID)+"/heartbeat", nil, alice)
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("own heartbeat status = %d, want 200", resp.StatusCode)
	}
}

func TestBearerAuthRejectsBadKey(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")

	bad := &testAgent{ID: alice.ID, APIKey: "not-the-key"}
	resp := e.do(t, "POST", "/api/agents/"+slug(alice.ID)+"/heartbeat", nil, bad)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	req := httptest.NewRequest("POST", "/api/agents/"+slug(alice.ID)+"/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer "+alice.APIKey)
	// Bearer without the agent header cannot name a caller.
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("missing agent header status = %d, want 401", resp.StatusCode)
	}
}

func TestSignatureAuth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	resp := e.do(t, "POST", "/api/agents", fiber.Map{
		"name":       "signer",
		"public_key": base64.StdEncoding.EncodeToString(pub),
	}, nil)
	var out struct {
		Agent struct{ ID string `json:"id"` } `json:"agent"`
	}
	decodeData(t, resp, &out)

	path := "/api/agents/" + slug(out.Agent.ID) + "/heartbeat"
	date := e.clk.Now().Format(time.RFC1123)
	signed := ed25519.Sign(priv, []byte(httpsig.SigningString("POST", path, "example.com", date)))

	req := httptest.NewRequest("POST", path, nil)
	req.Header.Set("Date", date)
	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="ed25519",headers="(request-target) host date",signature="%s"`,
		out.Agent.ID, base64.StdEncoding.EncodeToString(signed)))
	got, err := e.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if got.StatusCode != fiber.StatusOK {
		t.Fatalf("signed heartbeat status = %d, want 200", got.StatusCode)
	}

	// The same signature over a different path must fail.
	other := "/api/agents/" + slug(out.Agent.ID) + "/webhook"
	req = httptest.NewRequest("GET", other, nil)
	req.Header.Set("Date", date)
	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="ed25519",headers="(request-target) host date",signature="%s"`,
		out.Agent.ID, base64.StdEncoding.EncodeToString(signed)))
	got, err = e.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if got.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("replayed signature status = %d, want 401", got.StatusCode)
	}
}

func TestSendPullAckFlow(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	resp := e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox", envelope.Envelope{
		Type:    envelope.TypeTaskRequest,
		From:    alice.ID,
		Subject: "resize",
		Body:    json.RawMessage(`{"w":100}`),
	}, alice)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	var sent struct {
		MessageID string `json:"message_id"`
	}
	decodeData(t, resp, &sent)
	if !strings.HasPrefix(sent.MessageID, "msg-") {
		t.Fatalf("message id = %q", sent.MessageID)
	}

	resp = e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox/pull", nil, bob)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("pull status = %d", resp.StatusCode)
	}
	var pulled struct {
		Message  inbox.Message `json:"message"`
		BodyGone bool          `json:"body_gone"`
	}
	decodeData(t, resp, &pulled)
	if pulled.Message.ID != sent.MessageID || pulled.Message.Status != inbox.StatusLeased {
		t.Fatalf("pulled = %+v", pulled.Message)
	}

	// Empty inbox answers 204 with no body.
	resp = e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox/pull", nil, bob)
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("empty pull status = %d, want 204", resp.StatusCode)
	}

	resp = e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox/"+sent.MessageID+"/ack",
		fiber.Map{"result": fiber.Map{"ok": true}}, bob)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("ack status = %d", resp.StatusCode)
	}
	var acked struct {
		Status string `json:"status"`
	}
	decodeData(t, resp, &acked)
	if acked.Status != inbox.StatusAcked {
		t.Errorf("status = %q, want acked", acked.Status)
	}
}

func TestSendRequiresMatchingSender(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	// Anonymous senders are off by default.
	resp := e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox", envelope.Envelope{
		From: alice.ID,
	}, nil)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("anonymous send status = %d, want 401", resp.StatusCode)
	}

	// A caller cannot spoof another agent's from.
	resp = e.do(t, "POST", "/api/agents/"+slug(alice.ID)+"/inbox", envelope.Envelope{
		From: bob.ID,
	}, alice)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("spoofed send status = %d, want 403", resp.StatusCode)
	}
}

func TestSendToUnknownAgent(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")

	resp := e.do(t, "POST", "/api/agents/ghost-0000/inbox", envelope.Envelope{
		From: alice.ID,
	}, alice)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != "AGENT_NOT_FOUND" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestNackRequeueOverHTTP(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	resp := e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox", envelope.Envelope{
		From: alice.ID,
	}, alice)
	var sent struct {
		MessageID string `json:"message_id"`
	}
	decodeData(t, resp, &sent)

	if resp := e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox/pull", nil, bob); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("pull status = %d", resp.StatusCode)
	}

	resp = e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox/"+sent.MessageID+"/nack",
		fiber.Map{"action": "requeue", "error": "busy"}, bob)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("nack status = %d", resp.StatusCode)
	}
	var nacked struct {
		Status string `json:"status"`
	}
	decodeData(t, resp, &nacked)
	if nacked.Status != inbox.StatusQueued {
		t.Errorf("status = %q, want queued", nacked.Status)
	}

	resp = e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox/"+sent.MessageID+"/nack",
		fiber.Map{"action": "defer"}, bob)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bad action status = %d, want 400", resp.StatusCode)
	}
}

func TestReplyOverHTTP(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	resp := e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox", envelope.Envelope{
		Type: envelope.TypeTaskRequest,
		From: alice.ID,
	}, alice)
	var sent struct {
		MessageID string `json:"message_id"`
	}
	decodeData(t, resp, &sent)

	if resp := e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox/pull", nil, bob); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("pull status = %d", resp.StatusCode)
	}

	resp = e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox/"+sent.MessageID+"/reply", envelope.Envelope{
		Body: json.RawMessage(`{"done":true}`),
	}, bob)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("reply status = %d", resp.StatusCode)
	}

	// The reply lands in alice's inbox threaded to the original.
	resp = e.do(t, "POST", "/api/agents/"+slug(alice.ID)+"/inbox/pull", nil, alice)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("alice pull status = %d", resp.StatusCode)
	}
	var pulled struct {
		Message inbox.Message `json:"message"`
	}
	decodeData(t, resp, &pulled)
	if pulled.Message.Envelope.Type != envelope.TypeTaskResult {
		t.Errorf("type = %q, want task.result", pulled.Message.Envelope.Type)
	}
	if pulled.Message.Envelope.CorrelationID != sent.MessageID {
		t.Errorf("correlation_id = %q, want %s", pulled.Message.Envelope.CorrelationID, sent.MessageID)
	}
}

func TestInboxStatsAndReclaim(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	for i := 0; i < 3; i++ {
		e.clk.Advance(time.Millisecond)
		resp := e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox", envelope.Envelope{From: alice.ID}, alice)
		if resp.StatusCode != fiber.StatusCreated {
			t.Fatalf("send %d status = %d", i, resp.StatusCode)
		}
	}

	resp := e.do(t, "GET", "/api/agents/"+slug(bob.ID)+"/inbox/stats", nil, bob)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var stats inbox.Stats
	decodeData(t, resp, &stats)
	if stats.Total != 3 || stats.ByStatus[inbox.StatusDelivered] != 3 {
		t.Errorf("stats = %+v", stats)
	}

	// Pull with a short lease, let it lapse, reclaim on demand.
	if resp := e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox/pull", fiber.Map{"lease_seconds": 2}, bob); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("pull status = %d", resp.StatusCode)
	}
	e.clk.Advance(3 * time.Second)

	resp = e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox/reclaim", nil, bob)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("reclaim status = %d", resp.StatusCode)
	}
	var reclaimed struct {
		Requeued int `json:"requeued"`
		Dead     int `json:"dead"`
	}
	decodeData(t, resp, &reclaimed)
	if reclaimed.Requeued != 1 || reclaimed.Dead != 0 {
		t.Errorf("reclaim = %+v", reclaimed)
	}
}

func TestGroupFlowOverHTTP(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	resp := e.do(t, "POST", "/api/groups", fiber.Map{
		"name":            "ops room",
		"history_visible": true,
	}, alice)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeData(t, resp, &created)
	if !strings.HasPrefix(created.ID, "group://") {
		t.Fatalf("group id = %q", created.ID)
	}

	resp = e.do(t, "POST", "/api/groups/"+slug(created.ID)+"/join", nil, bob)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("join status = %d", resp.StatusCode)
	}

	resp = e.do(t, "POST", "/api/groups/"+slug(created.ID)+"/messages", envelope.Envelope{
		Body: json.RawMessage(`{"text":"deploy at noon"}`),
	}, alice)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("post status = %d", resp.StatusCode)
	}
	var posted struct {
		Recipients int `json:"recipients"`
	}
	decodeData(t, resp, &posted)
	if posted.Recipients != 2 {
		t.Errorf("recipients = %d, want every member including the poster", posted.Recipients)
	}

	// Each member, the poster included, pulls their own copy.
	for _, member := range []*testAgent{bob, alice} {
		resp = e.do(t, "POST", "/api/agents/"+slug(member.ID)+"/inbox/pull", nil, member)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("pull status for %s = %d", member.ID, resp.StatusCode)
		}
		var pulled struct {
			Message inbox.Message `json:"message"`
		}
		decodeData(t, resp, &pulled)
		if pulled.Message.Envelope.Type != envelope.TypeGroupMessage {
			t.Errorf("type = %q, want group.message", pulled.Message.Envelope.Type)
		}
		if pulled.Message.Envelope.Group != created.ID {
			t.Errorf("group = %q, want %s", pulled.Message.Envelope.Group, created.ID)
		}
	}

	resp = e.do(t, "GET", "/api/groups/"+slug(created.ID)+"/messages", nil, bob)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var history struct {
		Messages []group.Post `json:"messages"`
	}
	decodeData(t, resp, &history)
	if len(history.Messages) != 1 {
		t.Errorf("history length = %d, want 1", len(history.Messages))
	}
}

func TestGroupMembershipErrors(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	resp := e.do(t, "POST", "/api/groups", fiber.Map{
		"name":        "vault",
		"join_policy": group.PolicyInvite,
	}, alice)
	var created struct {
		ID string `json:"id"`
	}
	decodeData(t, resp, &created)

	resp = e.do(t, "POST", "/api/groups/"+slug(created.ID)+"/join", nil, bob)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("invite-only join status = %d, want 403", resp.StatusCode)
	}

	resp = e.do(t, "POST", "/api/groups/"+slug(created.ID)+"/messages", envelope.Envelope{}, bob)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("non-member post status = %d, want 403", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != "NOT_A_MEMBER" {
		t.Errorf("code = %q", body.Code)
	}

	resp = e.do(t, "POST", "/api/groups/"+slug(created.ID)+"/members/"+slug(bob.ID),
		fiber.Map{"role": group.RoleMember}, alice)
	if resp.StatusCode != fiber.StatusCreated {
		t.Errorf("owner add member status = %d, want 201", resp.StatusCode)
	}
}

func TestHubStats(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	alice := e.register(t, "alice")
	bob := e.register(t, "bob")

	resp := e.do(t, "POST", "/api/agents/"+slug(bob.ID)+"/inbox", envelope.Envelope{From: alice.ID}, alice)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	resp = e.do(t, "GET", "/api/stats", nil, nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var out struct {
		Agents struct {
			Total  int `json:"total"`
			Online int `json:"online"`
		} `json:"agents"`
		Messages map[string]int `json:"messages"`
	}
	decodeData(t, resp, &out)
	if out.Agents.Total != 2 || out.Agents.Online != 2 {
		t.Errorf("agents = %+v", out.Agents)
	}
	if out.Messages[inbox.StatusDelivered] != 1 {
		t.Errorf("messages = %v", out.Messages)
	}
}
