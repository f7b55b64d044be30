package agent

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/admproto/admp-hub/internal/clock"
	"github.com/admproto/admp-hub/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store, *clock.Fake) {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	svc := NewService(st, clk, 60*time.Second, zerolog.Nop())
	return svc, st, clk
}

func register(t *testing.T, svc *Service, name string) *Registered {
	t.Helper()
	reg, err := svc.Register(context.Background(), RegisterParams{Name: name})
	if err != nil {
		t.Fatalf("Register(%s) error = %v", name, err)
	}
	return reg
}

func TestRegister_GeneratesKeypairAndAPIKey(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	reg := register(t, svc, "Build Bot")

	if !strings.HasPrefix(reg.Agent.ID, "agent://build-bot-") {
		t.Errorf("ID = %q, want prefix agent://build-bot-", reg.Agent.ID)
	}
	if reg.SecretKey == "" {
		t.Error("SecretKey empty, want generated secret returned once")
	}
	if reg.APIKey == "" {
		t.Error("APIKey empty")
	}
	if reg.Agent.KeyVersion != 1 {
		t.Errorf("KeyVersion = %d, want 1", reg.Agent.KeyVersion)
	}
	if reg.Agent.Status != StatusOnline {
		t.Errorf("Status = %q, want online", reg.Agent.Status)
	}

	// The generated keys must be a working Ed25519 pair.
	priv, err := base64.StdEncoding.DecodeString(reg.SecretKey)
	if err != nil {
		t.Fatalf("decode secret key: %v", err)
	}
	pub, err := DecodePublicKey(reg.Agent.PublicKey)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	sig := ed25519.Sign(ed25519.PrivateKey(priv), []byte("probe"))
	if !ed25519.Verify(pub, []byte("probe"), sig) {
		t.Error("generated keypair does not round-trip a signature")
	}
}

func TestRegister_ClientSuppliedKey(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := svc.Register(context.Background(), RegisterParams{
		Name:      "alice",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if reg.SecretKey != "" {
		t.Error("SecretKey set even though the client supplied the public key")
	}
}

func TestRegister_BadInputs(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterParams{Name: ""}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("empty name error = %v, want ErrInvalidName", err)
	}
	if _, err := svc.Register(ctx, RegisterParams{Name: "a", PublicKey: "???"}); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("bad key error = %v, want ErrInvalidPublicKey", err)
	}
	if _, err := svc.Register(ctx, RegisterParams{Name: "a", WebhookURL: "ftp://x"}); !errors.Is(err, ErrInvalidWebhookURL) {
		t.Errorf("bad webhook error = %v, want ErrInvalidWebhookURL", err)
	}
}

func TestVerifyAPIKey(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	reg := register(t, svc, "alice")
	ctx := context.Background()

	ok, err := svc.VerifyAPIKey(ctx, reg.Agent.ID, reg.APIKey)
	if err != nil {
		t.Fatalf("VerifyAPIKey() error = %v", err)
	}
	if !ok {
		t.Error("VerifyAPIKey() = false for the issued key")
	}

	ok, err = svc.VerifyAPIKey(ctx, reg.Agent.ID, "wrong")
	if err != nil {
		t.Fatalf("VerifyAPIKey(wrong) error = %v", err)
	}
	if ok {
		t.Error("VerifyAPIKey() = true for a wrong key")
	}
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	svc, _, clk := newTestService(t)
	reg := register(t, svc, "alice")
	ctx := context.Background()

	clk.Advance(5 * time.Minute)
	if err := svc.Heartbeat(ctx, reg.Agent.ID); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	a, err := svc.Get(ctx, reg.Agent.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a.LastHeartbeat != clk.Now().UnixMilli() {
		t.Errorf("LastHeartbeat = %d, want %d", a.LastHeartbeat, clk.Now().UnixMilli())
	}
	if a.Status != StatusOnline {
		t.Errorf("Status = %q, want online", a.Status)
	}
}

func TestRotateKey_GraceWindow(t *testing.T) {
	t.Parallel()
	svc, _, clk := newTestService(t)
	reg := register(t, svc, "alice")
	ctx := context.Background()
	oldKey := reg.Agent.PublicKey

	rotated, err := svc.RotateKey(ctx, reg.Agent.ID)
	if err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if rotated.Agent.KeyVersion != 2 {
		t.Errorf("KeyVersion = %d, want 2", rotated.Agent.KeyVersion)
	}
	if rotated.Agent.PublicKey == oldKey {
		t.Error("PublicKey unchanged after rotation")
	}
	if rotated.SecretKey == "" {
		t.Error("SecretKey not returned for the new pair")
	}

	a, err := svc.Get(ctx, reg.Agent.ID)
	if err != nil {
		t.Fatal(err)
	}

	// Inside the grace window both keys verify.
	if got := a.VerificationKeys(clk.Now(), svc.RotateGrace()); len(got) != 2 {
		t.Errorf("VerificationKeys inside grace = %d keys, want 2", len(got))
	}

	clk.Advance(61 * time.Second)
	if got := a.VerificationKeys(clk.Now(), svc.RotateGrace()); len(got) != 1 {
		t.Errorf("VerificationKeys after grace = %d keys, want 1", len(got))
	}
}

func TestWebhookLifecycle(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	reg := register(t, svc, "bob")
	ctx := context.Background()

	if err := svc.SetWebhook(ctx, reg.Agent.ID, "https://example.com/hook", "s3cret"); err != nil {
		t.Fatalf("SetWebhook() error = %v", err)
	}
	a, _ := svc.Get(ctx, reg.Agent.ID)
	if a.WebhookURL != "https://example.com/hook" || a.WebhookSecret != "s3cret" {
		t.Errorf("webhook not stored: url=%q secret=%q", a.WebhookURL, a.WebhookSecret)
	}

	if err := svc.SetWebhook(ctx, reg.Agent.ID, "not a url", "s"); !errors.Is(err, ErrInvalidWebhookURL) {
		t.Errorf("SetWebhook(bad) error = %v, want ErrInvalidWebhookURL", err)
	}

	if err := svc.DeleteWebhook(ctx, reg.Agent.ID); err != nil {
		t.Fatalf("DeleteWebhook() error = %v", err)
	}
	a, _ = svc.Get(ctx, reg.Agent.ID)
	if a.WebhookURL != "" {
		t.Errorf("WebhookURL = %q after delete, want empty", a.WebhookURL)
	}
}

func TestDeregister_CascadesAndTombstones(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	reg := register(t, svc, "alice")
	ctx := context.Background()
	id := reg.Agent.ID

	// Seed owned rows in every cascaded collection.
	seed := func(collection, rowID, doc string) {
		t.Helper()
		if err := st.Put(ctx, collection, rowID, json.RawMessage(doc)); err != nil {
			t.Fatal(err)
		}
	}
	seed(store.Messages, "m1", `{"id":"m1","to":"`+id+`","status":"queued"}`)
	seed(store.GroupMembers, "g1:"+id, `{"id":"g1:`+id+`","agent_id":"`+id+`"}`)
	seed(store.WebhookQueue, "w1", `{"id":"w1","agent_id":"`+id+`"}`)
	seed(store.Idempotency, "k1", `{"id":"k1","from":"`+id+`"}`)

	if err := svc.Deregister(ctx, id); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}

	if _, err := svc.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(deregistered) error = %v, want ErrNotFound", err)
	}
	for _, c := range []struct{ collection, rowID string }{
		{store.Messages, "m1"},
		{store.GroupMembers, "g1:" + id},
		{store.WebhookQueue, "w1"},
		{store.Idempotency, "k1"},
	} {
		if _, err := st.Get(ctx, c.collection, c.rowID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("%s/%s still present after cascade", c.collection, c.rowID)
		}
	}

	// The id is tombstoned; a fresh registration may not collide with it.
	if _, err := st.Get(ctx, store.Tombstones, id); err != nil {
		t.Errorf("tombstone missing: %v", err)
	}
}

func TestList_FiltersStatus(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	register(t, svc, "alice")
	regB := register(t, svc, "bob")

	// Flip bob offline directly through the service update path.
	if err := svc.update(ctx, regB.Agent.ID, func(a *Agent) error {
		a.Status = StatusOffline
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	online, _, err := svc.List(ctx, StatusOnline, 0, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(online) != 1 {
		t.Fatalf("online agents = %d, want 1", len(online))
	}
	if online[0].Name != "alice" {
		t.Errorf("online[0] = %q, want alice", online[0].Name)
	}

	all, _, err := svc.List(ctx, "", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all agents = %d, want 2", len(all))
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Build Bot", "build-bot"},
		{"  alice  ", "alice"},
		{"a__b!!c", "a-b-c"},
		{"??", "agent"},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
