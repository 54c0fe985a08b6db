package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/TPE1314/T/ledger"
)

type fakeBindings struct {
	byUser map[string]string
}

func (f *fakeBindings) BindingFor(userID string) (string, bool) {
	adminID, ok := f.byUser[userID]
	return adminID, ok
}

type sentText struct {
	RecipientID string
	Text        string
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentText
	fail error
}

func (m *mockSender) Send(ctx context.Context, recipientID string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, sentText{RecipientID: recipientID, Text: text})
	return nil
}

func (m *mockSender) last(t *testing.T) sentText {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return m.sent[len(m.sent)-1]
}

func newTestService(t *testing.T, bindings map[string]string) (*Service, *ledger.Store, *mockSender) {
	t.Helper()
	store, err := ledger.Open(t.TempDir(), ledger.StoreOptions{})
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sender := &mockSender{}
	svc, err := NewService(&fakeBindings{byUser: bindings}, store, sender, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, store, sender
}

func TestRouteInboundNoBinding(t *testing.T) {
	svc, store, _ := newTestService(t, nil)

	_, err := svc.RouteInbound(context.Background(), "u1", "u1", ledger.KindText, "hello", "")
	if !errors.Is(err, ErrNoBinding) {
		t.Fatalf("RouteInbound() error = %v, want ErrNoBinding", err)
	}
	// Nothing reached the ledger either.
	history, err := store.History("u1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("History() len = %d, want 0", len(history))
	}
}

func TestRouteInboundDelivered(t *testing.T) {
	svc, store, sender := newTestService(t, map[string]string{"u1": "tg:100"})

	d, err := svc.RouteInbound(context.Background(), "u1", "u1", ledger.KindText, "hello there", "")
	if err != nil {
		t.Fatalf("RouteInbound() error = %v", err)
	}
	if d.AdminID != "tg:100" || d.UserID != "u1" || d.MessageID == 0 || d.CorrelationID == "" {
		t.Fatalf("delivery = %+v", d)
	}

	got := sender.last(t)
	if got.RecipientID != "tg:100" {
		t.Fatalf("sent to %q, want tg:100", got.RecipientID)
	}
	if !strings.Contains(got.Text, "hello there") || !strings.Contains(got.Text, "u1") {
		t.Fatalf("forwarded text = %q", got.Text)
	}

	history, err := store.History("u1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].ID != d.MessageID {
		t.Fatalf("History() = %+v, want the routed message", history)
	}
}

func TestRouteInboundMediaCarriesFileRef(t *testing.T) {
	svc, store, sender := newTestService(t, map[string]string{"u1": "tg:100"})

	d, err := svc.RouteInbound(context.Background(), "u1", "u1", ledger.KindPhoto, "look", "file:abc")
	if err != nil {
		t.Fatalf("RouteInbound() error = %v", err)
	}
	if !strings.Contains(sender.last(t).Text, "file:abc") {
		t.Fatalf("forwarded text = %q, want file reference", sender.last(t).Text)
	}
	msg, err := store.GetMessage(d.MessageID)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if msg.Kind != ledger.KindPhoto || msg.FileRef != "file:abc" {
		t.Fatalf("stored message = %+v", msg)
	}
}

func TestRouteInboundSendFailureKeepsMessage(t *testing.T) {
	svc, store, sender := newTestService(t, map[string]string{"u1": "tg:100"})
	sender.fail = errors.New("transport down")

	d, err := svc.RouteInbound(context.Background(), "u1", "u1", ledger.KindText, "hello", "")
	if err == nil {
		t.Fatal("RouteInbound() error = nil, want transport failure")
	}
	if d.MessageID == 0 {
		t.Fatal("delivery lost the message id on send failure")
	}

	// The message stays recorded and unreplied for a later backlog pass.
	backlog, err := store.Unreplied()
	if err != nil {
		t.Fatalf("Unreplied() error = %v", err)
	}
	if len(backlog) != 1 || backlog[0].ID != d.MessageID {
		t.Fatalf("Unreplied() = %+v, want the failed-forward message", backlog)
	}
}

func TestRouteReplyDelivered(t *testing.T) {
	svc, store, sender := newTestService(t, map[string]string{"u1": "tg:100"})

	inbound, err := svc.RouteInbound(context.Background(), "u1", "u1", ledger.KindText, "question", "")
	if err != nil {
		t.Fatalf("RouteInbound() error = %v", err)
	}

	d, err := svc.RouteReply(context.Background(), "tg:100", inbound.MessageID, "answer")
	if err != nil {
		t.Fatalf("RouteReply() error = %v", err)
	}
	if d.UserID != "u1" || d.ReplyID == 0 {
		t.Fatalf("delivery = %+v", d)
	}
	got := sender.last(t)
	if got.RecipientID != "u1" || got.Text != "answer" {
		t.Fatalf("sent %+v, want the raw answer to u1", got)
	}

	msg, err := store.GetMessage(inbound.MessageID)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if !msg.Replied || msg.LastReplyID != d.ReplyID {
		t.Fatalf("message after reply = %+v", msg)
	}
}

func TestRouteReplyWrongAdmin(t *testing.T) {
	svc, _, _ := newTestService(t, map[string]string{"u1": "tg:100"})

	inbound, err := svc.RouteInbound(context.Background(), "u1", "u1", ledger.KindText, "question", "")
	if err != nil {
		t.Fatalf("RouteInbound() error = %v", err)
	}
	if _, err := svc.RouteReply(context.Background(), "tg:200", inbound.MessageID, "answer"); !errors.Is(err, ErrWrongAdmin) {
		t.Fatalf("RouteReply(other admin) error = %v, want ErrWrongAdmin", err)
	}
}

// After the pairing ends, a reply from the previously bound admin is refused.
func TestRouteReplyAfterUnbind(t *testing.T) {
	bindings := &fakeBindings{byUser: map[string]string{"u1": "tg:100"}}
	store, err := ledger.Open(t.TempDir(), ledger.StoreOptions{})
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sender := &mockSender{}
	svc, err := NewService(bindings, store, sender, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	inbound, err := svc.RouteInbound(context.Background(), "u1", "u1", ledger.KindText, "question", "")
	if err != nil {
		t.Fatalf("RouteInbound() error = %v", err)
	}
	delete(bindings.byUser, "u1")

	if _, err := svc.RouteReply(context.Background(), "tg:100", inbound.MessageID, "too late"); !errors.Is(err, ErrWrongAdmin) {
		t.Fatalf("RouteReply(after unbind) error = %v, want ErrWrongAdmin", err)
	}
}

func TestRouteReplyUnknownMessage(t *testing.T) {
	svc, _, _ := newTestService(t, map[string]string{"u1": "tg:100"})
	if _, err := svc.RouteReply(context.Background(), "tg:100", 98765, "answer"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("RouteReply(unknown message) error = %v, want ledger.ErrNotFound", err)
	}
}

func TestRouteInboundCanceledContext(t *testing.T) {
	svc, _, _ := newTestService(t, map[string]string{"u1": "tg:100"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.RouteInbound(ctx, "u1", "u1", ledger.KindText, "hello", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("RouteInbound(canceled) error = %v, want context.Canceled", err)
	}
}
