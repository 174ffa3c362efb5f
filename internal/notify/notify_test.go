package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/waste-dispatch/internal/logging"
	"github.com/example/waste-dispatch/internal/retry"
)

type recorder struct {
	mu   sync.Mutex
	sent []Message
	err  error
	done chan struct{}
}

func (r *recorder) Send(_ context.Context, _ Recipient, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	if r.done != nil && r.err == nil {
		close(r.done)
	}
	return r.err
}

func TestFanoutSkipsMissingAddressAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("boom")}
	none := &recorder{err: ErrNoAddress}
	f := Fanout{{"log", ok}, {"sms", none}, {"push", bad}}
	err := f.Send(context.Background(), Recipient{UserID: "u1"}, Message{Kind: "x"})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected only the push failure, got %v", err)
	}
	if len(ok.sent) != 1 {
		t.Fatal("healthy channel should still receive the message")
	}
}

func TestAsyncDoesNotBlockAndRetries(t *testing.T) {
	var calls int
	var mu sync.Mutex
	done := make(chan struct{})
	flaky := notifierFunc(func(context.Context, Recipient, Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	a := NewAsync(flaky, logging.Discard())
	a.Policy = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Send(ctx, Recipient{UserID: "u1"}, Message{Kind: "x"}); err != nil {
		t.Fatal(err)
	}
	cancel() // delivery must survive the caller's cancellation
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async send never succeeded")
	}
}

type notifierFunc func(context.Context, Recipient, Message) error

func (f notifierFunc) Send(ctx context.Context, to Recipient, msg Message) error {
	return f(ctx, to, msg)
}

func TestWebhookPostsJSON(t *testing.T) {
	var got struct {
		Recipient Recipient `json:"recipient"`
		Message   Message   `json:"message"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	err := NewWebhook(srv.URL).Send(context.Background(), Recipient{UserID: "c9"}, Message{Kind: "collection.assigned", Title: "New pickup"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Recipient.UserID != "c9" || got.Message.Kind != "collection.assigned" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWSRegistryWithoutSession(t *testing.T) {
	r := NewWSRegistry()
	if err := r.Send(context.Background(), Recipient{UserID: "nobody"}, Message{}); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
}
