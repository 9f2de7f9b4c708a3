package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

func TestBusDirectDelivery(t *testing.T) {
	b := New(MailboxConfig{})
	b.RegisterAgent("a1")
	b.RegisterAgent("a2")

	m := mustMessage(t, "a1", []string{"a2"}, TypeNotification, PriorityNormal)
	id, err := b.SendDirect(m)
	require.NoError(t, err)
	assert.Equal(t, m.ID, id)

	got := b.Mailbox("a2").Dequeue()
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)

	t.Run("unknown recipient is NotFound", func(t *testing.T) {
		_, err := b.SendDirect(mustMessage(t, "a1", []string{"ghost"}, TypeNotification, PriorityNormal))
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	})

	t.Run("full mailbox is CapacityExceeded", func(t *testing.T) {
		small := New(MailboxConfig{MaxSize: 1})
		small.RegisterAgent("x")
		_, err := small.SendDirect(mustMessage(t, "s", []string{"x"}, TypeNotification, PriorityNormal))
		require.NoError(t, err)
		_, err = small.SendDirect(mustMessage(t, "s", []string{"x"}, TypeNotification, PriorityNormal))
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindCapacityExceeded))
	})
}

func TestBusBroadcast(t *testing.T) {
	b := New(MailboxConfig{})
	b.RegisterAgent("a1")
	b.RegisterAgent("a2")
	b.RegisterAgent("a3")

	m := mustMessage(t, "a1", []string{BroadcastRecipient}, TypeBroadcast, PriorityNormal)
	delivered := b.Broadcast(m)
	assert.Equal(t, 2, delivered)

	assert.Equal(t, 0, b.Mailbox("a1").Size(), "sender must not receive its own broadcast")
	assert.Equal(t, 1, b.Mailbox("a2").Size())
	assert.Equal(t, 1, b.Mailbox("a3").Size())
}

func TestBusPubSub(t *testing.T) {
	b := New(MailboxConfig{})

	var all, filtered atomic.Int32
	b.Subscribe("alerts", "s1", func(*Message) { all.Add(1) }, nil)
	b.Subscribe("alerts", "s2", func(*Message) { filtered.Add(1) }, func(m *Message) bool {
		return m.Priority >= PriorityHigh
	})

	b.Publish("alerts", mustMessage(t, "a1", nil, TypeNotification, PriorityLow))
	b.Publish("alerts", mustMessage(t, "a1", nil, TypeNotification, PriorityCritical))

	assert.Equal(t, int32(2), all.Load())
	assert.Equal(t, int32(1), filtered.Load())

	b.Unsubscribe("alerts", "s1")
	b.Publish("alerts", mustMessage(t, "a1", nil, TypeNotification, PriorityLow))
	assert.Equal(t, int32(2), all.Load())
}

func TestBusRequestResponse(t *testing.T) {
	b := New(MailboxConfig{})
	b.RegisterAgent("caller")
	b.RegisterAgent("worker")

	// A minimal worker loop: dequeue requests, respond with the same
	// payload. Runs until the test ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			req := b.Mailbox("worker").Dequeue()
			if req == nil {
				time.Sleep(time.Millisecond)
				continue
			}
			resp, err := req.Response("worker", map[string]any{"echo": true})
			if err != nil {
				continue
			}
			_, _ = b.SendDirect(resp)
		}
	}()

	t.Run("response correlates to request", func(t *testing.T) {
		req := mustMessage(t, "caller", []string{"worker"}, TypeRequest, PriorityNormal)
		resp, err := b.Request(context.Background(), req, RequestOptions{Timeout: time.Second})
		require.NoError(t, err)
		assert.Equal(t, req.ID, resp.CorrelationID)
		assert.Equal(t, TypeResponse, resp.Type)
	})

	t.Run("timeout when nobody responds", func(t *testing.T) {
		b2 := New(MailboxConfig{})
		b2.RegisterAgent("caller")
		b2.RegisterAgent("silent")

		req := mustMessage(t, "caller", []string{"silent"}, TypeRequest, PriorityNormal)
		start := time.Now()
		_, err := b2.Request(context.Background(), req, RequestOptions{Timeout: 30 * time.Millisecond})
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindTimeout))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("cancellation removes the waiter and discards late responses", func(t *testing.T) {
		b2 := New(MailboxConfig{})
		b2.RegisterAgent("caller")
		b2.RegisterAgent("slow")

		ctx, cancel := context.WithCancel(context.Background())
		req := mustMessage(t, "caller", []string{"slow"}, TypeRequest, PriorityNormal)

		errCh := make(chan error, 1)
		go func() {
			_, err := b2.Request(ctx, req, RequestOptions{Timeout: 5 * time.Second})
			errCh <- err
		}()

		// Give the request a moment to register its waiter, then cancel.
		time.Sleep(10 * time.Millisecond)
		cancel()
		err := <-errCh
		require.Error(t, err)

		// The late response finds no waiter: it is discarded without
		// error and never lands in the caller's mailbox.
		late := b2.Mailbox("slow").Dequeue()
		require.NotNil(t, late)
		resp, err := late.Response("slow", map[string]any{})
		require.NoError(t, err)
		_, err = b2.SendDirect(resp)
		require.NoError(t, err)
		assert.Equal(t, 0, b2.Mailbox("caller").Size())
	})

	t.Run("retries eventually succeed", func(t *testing.T) {
		b2 := New(MailboxConfig{})
		b2.RegisterAgent("caller")
		b2.RegisterAgent("flaky")

		// Responder that ignores the first request delivery and answers
		// the second.
		var seen atomic.Int32
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
				}
				req := b2.Mailbox("flaky").Dequeue()
				if req == nil {
					time.Sleep(time.Millisecond)
					continue
				}
				if seen.Add(1) == 1 {
					continue // drop first delivery
				}
				resp, _ := req.Response("flaky", map[string]any{"ok": true})
				_, _ = b2.SendDirect(resp)
			}
		}()

		req := mustMessage(t, "caller", []string{"flaky"}, TypeRequest, PriorityNormal)
		resp, err := b2.Request(context.Background(), req, RequestOptions{
			Timeout: 50 * time.Millisecond,
			Retries: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, req.ID, resp.CorrelationID)
		assert.GreaterOrEqual(t, seen.Load(), int32(2))
	})
}

func TestSameSenderReceiverPriorityFIFO(t *testing.T) {
	b := New(MailboxConfig{})
	b.RegisterAgent("a1")
	b.RegisterAgent("a2")

	var ids []string
	for i := 0; i < 10; i++ {
		m := mustMessage(t, "a1", []string{"a2"}, TypeNotification, PriorityNormal)
		_, err := b.SendDirect(m)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	for i := 0; i < 10; i++ {
		got := b.Mailbox("a2").Dequeue()
		require.NotNil(t, got)
		assert.Equal(t, ids[i], got.ID, "same-priority messages must stay in send order")
	}
}
