package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
	"github.com/Mindburn-Labs/helm-intake/pkg/store"
)

func TestEmitter_RejectsUnknownType(t *testing.T) {
	em := NewEmitter(store.NewRepository(store.NewMemoryBackend()), nil)
	err := em.Emit(context.Background(), New("t1", "submission_exploded", "", nil))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestEmitter_ChainsPerTenant(t *testing.T) {
	repo := store.NewRepository(store.NewMemoryBackend())
	em := NewEmitter(repo, nil)
	ctx := context.Background()

	require.NoError(t, em.Emit(ctx, New("t1", contracts.EventSubmissionReceived, "s1", map[string]any{"form_id": "f1"})))
	require.NoError(t, em.Emit(ctx, New("t2", contracts.EventSubmissionReceived, "s2", nil)))
	require.NoError(t, em.Emit(ctx, New("t1", contracts.EventContactCreated, "s1", map[string]any{"contact_id": "c1"})))

	evs, err := repo.ListEvents(ctx, "t1", 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Less(t, evs[0].Sequence, evs[1].Sequence)

	broken, err := Verify(evs, "")
	require.NoError(t, err)
	assert.Equal(t, -1, broken)

	evs[1].Payload["contact_id"] = "c2"
	broken, err = Verify(evs, "")
	require.NoError(t, err)
	assert.Equal(t, 1, broken)
}

func TestEmitter_ResumesChainFromStore(t *testing.T) {
	repo := store.NewRepository(store.NewMemoryBackend())
	ctx := context.Background()
	require.NoError(t, NewEmitter(repo, nil).Emit(ctx, New("t1", contracts.EventSpamBlocked, "", map[string]any{"reason": "honeypot"})))
	// A fresh emitter (process restart) continues the same chain.
	require.NoError(t, NewEmitter(repo, nil).Emit(ctx, New("t1", contracts.EventSpamBlocked, "", map[string]any{"reason": "duplicate"})))

	evs, err := repo.ListEvents(ctx, "t1", 0, 0)
	require.NoError(t, err)
	broken, err := Verify(evs, "")
	require.NoError(t, err)
	assert.Equal(t, -1, broken)
}

func TestCanonicalHash_KeyOrderIndependent(t *testing.T) {
	a, err := CanonicalHash(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]any{"b": "x", "a": 1.0})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBroker_DropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("t1")
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("t1", &contracts.Event{Type: contracts.EventAgentAction})
	}
	assert.Len(t, ch, subscriberBuffer)
	assert.Equal(t, 1, b.Subscribers("t1"))
	unsub()
	unsub()
	assert.Zero(t, b.Subscribers("t1"))
}

func TestEmitter_PublishesLive(t *testing.T) {
	broker := NewBroker()
	em := NewEmitter(store.NewRepository(store.NewMemoryBackend()), broker)
	ch, unsub := broker.Subscribe("t1")
	defer unsub()

	require.NoError(t, em.Emit(context.Background(), New("t1", contracts.EventHandlerAssigned, "s1", nil)))
	select {
	case e := <-ch:
		assert.Equal(t, contracts.EventHandlerAssigned, e.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestEmitter_ConcurrentEmitsPublishInSequence(t *testing.T) {
	broker := NewBroker()
	em := NewEmitter(store.NewRepository(store.NewMemoryBackend()), broker)
	ch, unsub := broker.Subscribe("t1")
	defer unsub()

	const writers, each = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*writers*each)
	for w := 0; w < writers; w++ {
		for _, tenant := range []string{"t1", "t2"} {
			wg.Add(1)
			go func(tenant string) {
				defer wg.Done()
				for i := 0; i < each; i++ {
					errs <- em.Emit(context.Background(), New(tenant, contracts.EventSubmissionReceived, "", map[string]any{"i": i}))
				}
			}(tenant)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var got []*contracts.Event
	for len(got) < writers*each {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatalf("received %d of %d events", len(got), writers*each)
		}
	}
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Sequence, got[i-1].Sequence)
	}
	idx, err := Verify(got, "")
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestServeSSE_StreamsEvents(t *testing.T) {
	broker := NewBroker()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeSSE(w, r, broker, "t1", time.Hour)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": connected"))

	require.Eventually(t, func() bool { return broker.Subscribers("t1") == 1 }, time.Second, 10*time.Millisecond)
	broker.Publish("t1", &contracts.Event{Sequence: 9, Type: contracts.EventAgentCompleted})

	var got []string
	for len(got) < 3 {
		l, err := reader.ReadString('\n')
		require.NoError(t, err)
		if l = strings.TrimSpace(l); l != "" {
			got = append(got, l)
		}
	}
	assert.Equal(t, "id: 9", got[0])
	assert.Equal(t, "event: agent_completed", got[1])
	assert.True(t, strings.HasPrefix(got[2], "data: "))
}
