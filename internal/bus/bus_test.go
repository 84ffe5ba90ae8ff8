package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("store.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicStoreCommitted, CommitEvent{SHA: "abc", Files: []string{"inbox/inbox.md"}})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicStoreCommitted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicStoreCommitted)
		}
		ce, ok := event.Payload.(CommitEvent)
		if !ok || ce.SHA != "abc" {
			t.Fatalf("payload = %#v", event.Payload)
		}
		if event.At.IsZero() {
			t.Fatal("expected publish timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	ritualSub := b.Subscribe("ritual.")
	defer b.Unsubscribe(ritualSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicRitualPhase, RitualPhaseEvent{From: "reflect", To: "sort"})
	b.Publish(TopicResearchStage, ResearchStageEvent{Stage: "search"})

	select {
	case event := <-ritualSub.Ch():
		if event.Topic != TopicRitualPhase {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicRitualPhase)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ritual event")
	}

	select {
	case event := <-ritualSub.Ch():
		t.Fatalf("unexpected event on ritualSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe("actor.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicActorStep, i)
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
	if sub.Dropped() != 10 {
		t.Fatalf("dropped = %d, want 10", sub.Dropped())
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicActorDegraded, DegradedEvent{Stage: "commit"})
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("ingest.")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicIngestAccepted, IngestEvent{EventID: "ev", Kind: "event"})
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done
		}
	}
done:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
