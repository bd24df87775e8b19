package events

import "testing"

func TestPublishFanOutWithFilters(t *testing.T) {
	b := NewBus(16)
	defer b.Close()

	all, cancelAll := b.Subscribe("", "", 8)
	defer cancelAll()
	wf, cancelWf := b.Subscribe("wf-1", "", 8)
	defer cancelWf()
	node, cancelNode := b.Subscribe("wf-1", "n1", 8)
	defer cancelNode()

	b.Publish(Event{Kind: Detection, WorkflowID: "wf-1", NodeID: "n1"})
	b.Publish(Event{Kind: Detection, WorkflowID: "wf-2", NodeID: "n9"})

	if got := len(all.C()); got != 2 {
		t.Fatalf("firehose queued %d, want 2", got)
	}
	if got := len(wf.C()); got != 1 {
		t.Fatalf("workflow-scoped queued %d, want 1", got)
	}
	ev := <-node.C()
	if ev.WorkflowID != "wf-1" || ev.NodeID != "n1" {
		t.Fatalf("node-scoped got %+v", ev)
	}
	if len(node.C()) != 0 {
		t.Fatal("node-scoped subscriber received an unrelated event")
	}
}

func TestSlowSubscriberLosesOldest(t *testing.T) {
	b := NewBus(16)
	defer b.Close()

	var droppedKinds []Kind
	b.OnDropped(func(k Kind) { droppedKinds = append(droppedKinds, k) })

	sub, cancel := b.Subscribe("", "", 2)
	defer cancel()

	for i := 0; i < 4; i++ {
		b.Publish(Event{Kind: StatusUpdate, NodeID: string(rune('a' + i))})
	}

	if sub.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", sub.Dropped())
	}
	if len(droppedKinds) != 2 {
		t.Fatalf("drop callback fired %d times, want 2", len(droppedKinds))
	}
	// The two newest survive.
	if ev := <-sub.C(); ev.NodeID != "c" {
		t.Fatalf("head = %q, want c", ev.NodeID)
	}
	if ev := <-sub.C(); ev.NodeID != "d" {
		t.Fatalf("next = %q, want d", ev.NodeID)
	}
}

func TestHistoryBoundedAndFiltered(t *testing.T) {
	b := NewBus(3)
	for i := 0; i < 5; i++ {
		wf := "wf-1"
		if i%2 == 1 {
			wf = "wf-2"
		}
		b.Publish(Event{Kind: NodeCompleted, WorkflowID: wf, NodeID: string(rune('a' + i))})
	}

	hist := b.History("", 0)
	if len(hist) != 3 {
		t.Fatalf("history size = %d, want 3", len(hist))
	}
	if hist[0].NodeID != "c" || hist[2].NodeID != "e" {
		t.Fatalf("history window = %q..%q, want c..e", hist[0].NodeID, hist[2].NodeID)
	}

	only := b.History("wf-2", 1)
	if len(only) != 1 || only[0].NodeID != "d" {
		t.Fatalf("filtered history = %+v", only)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(16)
	sub, cancel := b.Subscribe("", "", 4)
	cancel()
	cancel() // idempotent

	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Kind: StatusUpdate})
}
