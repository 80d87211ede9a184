package livecommand

import (
	"testing"
	"time"
)

func TestChannelSinkDeliversPushedCommandToEverySubscriber(t *testing.T) {
	sink := NewChannelSink(4)
	extra := sink.Subscribe()
	defer sink.Unsubscribe(extra)

	cmd := Command{Kind: KindCollectNow}
	if ok := sink.Push(cmd); !ok {
		t.Fatalf("Push() = false, want true")
	}

	select {
	case got := <-sink.Commands():
		if got != cmd {
			t.Fatalf("primary Commands() got %+v, want %+v", got, cmd)
		}
	case <-time.After(time.Second):
		t.Fatalf("primary subscriber never received the pushed command")
	}

	select {
	case got := <-extra.Channel:
		if got != cmd {
			t.Fatalf("extra subscriber got %+v, want %+v", got, cmd)
		}
	case <-time.After(time.Second):
		t.Fatalf("extra subscriber never received the pushed command: the two readers are racing for one channel")
	}
}

func TestChannelSinkSubscribersAreIndependentOfEachOther(t *testing.T) {
	sink := NewChannelSink(4)
	a := sink.Subscribe()
	b := sink.Subscribe()
	defer sink.Unsubscribe(a)
	defer sink.Unsubscribe(b)

	for i := 0; i < 3; i++ {
		sink.Push(Command{Kind: KindScreenshot})
	}

	for _, sub := range []*Subscription{a, b} {
		for i := 0; i < 3; i++ {
			select {
			case <-sub.Channel:
			case <-time.After(time.Second):
				t.Fatalf("subscriber %s only received %d of 3 pushed commands", sub.ID, i)
			}
		}
	}
}

func TestChannelSinkCloseClosesPrimaryChannelOnly(t *testing.T) {
	sink := NewChannelSink(1)
	extra := sink.Subscribe()
	defer sink.Unsubscribe(extra)

	sink.Close()

	if _, ok := <-sink.Commands(); ok {
		t.Fatalf("primary channel should be closed after Close()")
	}

	sink.Push(Command{Kind: KindRekey})
	select {
	case got, ok := <-extra.Channel:
		if !ok {
			t.Fatalf("extra subscriber's channel should still be open after Close()")
		}
		if got.Kind != KindRekey {
			t.Fatalf("extra subscriber got %+v, want KindRekey", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("extra subscriber never received a command pushed after Close()")
	}
}

func TestChannelSinkPushReportsPrimaryBufferFull(t *testing.T) {
	sink := NewChannelSink(1)

	if ok := sink.Push(Command{Kind: KindCollectNow}); !ok {
		t.Fatalf("first Push() into an empty buffer = false, want true")
	}
	if ok := sink.Push(Command{Kind: KindCollectNow}); ok {
		t.Fatalf("Push() into a full primary buffer = true, want false")
	}
}
