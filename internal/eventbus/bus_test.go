// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 200 * time.Millisecond
	b := New(cfg)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishFansOutToWildcardAndLiteralSubscribers(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var h1Calls []string
	var h2Calls []string
	done := make(chan struct{}, 3)

	if _, err := b.Subscribe("test.*", func(ev Event) error {
		mu.Lock()
		h1Calls = append(h1Calls, ev.Topic)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe H1: %v", err)
	}

	if _, err := b.Subscribe("test.event1", func(ev Event) error {
		mu.Lock()
		h2Calls = append(h2Calls, ev.Topic)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe H2: %v", err)
	}

	for _, topic := range []string{"test.event1", "test.event2", "other.event"} {
		if _, err := b.Publish(topic, nil, PublishOptions{}); err != nil {
			t.Fatalf("publish %s: %v", topic, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(h1Calls) != 2 || h1Calls[0] != "test.event1" || h1Calls[1] != "test.event2" {
		t.Errorf("H1 calls = %v, want [test.event1 test.event2] in order", h1Calls)
	}
	if len(h2Calls) != 1 || h2Calls[0] != "test.event1" {
		t.Errorf("H2 calls = %v, want [test.event1]", h2Calls)
	}
}

func TestRequestTimesOutWithNoResponder(t *testing.T) {
	b := testBus(t)

	start := time.Now()
	_, err := b.Request(context.Background(), "no.response", nil, RequestOptions{Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed > 110*time.Millisecond {
		t.Errorf("Request took %v, want <= 110ms", elapsed)
	}
}

func TestRequestReceivesReply(t *testing.T) {
	b := testBus(t)

	if _, err := b.Subscribe("ping", func(ev Event) error {
		env, ok := ev.Data.(map[string]any)
		if !ok {
			t.Errorf("unexpected request payload shape: %#v", ev.Data)
			return nil
		}
		replyTo, _ := env["replyTo"].(string)
		_, err := b.Publish(replyTo, "pong", PublishOptions{})
		return err
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe responder: %v", err)
	}

	reply, err := b.Request(context.Background(), "ping", "data", RequestOptions{Timeout: time.Second})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Data != "pong" {
		t.Errorf("reply.Data = %v, want pong", reply.Data)
	}
}

func TestHistoryBoundedToMaxSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistorySize = 10
	cfg.DefaultTTL = time.Minute
	b := New(cfg)
	t.Cleanup(func() { _ = b.Close() })

	for i := 0; i < 15; i++ {
		if _, err := b.Publish("history.topic", strconv.Itoa(i), PublishOptions{}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	entries := b.GetHistory("history.topic", HistoryOptions{})
	if len(entries) != 10 {
		t.Fatalf("len(entries) = %d, want 10", len(entries))
	}
	if entries[0].Data != "5" {
		t.Errorf("oldest retained = %v, want 5", entries[0].Data)
	}
	if entries[len(entries)-1].Data != "14" {
		t.Errorf("newest retained = %v, want 14", entries[len(entries)-1].Data)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := testBus(t)

	var calls int
	var mu sync.Mutex
	sub, err := b.Subscribe("stop.me", func(Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish("stop.me", nil, PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, err := b.Publish("stop.me", nil, PublishOptions{}); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	cfg := DefaultConfig()
	b := New(cfg)
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := b.Publish("anything", nil, PublishOptions{}); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("anything", func(Event) error { return nil }, SubscribeOptions{}); err != ErrClosed {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	b := testBus(t)

	var delivered bool
	var mu sync.Mutex
	if _, err := b.Subscribe("ns.topic", func(Event) error {
		mu.Lock()
		delivered = true
		mu.Unlock()
		return nil
	}, SubscribeOptions{Namespace: "tenant-a"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish("ns.topic", nil, PublishOptions{Namespace: "tenant-b"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if delivered {
		t.Error("event crossed namespace isolation")
	}
}

func TestCloseWaitsForInFlightDeliveries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = time.Second
	b := New(cfg)

	handlerStarted := make(chan struct{})
	releaseHandler := make(chan struct{})
	var handlerFinished bool
	var mu sync.Mutex

	if _, err := b.Subscribe("slow.topic", func(Event) error {
		close(handlerStarted)
		<-releaseHandler
		mu.Lock()
		handlerFinished = true
		mu.Unlock()
		return nil
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish("slow.topic", nil, PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	<-handlerStarted

	closeDone := make(chan error, 1)
	go func() { closeDone <- b.Close() }()

	time.Sleep(20 * time.Millisecond)
	close(releaseHandler)

	if err := <-closeDone; err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !handlerFinished {
		t.Error("Close returned before the in-flight handler finished")
	}
}

func TestCloseDoesNotBlockPastShutdownTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 30 * time.Millisecond
	b := New(cfg)

	handlerStarted := make(chan struct{})
	block := make(chan struct{})
	if _, err := b.Subscribe("stuck.topic", func(Event) error {
		close(handlerStarted)
		<-block
		return nil
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish("stuck.topic", nil, PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	<-handlerStarted

	closeDone := make(chan error, 1)
	go func() { closeDone <- b.Close() }()

	select {
	case err := <-closeDone:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not return within its shutdown timeout")
	}
}
