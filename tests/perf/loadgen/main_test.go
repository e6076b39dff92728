// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"reflect"
	"testing"
)

func TestPayloadRoundTrip(t *testing.T) {
	cases := []struct {
		id   string
		size int
	}{
		{"p1-m1", 128},
		{"p12-m345", 4},
		{"p0-m0", 0},
	}
	for _, c := range cases {
		payload := makePayload(c.id, c.size)
		if len(payload) < c.size {
			t.Fatalf("payload for %s has %d bytes, want at least %d", c.id, len(payload), c.size)
		}
		if got := extractMsgID(payload); got != c.id {
			t.Fatalf("extractMsgID = %q, want %q", got, c.id)
		}
	}
}

func TestExtractMsgIDWithoutSeparator(t *testing.T) {
	if got := extractMsgID(nil); got != "" {
		t.Fatalf("extractMsgID(nil) = %q", got)
	}
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	if got := extractMsgID(long); len(got) != 64 {
		t.Fatalf("extractMsgID truncated to %d bytes, want 64", len(got))
	}
}

func TestRatio(t *testing.T) {
	if got := ratio(99, 100); got != 0.99 {
		t.Fatalf("ratio = %v", got)
	}
	if got := ratio(0, 0); got != 0 {
		t.Fatalf("ratio with nothing expected = %v", got)
	}
	if got := ratio(3, 0); got != 1 {
		t.Fatalf("ratio with unexpected deliveries = %v", got)
	}
}

func TestParseAddrList(t *testing.T) {
	got := parseAddrList(" a:1, ,b:2,")
	want := []string{"a:1", "b:2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseAddrList = %v, want %v", got, want)
	}
}

func TestPayloadSizeFromLabel(t *testing.T) {
	if n, err := payloadSizeFromLabel("MEDIUM"); err != nil || n != 2048 {
		t.Fatalf("payloadSizeFromLabel(MEDIUM) = %d, %v", n, err)
	}
	if _, err := payloadSizeFromLabel("huge"); err == nil {
		t.Fatal("expected error for unknown label")
	}
}

func TestWorkloadOverrides(t *testing.T) {
	cfg := runConfig{Consumers: 3}
	got := cfg.workload(workload{Publishers: 10, Consumers: 5, MessagesPerPublisher: 7})
	want := workload{Publishers: 10, Consumers: 3, MessagesPerPublisher: 7}
	if got != want {
		t.Fatalf("workload = %+v, want %+v", got, want)
	}
}

func TestDeduper(t *testing.T) {
	d := newDeduper()
	if !d.add("a") {
		t.Fatal("first add must report new")
	}
	if d.add("a") {
		t.Fatal("second add must report duplicate")
	}
}

func TestFinishMarksFailure(t *testing.T) {
	r := scenarioResult{Scenario: "queue-ack"}
	r.finish(100, 90, 2, 1, 0.99)
	if r.Pass {
		t.Fatal("ratio below minimum must fail")
	}
	if r.Notes == "" {
		t.Fatal("failure must carry a note")
	}

	r = scenarioResult{Scenario: "queue-ack"}
	r.finish(100, 100, 0, 0, 0.99)
	if !r.Pass || r.DeliveryRatio != 1 {
		t.Fatalf("full delivery: pass=%v ratio=%v", r.Pass, r.DeliveryRatio)
	}
}
