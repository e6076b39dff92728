// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestSummarizeGroupsRuns(t *testing.T) {
	in := strings.Join([]string{
		`{"scenario":"queue-ack","payload_label":"small","published":100,"received":100,"delivery_ratio":1,"receive_rate_mps":50,"duration_ms":200,"pass":true}`,
		`not json`,
		``,
		`{"scenario":"queue-pull","payload_label":"small","published":10,"received":10,"delivery_ratio":1,"receive_rate_mps":5,"duration_ms":100,"pass":true}`,
		`{"scenario":"queue-ack","payload_label":"small","published":100,"received":90,"duplicates":2,"errors":1,"delivery_ratio":0.9,"receive_rate_mps":80,"duration_ms":400,"pass":false}`,
	}, "\n")

	sums, skipped, err := summarize(strings.NewReader(in))
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
	if len(sums) != 2 {
		t.Fatalf("groups = %d, want 2", len(sums))
	}

	ack := sums[0]
	if ack.Scenario != "queue-ack" || sums[1].Scenario != "queue-pull" {
		t.Fatalf("order = %s, %s", ack.Scenario, sums[1].Scenario)
	}
	if ack.Runs != 2 || ack.Passed != 1 {
		t.Fatalf("runs=%d passed=%d", ack.Runs, ack.Passed)
	}
	if ack.Published != 200 || ack.Received != 190 || ack.Duplicates != 2 || ack.Errors != 1 {
		t.Fatalf("totals = %+v", ack)
	}
	if ack.WorstRatio != 0.9 || ack.BestRecvMPS != 80 || ack.avgMS() != 300 {
		t.Fatalf("worst=%v best=%v avg=%d", ack.WorstRatio, ack.BestRecvMPS, ack.avgMS())
	}
}

func TestWriteReport(t *testing.T) {
	var buf bytes.Buffer
	sums := []runSummary{{Scenario: "queue-wait", PayloadLabel: "large", Runs: 3, Passed: 3, WorstRatio: 1, TotalMS: 30}}
	if err := writeReport(&buf, sums); err != nil {
		t.Fatalf("writeReport: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want header and one row", len(lines))
	}
	if !strings.HasPrefix(lines[0], "SCENARIO") {
		t.Fatalf("header = %q", lines[0])
	}
	fields := strings.Fields(lines[1])
	if fields[0] != "queue-wait" || fields[1] != "large" || fields[2] != "3" || fields[len(fields)-1] != "10" {
		t.Fatalf("row = %q", lines[1])
	}
}
