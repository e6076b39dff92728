// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// runSummary aggregates every recorded run of one scenario and payload size.
type runSummary struct {
	Scenario     string
	PayloadLabel string
	Runs         int
	Passed       int
	Published    int64
	Received     int64
	Duplicates   int64
	Errors       int64
	WorstRatio   float64
	BestRecvMPS  float64
	TotalMS      int64
}

func (s runSummary) avgMS() int64 {
	if s.Runs == 0 {
		return 0
	}
	return s.TotalMS / int64(s.Runs)
}

// summarize reads the JSON lines written with -json-out and groups them by
// scenario and payload, in order of first appearance. Lines that are not
// results are counted and skipped.
func summarize(r io.Reader) ([]runSummary, int, error) {
	var (
		order   []string
		groups  = make(map[string]*runSummary)
		skipped int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var res scenarioResult
		if err := json.Unmarshal(line, &res); err != nil || res.Scenario == "" {
			skipped++
			continue
		}

		key := res.Scenario + "/" + res.PayloadLabel
		s, ok := groups[key]
		if !ok {
			s = &runSummary{Scenario: res.Scenario, PayloadLabel: res.PayloadLabel, WorstRatio: res.DeliveryRatio}
			groups[key] = s
			order = append(order, key)
		}
		s.Runs++
		if res.Pass {
			s.Passed++
		}
		s.Published += res.Published
		s.Received += res.Received
		s.Duplicates += res.Duplicates
		s.Errors += res.Errors
		s.TotalMS += res.DurationMS
		s.WorstRatio = min(s.WorstRatio, res.DeliveryRatio)
		s.BestRecvMPS = max(s.BestRecvMPS, res.ReceiveRateMPS)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, err
	}

	out := make([]runSummary, 0, len(order))
	for _, key := range order {
		out = append(out, *groups[key])
	}
	return out, skipped, nil
}

func writeReport(w io.Writer, sums []runSummary) error {
	tw := tabwriter.NewWriter(w, 2, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tPAYLOAD\tRUNS\tPASSED\tSENT\tRECEIVED\tDUPS\tERRORS\tWORST_RATIO\tBEST_MPS_RECV\tAVG_MS")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%.4f\t%.2f\t%d\n",
			s.Scenario,
			s.PayloadLabel,
			s.Runs,
			s.Passed,
			s.Published,
			s.Received,
			s.Duplicates,
			s.Errors,
			s.WorstRatio,
			s.BestRecvMPS,
			s.avgMS(),
		)
	}
	return tw.Flush()
}
