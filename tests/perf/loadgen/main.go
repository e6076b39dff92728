// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxqueue/client"
	"github.com/absmach/fluxqueue/queue/types"
)

var allScenarios = []string{
	"queue-fanin",
	"queue-ack",
	"queue-wait",
	"queue-pull",
}

type runConfig struct {
	Scenario             string
	PayloadLabel         string
	PayloadBytes         int
	Addrs                []string
	MinRatio             float64
	DrainTimeout         time.Duration
	Publishers           int
	Consumers            int
	MessagesPerPublisher int
	PublishInterval      time.Duration
}

type scenarioResult struct {
	Timestamp      string  `json:"timestamp"`
	Scenario       string  `json:"scenario"`
	Description    string  `json:"description"`
	PayloadLabel   string  `json:"payload_label"`
	PayloadBytes   int     `json:"payload_bytes"`
	Publishers     int     `json:"publishers"`
	Consumers      int     `json:"consumers"`
	Published      int64   `json:"published"`
	Expected       int64   `json:"expected"`
	Received       int64   `json:"received"`
	Duplicates     int64   `json:"duplicates"`
	DeliveryRatio  float64 `json:"delivery_ratio"`
	Errors         int64   `json:"errors"`
	PublishRateMPS float64 `json:"publish_rate_mps"`
	ReceiveRateMPS float64 `json:"receive_rate_mps"`
	DurationMS     int64   `json:"duration_ms"`
	Pass           bool    `json:"pass"`
	Notes          string  `json:"notes,omitempty"`
}

type deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newDeduper() *deduper {
	return &deduper{seen: make(map[string]struct{})}
}

func (d *deduper) add(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

func main() {
	scenarioFlag := flag.String("scenario", "", "Scenario to run")
	payloadFlag := flag.String("payload", "small", "Payload preset: small|medium|large")
	payloadBytesFlag := flag.Int("payload-bytes", 0, "Payload size in bytes (overrides -payload)")
	addrsFlag := flag.String("addrs", "127.0.0.1:7700", "Comma-separated broker addresses")
	publishersFlag := flag.Int("publishers", 0, "Override concurrent publishers")
	consumersFlag := flag.Int("consumers", 0, "Override concurrent consumers")
	messagesPerPublisherFlag := flag.Int("messages-per-publisher", 0, "Override messages each publisher sends")
	publishIntervalFlag := flag.Duration("publish-interval", 0, "Pause between each publish per publisher (e.g. 5ms)")
	minRatioFlag := flag.Float64("min-ratio", 0.99, "Minimum delivery ratio")
	drainTimeoutFlag := flag.Duration("drain-timeout", 45*time.Second, "Max wait time for message drain after publishers finish")
	jsonOutFlag := flag.String("json-out", "", "Optional file to append one JSON line result")
	listFlag := flag.Bool("list-scenarios", false, "Print supported scenarios and exit")
	reportFlag := flag.String("report", "", "Summarize a -json-out results file and exit")
	flag.Parse()

	if *reportFlag != "" {
		if err := report(*reportFlag); err != nil {
			exitErr(err)
		}
		return
	}

	if *listFlag {
		for _, sc := range allScenarios {
			fmt.Println(sc)
		}
		return
	}

	if *scenarioFlag == "" {
		exitErr(errors.New("-scenario is required (use -list-scenarios to inspect options)"))
	}

	payloadLabel := strings.ToLower(*payloadFlag)
	payloadBytes := 0
	if *payloadBytesFlag > 0 {
		payloadBytes = *payloadBytesFlag
		payloadLabel = fmt.Sprintf("%dB", payloadBytes)
	} else {
		var err error
		payloadBytes, err = payloadSizeFromLabel(*payloadFlag)
		if err != nil {
			exitErr(err)
		}
	}

	addrs := parseAddrList(*addrsFlag)
	if len(addrs) == 0 {
		exitErr(errors.New("no broker addresses configured"))
	}

	cfg := runConfig{
		Scenario:             *scenarioFlag,
		PayloadLabel:         payloadLabel,
		PayloadBytes:         payloadBytes,
		Addrs:                addrs,
		MinRatio:             *minRatioFlag,
		DrainTimeout:         *drainTimeoutFlag,
		Publishers:           *publishersFlag,
		Consumers:            *consumersFlag,
		MessagesPerPublisher: *messagesPerPublisherFlag,
		PublishInterval:      *publishIntervalFlag,
	}

	start := time.Now()
	ctx := context.Background()

	res, err := runScenario(ctx, cfg)
	res.Description = scenarioDescription(cfg.Scenario)
	res.DurationMS = time.Since(start).Milliseconds()
	res.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		res.Pass = false
		if res.Notes == "" {
			res.Notes = err.Error()
		} else {
			res.Notes = res.Notes + "; " + err.Error()
		}
	}

	if res.DurationMS > 0 {
		sec := float64(res.DurationMS) / 1000.0
		res.PublishRateMPS = float64(res.Published) / sec
		res.ReceiveRateMPS = float64(res.Received) / sec
	}

	line, mErr := json.Marshal(res)
	if mErr != nil {
		exitErr(fmt.Errorf("failed to marshal result: %w", mErr))
	}

	fmt.Printf("scenario=%s desc=%q msg_size=%d sent=%d expected=%d received=%d duplicates=%d publishers=%d consumers=%d mps_sent=%.2f mps_recv=%.2f ratio=%.4f pass=%v errors=%d duration_ms=%d\n",
		res.Scenario, res.Description, res.PayloadBytes, res.Published, res.Expected, res.Received, res.Duplicates,
		res.Publishers, res.Consumers, res.PublishRateMPS, res.ReceiveRateMPS,
		res.DeliveryRatio, res.Pass, res.Errors, res.DurationMS)
	fmt.Println(string(line))

	if *jsonOutFlag != "" {
		if err := appendJSONLine(*jsonOutFlag, line); err != nil {
			exitErr(err)
		}
	}

	if !res.Pass {
		os.Exit(1)
	}
}

// workload is the shape of a scenario after flag overrides.
type workload struct {
	Publishers           int
	Consumers            int
	MessagesPerPublisher int
}

func (cfg runConfig) workload(def workload) workload {
	if cfg.Publishers > 0 {
		def.Publishers = cfg.Publishers
	}
	if cfg.Consumers > 0 {
		def.Consumers = cfg.Consumers
	}
	if cfg.MessagesPerPublisher > 0 {
		def.MessagesPerPublisher = cfg.MessagesPerPublisher
	}
	return def
}

func runScenario(ctx context.Context, cfg runConfig) (scenarioResult, error) {
	switch cfg.Scenario {
	case "queue-fanin":
		w := cfg.workload(workload{Publishers: 50, Consumers: 20, MessagesPerPublisher: messagesByPayloadBytes(cfg.PayloadBytes, 100, 40, 10)})
		return runSubscribeScenario(ctx, cfg, w, []client.QueueOption{
			client.WithStatus(types.StatusRoundRobin),
		})
	case "queue-ack":
		w := cfg.workload(workload{Publishers: 20, Consumers: 10, MessagesPerPublisher: messagesByPayloadBytes(cfg.PayloadBytes, 100, 40, 10)})
		return runSubscribeScenario(ctx, cfg, w, []client.QueueOption{
			client.WithStatus(types.StatusRoundRobin),
			client.WithAcknowledge(types.AckRequest),
			client.WithAckTimeout(10 * time.Second),
		})
	case "queue-wait":
		w := cfg.workload(workload{Publishers: 4, Consumers: 4, MessagesPerPublisher: messagesByPayloadBytes(cfg.PayloadBytes, 50, 20, 5)})
		return runSubscribeScenario(ctx, cfg, w, []client.QueueOption{
			client.WithStatus(types.StatusRoundRobin),
			client.WithAcknowledge(types.AckWait),
			client.WithAckTimeout(10 * time.Second),
		})
	case "queue-pull":
		w := cfg.workload(workload{Publishers: 20, Consumers: 5, MessagesPerPublisher: messagesByPayloadBytes(cfg.PayloadBytes, 100, 40, 10)})
		return runPullScenario(ctx, cfg, w)
	default:
		return scenarioResult{}, fmt.Errorf("unsupported scenario %q; valid: %s", cfg.Scenario, strings.Join(allScenarios, ", "))
	}
}

func newResult(cfg runConfig, w workload) scenarioResult {
	return scenarioResult{
		Scenario:     cfg.Scenario,
		PayloadLabel: cfg.PayloadLabel,
		PayloadBytes: cfg.PayloadBytes,
		Publishers:   w.Publishers,
		Consumers:    w.Consumers,
	}
}

func (r *scenarioResult) finish(published, received, duplicates, errCount int64, minRatio float64) {
	r.Published = published
	r.Expected = published
	r.Received = received
	r.Duplicates = duplicates
	r.Errors = errCount
	r.DeliveryRatio = ratio(r.Received, r.Expected)
	r.Pass = r.DeliveryRatio >= minRatio
	if !r.Pass {
		r.Notes = fmt.Sprintf("%s delivery ratio %.4f below min %.4f", r.Scenario, r.DeliveryRatio, minRatio)
	}
}

// runSubscribeScenario feeds one queue from many publishers while
// subscribed consumers ack what they receive.
func runSubscribeScenario(ctx context.Context, cfg runConfig, w workload, queueOpts []client.QueueOption) (scenarioResult, error) {
	res := newResult(cfg, w)
	runID := time.Now().UnixNano()
	queueName := fmt.Sprintf("perf-%s-%d", cfg.Scenario, runID)

	if err := createQueue(ctx, cfg.Addrs[0], queueName, queueOpts); err != nil {
		return res, err
	}

	var errCount, received, duplicates atomic.Int64
	seen := newDeduper()

	consumers, err := connectClients(cfg.Addrs, "consumer", runID, w.Consumers)
	if err != nil {
		return res, err
	}
	defer closeClients(consumers)

	for _, c := range consumers {
		err := c.Subscribe(ctx, queueName, func(msg *client.Message) {
			if seen.add(extractMsgID(msg.Payload)) {
				received.Add(1)
			} else {
				duplicates.Add(1)
			}
			if msg.NeedsAck {
				if err := msg.Ack(ctx); err != nil {
					errCount.Add(1)
				}
			}
		})
		if err != nil {
			return res, fmt.Errorf("subscribe: %w", err)
		}
	}

	published := runPublishers(ctx, cfg, w, runID, queueName, &errCount)
	_ = waitForAtLeast(&received, published, cfg.DrainTimeout)

	res.finish(published, received.Load(), duplicates.Load(), errCount.Load(), cfg.MinRatio)
	return res, nil
}

// runPullScenario fills a pull queue and drains it with batched pulls.
func runPullScenario(ctx context.Context, cfg runConfig, w workload) (scenarioResult, error) {
	res := newResult(cfg, w)
	runID := time.Now().UnixNano()
	queueName := fmt.Sprintf("perf-%s-%d", cfg.Scenario, runID)

	if err := createQueue(ctx, cfg.Addrs[0], queueName, []client.QueueOption{client.WithStatus(types.StatusPull)}); err != nil {
		return res, err
	}

	var errCount, received, duplicates atomic.Int64
	seen := newDeduper()

	consumers, err := connectClients(cfg.Addrs, "puller", runID, w.Consumers)
	if err != nil {
		return res, err
	}
	defer closeClients(consumers)

	published := runPublishers(ctx, cfg, w, runID, queueName, &errCount)

	pullCtx, cancel := context.WithTimeout(ctx, cfg.DrainTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			for received.Load() < published && pullCtx.Err() == nil {
				msgs, err := c.Pull(pullCtx, queueName, 100)
				if err != nil {
					if pullCtx.Err() == nil {
						errCount.Add(1)
					}
					return
				}
				if len(msgs) == 0 {
					time.Sleep(50 * time.Millisecond)
					continue
				}
				for _, msg := range msgs {
					if seen.add(extractMsgID(msg.Payload)) {
						received.Add(1)
					} else {
						duplicates.Add(1)
					}
				}
			}
		}(c)
	}
	wg.Wait()

	res.finish(published, received.Load(), duplicates.Load(), errCount.Load(), cfg.MinRatio)
	return res, nil
}

func createQueue(ctx context.Context, addr, name string, opts []client.QueueOption) error {
	c, err := connectClient(addr, "perf-admin")
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.CreateQueue(ctx, name, opts...); err != nil {
		return fmt.Errorf("create queue %s: %w", name, err)
	}
	return nil
}

func runPublishers(ctx context.Context, cfg runConfig, w workload, runID int64, queueName string, errCount *atomic.Int64) int64 {
	var published atomic.Int64
	var wg sync.WaitGroup

	for p := 0; p < w.Publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()

			addr := cfg.Addrs[p%len(cfg.Addrs)]
			c, err := connectClient(addr, fmt.Sprintf("publisher-%d-%d", runID, p))
			if err != nil {
				errCount.Add(1)
				return
			}
			defer c.Close()

			for i := 0; i < w.MessagesPerPublisher; i++ {
				msgID := fmt.Sprintf("p%d-m%d", p, i)
				if _, err := c.Push(ctx, queueName, makePayload(msgID, cfg.PayloadBytes)); err != nil {
					errCount.Add(1)
					continue
				}
				published.Add(1)
				if cfg.PublishInterval > 0 {
					time.Sleep(cfg.PublishInterval)
				}
			}
		}(p)
	}
	wg.Wait()

	return published.Load()
}

func connectClients(addrs []string, role string, runID int64, count int) ([]*client.Client, error) {
	clients := make([]*client.Client, 0, count)
	for i := 0; i < count; i++ {
		c, err := connectClient(addrs[i%len(addrs)], fmt.Sprintf("%s-%d-%d", role, runID, i))
		if err != nil {
			closeClients(clients)
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func connectClient(addr, name string) (*client.Client, error) {
	opts := client.NewOptions().
		SetAddress(addr).
		SetName(name).
		SetAutoReconnect(false).
		SetRequestTimeout(30 * time.Second)

	c, err := client.New(opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect %s to %s: %w", name, addr, err)
	}
	return c, nil
}

func closeClients(clients []*client.Client) {
	for _, c := range clients {
		_ = c.Close()
	}
}

func messagesByPayloadBytes(payloadBytes, small, medium, large int) int {
	switch {
	case payloadBytes <= 512:
		return small
	case payloadBytes <= 8192:
		return medium
	default:
		return large
	}
}

func scenarioDescription(scenario string) string {
	switch scenario {
	case "queue-fanin":
		return "Many publishers feeding one round-robin queue without acknowledgment."
	case "queue-ack":
		return "Round-robin queue with consumer acknowledgment per message."
	case "queue-wait":
		return "Wait-for-ack queue delivering one message at a time."
	case "queue-pull":
		return "Pull queue drained by batched pull requests."
	default:
		return "Custom scenario run."
	}
}

func payloadSizeFromLabel(label string) (int, error) {
	switch strings.ToLower(label) {
	case "small":
		return 128, nil
	case "medium":
		return 2048, nil
	case "large":
		return 32768, nil
	default:
		return 0, fmt.Errorf("invalid payload label %q (use small|medium|large)", label)
	}
}

func parseAddrList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func waitForAtLeast(counter *atomic.Int64, target int64, timeout time.Duration) bool {
	if target <= 0 {
		return true
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if counter.Load() >= target {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return counter.Load() >= target
}

func makePayload(msgID string, size int) []byte {
	prefix := msgID + "|"
	if size <= len(prefix) {
		return []byte(prefix)
	}
	buf := make([]byte, size)
	copy(buf, prefix)
	for i := len(prefix); i < size; i++ {
		buf[i] = byte('a' + (i % 26))
	}
	return buf
}

func extractMsgID(payload []byte) string {
	idx := bytes.IndexByte(payload, '|')
	if idx <= 0 {
		if len(payload) == 0 {
			return ""
		}
		if len(payload) > 64 {
			return string(payload[:64])
		}
		return string(payload)
	}
	return string(payload[:idx])
}

func ratio(received, expected int64) float64 {
	if expected <= 0 {
		if received > 0 {
			return 1
		}
		return 0
	}
	return float64(received) / float64(expected)
}

func report(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open results %s: %w", path, err)
	}
	defer f.Close()

	sums, skipped, err := summarize(f)
	if err != nil {
		return fmt.Errorf("failed to read results %s: %w", path, err)
	}
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "skipped %d malformed lines\n", skipped)
	}
	return writeReport(os.Stdout, sums)
}

func appendJSONLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open json output %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to write json line: %w", err)
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(2)
}
