package metrics

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const webhookOutcomesKey = "billing:counters:webhook_outcomes"

// OutcomeCount is the number of deliveries of one event type that ended in
// one ledger outcome.
type OutcomeCount struct {
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
	Count     int64  `json:"count"`
}

// WebhookCounter keeps per event type and outcome delivery counters in a
// Redis hash, shared by every instance behind the load balancer.
type WebhookCounter struct {
	client *redis.Client
	key    string
}

func NewWebhookCounter(client *redis.Client) *WebhookCounter {
	return &WebhookCounter{client: client, key: webhookOutcomesKey}
}

// RecordOutcome increments the counter for one delivery.
func (c *WebhookCounter) RecordOutcome(ctx context.Context, eventType, outcome string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.HIncrBy(ctx, c.key, field(eventType, outcome), 1).Err()
}

// Snapshot reads the counters without resetting them.
func (c *WebhookCounter) Snapshot(ctx context.Context) ([]OutcomeCount, error) {
	data, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, err
	}
	return parseCounts(data), nil
}

// Drain returns the counters and resets them. The hash is renamed away first
// so increments that land during the read start a fresh hash and are kept.
func (c *WebhookCounter) Drain(ctx context.Context) ([]OutcomeCount, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", c.key, time.Now().UnixNano())
	if err := c.client.Rename(ctx, c.key, tmpKey).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return []OutcomeCount{}, nil
		}
		return nil, err
	}
	defer c.client.Del(ctx, tmpKey)

	data, err := c.client.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return nil, err
	}
	return parseCounts(data), nil
}

func field(eventType, outcome string) string {
	return eventType + "|" + outcome
}

func parseCounts(data map[string]string) []OutcomeCount {
	counts := make([]OutcomeCount, 0, len(data))
	for k, v := range data {
		eventType, outcome, ok := strings.Cut(k, "|")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n == 0 {
			continue
		}
		counts = append(counts, OutcomeCount{EventType: eventType, Outcome: outcome, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].EventType != counts[j].EventType {
			return counts[i].EventType < counts[j].EventType
		}
		return counts[i].Outcome < counts[j].Outcome
	})
	return counts
}
