package broker

import (
	"fmt"
	"strings"
	"time"
)

// Topology declares the exchange and the queues bound to it.
type Topology struct {
	Exchange string
	Queues   []QueueSpec
}

// QueueSpec declares one work queue. Queues are durable unless AutoDelete is
// set, in which case Close removes them. MaxReceiveCount > 0 adds a
// "<name>-dlq" dead-letter queue.
type QueueSpec struct {
	Name              string
	Bindings          []string
	AutoDelete        bool
	MaxReceiveCount   int
	VisibilityTimeout time.Duration

	// BatchSize overrides the manager's receive batch for this queue. Messages
	// are handled one after another, so every message of a batch must finish
	// within VisibilityTimeout.
	BatchSize int
}

// maxBatchSize is the SQS ReceiveMessage limit.
const maxBatchSize = 10

// DeadLetterName returns the dead-letter queue name for a work queue.
func DeadLetterName(queue string) string {
	return queue + "-dlq"
}

func (t Topology) validate() error {
	if t.Exchange == "" {
		return fmt.Errorf("topology: exchange name is required")
	}
	seen := map[string]bool{}
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("topology: queue name is required")
		}
		if seen[q.Name] {
			return fmt.Errorf("topology: queue %s declared twice", q.Name)
		}
		seen[q.Name] = true
		if q.BatchSize < 0 || q.BatchSize > maxBatchSize {
			return fmt.Errorf("topology: batch size %d on queue %s is outside 0..%d", q.BatchSize, q.Name, maxBatchSize)
		}
		for _, b := range q.Bindings {
			if b == "" {
				return fmt.Errorf("topology: empty binding on queue %s", q.Name)
			}
		}
	}
	return nil
}

// routes returns the queues whose bindings match routingKey, in declaration order.
func (t Topology) routes(routingKey string) []string {
	var out []string
	for _, q := range t.Queues {
		for _, b := range q.Bindings {
			if MatchTopic(b, routingKey) {
				out = append(out, q.Name)
				break
			}
		}
	}
	return out
}

func (t Topology) queue(name string) (QueueSpec, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueSpec{}, false
}

// MatchTopic reports whether key matches a topic-exchange binding pattern.
// Words are dot separated; "*" matches exactly one word, "#" zero or more.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
