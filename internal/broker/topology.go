package broker

import (
	"fmt"
	"slices"
	"strings"
)

// Binding routes messages published to Exchange whose routing key matches
// Pattern. Patterns use topic-exchange syntax: "*" is one word, "#" is zero
// or more.
type Binding struct {
	Exchange string
	Pattern  string
}

// QueueSpec declares a durable queue, what feeds it and who consumes it.
type QueueSpec struct {
	Name     string
	Bindings []Binding
	// DeadLetterExchange receives deliveries that exhaust MaxAttempts or are rejected.
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MaxAttempts          int
	Concurrency          int
	// Handler is nil for queues consumed by another service.
	Handler Handler
}

// Topology is the explicit registry of queues, bindings and handlers built at startup.
type Topology struct {
	queues []QueueSpec
	index  map[string]int
}

func NewTopology() *Topology {
	return &Topology{index: make(map[string]int)}
}

// Register adds spec. Queue names are unique.
func (t *Topology) Register(spec QueueSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("broker: queue name is required")
	}
	if len(spec.Bindings) == 0 {
		return fmt.Errorf("broker: queue %s has no bindings", spec.Name)
	}
	for _, b := range spec.Bindings {
		if b.Exchange == "" || b.Pattern == "" {
			return fmt.Errorf("broker: queue %s has an incomplete binding", spec.Name)
		}
	}
	if _, ok := t.index[spec.Name]; ok {
		return fmt.Errorf("broker: queue %s registered twice", spec.Name)
	}
	t.index[spec.Name] = len(t.queues)
	t.queues = append(t.queues, spec)
	return nil
}

// MustRegister is Register for static topologies.
func (t *Topology) MustRegister(spec QueueSpec) *Topology {
	if err := t.Register(spec); err != nil {
		panic(err)
	}
	return t
}

func (t *Topology) Queue(name string) (QueueSpec, bool) {
	i, ok := t.index[name]
	if !ok {
		return QueueSpec{}, false
	}
	return t.queues[i], true
}

func (t *Topology) Queues() []QueueSpec {
	return slices.Clone(t.queues)
}

// Route lists the registered queues a message would reach, without touching Redis.
func (t *Topology) Route(exchange, routingKey string) []string {
	var out []string
	for _, q := range t.queues {
		for _, b := range q.Bindings {
			if b.Exchange == exchange && MatchRoutingKey(b.Pattern, routingKey) {
				out = append(out, q.Name)
				break
			}
		}
	}
	return out
}

// MatchRoutingKey reports whether key matches a topic pattern.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || k[0] != p[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}
