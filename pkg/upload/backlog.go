package upload

import "fmt"

// Eviction selects which payload a full backlog gives up.
type Eviction int

const (
	// DropOldest evicts the oldest pending payload to make room.
	DropOldest Eviction = iota
	// DropNewest rejects the incoming payload.
	DropNewest
)

// ParseEviction maps the configuration names to a policy.
func ParseEviction(s string) (Eviction, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	}
	return DropOldest, fmt.Errorf("upload: unknown eviction policy %q", s)
}

func (e Eviction) String() string {
	if e == DropNewest {
		return "drop_newest"
	}
	return "drop_oldest"
}

// Backlog holds encoded payloads that could not be delivered, oldest first.
// It is not safe for concurrent use.
type Backlog struct {
	size   int
	policy Eviction
	items  [][]byte
}

// NewBacklog creates a backlog holding at most size payloads. With size 0
// every payload is dropped.
func NewBacklog(size int, policy Eviction) *Backlog {
	return &Backlog{size: max(size, 0), policy: policy}
}

// Add stores p. It returns the payload given up to make room, if any; that
// is p itself when the policy is DropNewest or the backlog has no room.
func (b *Backlog) Add(p []byte) (evicted []byte) {
	if b.size == 0 {
		return p
	}
	if len(b.items) < b.size {
		b.items = append(b.items, p)
		return nil
	}
	if b.policy == DropNewest {
		return p
	}
	evicted = b.items[0]
	b.items = append(b.items[1:], p)
	return evicted
}

// Peek returns the oldest payload without removing it.
func (b *Backlog) Peek() ([]byte, bool) {
	if len(b.items) == 0 {
		return nil, false
	}
	return b.items[0], true
}

// Pop removes the oldest payload.
func (b *Backlog) Pop() {
	if len(b.items) == 0 {
		return
	}
	b.items[0] = nil
	b.items = b.items[1:]
}

func (b *Backlog) Len() int {
	return len(b.items)
}
