package mockserver

import (
	"fmt"
	"sync"
)

// envelope is one sequenced mjai event as posted to /mjai/act and /mjai/batch
type envelope struct {
	Seq  *int                   `json:"seq"`
	Data map[string]interface{} `json:"data"`
}

// seqError reports a gap in the event sequence
type seqError struct {
	expected int
	got      int
}

func (e *seqError) Error() string {
	return fmt.Sprintf("sequence mismatch: expected %d, got %d", e.expected, e.got)
}

// bot is the stand-in for a hosted mjai model. It discards tiles it draws
// and passes on everything else.
type bot struct {
	seat  int
	bound int
	model string

	mu      sync.Mutex
	started bool
	lastSeq int
}

func newBot(seat, bound int, model string) *bot {
	return &bot{seat: seat, bound: bound, model: model}
}

// feed checks that events continue the sequence and returns the reaction to
// the last one, or nil. The first event ever fed sets the baseline.
func (b *bot) feed(events []envelope) (map[string]interface{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	started, next := b.started, b.lastSeq+1
	for i, ev := range events {
		if ev.Seq == nil {
			return nil, fmt.Errorf("event %d has no seq", i)
		}
		if started && *ev.Seq != next {
			return nil, &seqError{expected: next, got: *ev.Seq}
		}
		next = *ev.Seq + 1
		started = true
	}
	b.started, b.lastSeq = true, next-1

	return b.react(events[len(events)-1].Data), nil
}

func (b *bot) react(event map[string]interface{}) map[string]interface{} {
	if event["type"] != "tsumo" {
		return nil
	}
	actor, ok := event["actor"].(float64)
	if !ok || int(actor) != b.seat {
		return nil
	}
	return map[string]interface{}{
		"type":      "dahai",
		"actor":     b.seat,
		"pai":       event["pai"],
		"tsumogiri": true,
	}
}
