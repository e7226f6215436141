package msggate

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// MemoryStore keeps messages in process memory. It backs the memory:// DSN
// and is the default store in tests and local development.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: map[string]Message{}}
}

func (s *MemoryStore) Insert(_ context.Context, msg Message) (InsertOutcome, error) {
	if strings.TrimSpace(msg.MessageID) == "" {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.MessageID]; exists {
		return AlreadyExists, nil
	}
	s.messages[msg.MessageID] = msg
	return Inserted, nil
}

func (s *MemoryStore) Query(_ context.Context, params QueryParams) ([]Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := lo.Filter(lo.Values(s.messages), func(msg Message, _ int) bool {
		return matchesQuery(msg, params)
	})
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].MessageID < matched[j].MessageID
	})

	total := len(matched)
	start := params.Offset
	if start > total {
		start = total
	}
	end := start + params.Limit
	if params.Limit <= 0 || end > total {
		end = total
	}
	page := make([]Message, end-start)
	copy(page, matched[start:end])
	return page, total, nil
}

func matchesQuery(msg Message, params QueryParams) bool {
	if params.From != "" && msg.From != params.From {
		return false
	}
	if params.Since != nil && msg.Timestamp.Before(*params.Since) {
		return false
	}
	if params.Contains != "" {
		if msg.Text == nil || !strings.Contains(*msg.Text, params.Contains) {
			return false
		}
	}
	return true
}

func (s *MemoryStore) ComputeStats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		TotalMessages: len(s.messages),
		TopSenders:    map[string]int{},
	}
	perSender := lo.CountValuesBy(lo.Values(s.messages), func(msg Message) string {
		return msg.From
	})
	stats.SendersCount = len(perSender)

	senders := lo.Keys(perSender)
	sort.Slice(senders, func(i, j int) bool {
		if perSender[senders[i]] != perSender[senders[j]] {
			return perSender[senders[i]] > perSender[senders[j]]
		}
		return senders[i] < senders[j]
	})
	if len(senders) > 10 {
		senders = senders[:10]
	}
	for _, sender := range senders {
		stats.TopSenders[sender] = perSender[sender]
	}

	for _, msg := range s.messages {
		ts := msg.Timestamp
		if stats.FirstTS == nil || ts.Before(*stats.FirstTS) {
			first := ts
			stats.FirstTS = &first
		}
		if stats.LastTS == nil || ts.After(*stats.LastTS) {
			last := ts
			stats.LastTS = &last
		}
	}
	return stats, nil
}

func (s *MemoryStore) CheckConnection(context.Context) bool {
	return true
}

func (s *MemoryStore) Close() error {
	return nil
}
