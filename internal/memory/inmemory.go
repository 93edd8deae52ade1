package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
)

// MessageStore is a process-local core.MessageMemory, upserting on message id.
type MessageStore struct {
	mu    sync.RWMutex
	convs map[string][]*core.Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{convs: make(map[string][]*core.Message)}
}

func (s *MessageStore) Append(ctx context.Context, msg *core.Message) error {
	cp := cloneMessage(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.convs[msg.ConvID]
	for i, existing := range list {
		if existing.MessageID == cp.MessageID {
			list[i] = cp
			return nil
		}
	}
	s.convs[msg.ConvID] = append(list, cp)
	return nil
}

func (s *MessageStore) GetByConvID(ctx context.Context, convID string) ([]*core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Message, 0, len(s.convs[convID]))
	for _, m := range s.convs[convID] {
		out = append(out, cloneMessage(m))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rounds < out[j].Rounds })
	return out, nil
}

func (s *MessageStore) GetByAgent(ctx context.Context, convID, agent string) ([]*core.Message, error) {
	all, _ := s.GetByConvID(ctx, convID)
	var out []*core.Message
	for _, m := range all {
		if m.Sender == agent || m.Receiver == agent {
			out = append(out, m)
		}
	}
	return out, nil
}

// PlanStore is a process-local core.PlansMemory.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string][]core.Plan
}

func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string][]core.Plan)}
}

func (s *PlanStore) BatchSave(ctx context.Context, plans []core.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range plans {
		s.plans[p.ConvID] = append(s.plans[p.ConvID], p)
	}
	return nil
}

func (s *PlanStore) GetByConvID(ctx context.Context, convID string) ([]core.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Plan(nil), s.plans[convID]...), nil
}
