// Package memory keeps per-conversation message and plan logs in front of a
// durable store, and feeds a live snapshot queue for streaming consumers.
package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/vis"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Mirror receives a copy of every pushed snapshot, e.g. to fan out across processes.
type Mirror interface {
	Publish(ctx context.Context, convID, snapshot string) error
	Done(ctx context.Context, convID string) error
}

type conversation struct {
	messages   []*core.Message
	index      map[string]int
	plans      []core.Plan
	startRound int
	reserved   int
	queue      *queue
}

func newConversation(startRound int) *conversation {
	return &conversation{index: make(map[string]int), startRound: startRound, reserved: -1, queue: newQueue()}
}

func (c *conversation) upsert(msg *core.Message) {
	if i, ok := c.index[msg.MessageID]; ok && msg.MessageID != "" {
		c.messages[i] = msg
		return
	}
	c.index[msg.MessageID] = len(c.messages)
	c.messages = append(c.messages, msg)
}

// GptsMemory is the conversation memory shared by every agent of a team.
type GptsMemory struct {
	mu        sync.Mutex
	convs     map[string]*conversation
	hidden    map[string]bool
	messages  core.MessageMemory
	plans     core.PlansMemory
	converter core.VisConverter
	mirror    Mirror
	logger    *log.Logger
}

// Option configures GptsMemory.
type Option func(*GptsMemory)

// WithConverter replaces the default snapshot converter.
func WithConverter(c core.VisConverter) Option {
	return func(m *GptsMemory) {
		if c != nil {
			m.converter = c
		}
	}
}

// WithMirror publishes every snapshot and the end marker to m as well.
func WithMirror(mirror Mirror) Option {
	return func(m *GptsMemory) { m.mirror = mirror }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *GptsMemory) {
		if l != nil {
			m.logger = l
		}
	}
}

// New builds a GptsMemory over the durable stores. Nil stores fall back to
// in-process ones.
func New(messages core.MessageMemory, plans core.PlansMemory, opts ...Option) *GptsMemory {
	if messages == nil {
		messages = NewMessageStore()
	}
	if plans == nil {
		plans = NewPlanStore()
	}
	m := &GptsMemory{
		convs:     make(map[string]*conversation),
		hidden:    make(map[string]bool),
		messages:  messages,
		plans:     plans,
		converter: vis.DefaultConverter{},
		logger:    log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAgent records whether messages received by an agent are displayed.
func (m *GptsMemory) RegisterAgent(name string, showMessage bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if showMessage {
		delete(m.hidden, name)
		return
	}
	m.hidden[name] = true
}

// Init (re)creates the live queue of convID and seeds the cache with history.
func (m *GptsMemory) Init(convID string, history []*core.Message, startRound int) {
	c := newConversation(startRound)
	for _, msg := range history {
		if msg != nil {
			c.upsert(cloneMessage(msg))
		}
	}
	m.mu.Lock()
	m.convs[convID] = c
	m.mu.Unlock()
}

// Open initialises convID like Init unless it already has a live queue, in
// which case it reports false and leaves the conversation untouched.
func (m *GptsMemory) Open(convID string, history []*core.Message, startRound int) bool {
	c := newConversation(startRound)
	for _, msg := range history {
		if msg != nil {
			c.upsert(cloneMessage(msg))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.convs[convID]; ok && !cur.queue.closed() {
		return false
	}
	m.convs[convID] = c
	return true
}

func (m *GptsMemory) conv(convID string) *conversation {
	c, ok := m.convs[convID]
	if !ok {
		c = newConversation(0)
		m.convs[convID] = c
	}
	return c
}

// LoadPersistent fills an empty cache from the durable stores.
func (m *GptsMemory) LoadPersistent(ctx context.Context, convID string) error {
	m.mu.Lock()
	c := m.conv(convID)
	needMessages := len(c.messages) == 0
	needPlans := len(c.plans) == 0
	m.mu.Unlock()

	if needMessages {
		msgs, err := m.messages.GetByConvID(ctx, convID)
		if err != nil {
			return fmt.Errorf("load messages %s: %w", convID, err)
		}
		m.mu.Lock()
		for _, msg := range msgs {
			c.upsert(msg)
		}
		m.mu.Unlock()
	}
	if needPlans {
		plans, err := m.plans.GetByConvID(ctx, convID)
		if err != nil {
			return fmt.Errorf("load plans %s: %w", convID, err)
		}
		m.mu.Lock()
		c.plans = append(c.plans, plans...)
		m.mu.Unlock()
	}
	return nil
}

// NextMessageRounds allocates the next rounds value for convID. Values are
// reserved, so concurrent callers never share one.
func (m *GptsMemory) NextMessageRounds(ctx context.Context, convID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conv(convID)
	next := c.startRound
	if c.reserved >= next {
		next = c.reserved + 1
	}
	for _, msg := range c.messages {
		if msg.Rounds >= next {
			next = msg.Rounds + 1
		}
	}
	c.reserved = next
	return next
}

// AppendMessage caches msg, persists it and pushes a fresh snapshot. A
// persistence failure is returned after the cache and queue effects.
func (m *GptsMemory) AppendMessage(ctx context.Context, convID string, msg *core.Message) error {
	if msg == nil {
		return fmt.Errorf("append nil message")
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	if msg.ConvID == "" {
		msg.ConvID = convID
	}
	cp := cloneMessage(msg)

	m.mu.Lock()
	m.conv(convID).upsert(cp)
	m.mu.Unlock()

	storeErr := m.messages.Append(ctx, cp)
	messagesAppended(ctx, storeErr == nil)
	pushErr := m.PushMessage(ctx, convID)
	if storeErr != nil {
		m.logger.Printf("persist message %s of %s failed: %v", cp.MessageID, convID, storeErr)
		return fmt.Errorf("persist message %s: %w", cp.MessageID, storeErr)
	}
	return pushErr
}

// PushMessage enqueues the current snapshot of convID.
func (m *GptsMemory) PushMessage(ctx context.Context, convID string) error {
	snapshot, err := m.VisMessages(ctx, convID)
	if err != nil {
		return fmt.Errorf("render snapshot %s: %w", convID, err)
	}
	m.mu.Lock()
	c, ok := m.convs[convID]
	m.mu.Unlock()
	if !ok {
		m.logger.Printf("no message channel for conversation %s", convID)
		return nil
	}
	if !c.queue.push(snapshot) {
		return nil
	}
	if m.mirror != nil {
		if err := m.mirror.Publish(ctx, convID, snapshot); err != nil {
			mirrorFailed(ctx)
			m.logger.Printf("mirror publish %s: %v", convID, err)
		}
	}
	return nil
}

// VisMessages renders the displayable messages of convID from its start round.
func (m *GptsMemory) VisMessages(ctx context.Context, convID string) (string, error) {
	m.mu.Lock()
	c, ok := m.convs[convID]
	var msgs []*core.Message
	if ok {
		for _, msg := range c.messages {
			if msg.Rounds >= c.startRound {
				msgs = append(msgs, msg)
			}
		}
	}
	hidden := make(map[string]bool, len(m.hidden))
	for k, v := range m.hidden {
		hidden[k] = v
	}
	m.mu.Unlock()

	if !ok {
		stored, err := m.messages.GetByConvID(ctx, convID)
		if err != nil {
			return "", fmt.Errorf("load messages %s: %w", convID, err)
		}
		msgs = stored
	}
	return m.converter.Visualize(ctx, mergeMessages(msgs, hidden))
}

// mergeMessages drops user messages and splices out messages received by
// hidden agents, forwarding their sender and goal to the following message.
// The input slice and its messages are left untouched.
func mergeMessages(msgs []*core.Message, hidden map[string]bool) []*core.Message {
	out := make([]*core.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		cur := msgs[i]
		if cur.Sender == core.UserName || cur.Role == core.RoleHuman {
			continue
		}
		if hidden[cur.Receiver] && i+1 < len(msgs) {
			next := cloneMessage(msgs[i+1])
			next.Sender = cur.Sender
			if next.CurrentGoal == "" {
				next.CurrentGoal = cur.CurrentGoal
			}
			if len(next.ResourceInfo) == 0 {
				next.ResourceInfo = cur.ResourceInfo
			}
			out = append(out, next)
			i++
			continue
		}
		out = append(out, cur)
	}
	return out
}

// Complete enqueues the end-of-stream marker for convID.
func (m *GptsMemory) Complete(ctx context.Context, convID string) {
	m.mu.Lock()
	c, ok := m.convs[convID]
	m.mu.Unlock()
	if !ok {
		m.logger.Printf("complete: unknown conversation %s", convID)
		return
	}
	if !c.queue.push(DoneSentinel) {
		return
	}
	if m.mirror != nil {
		if err := m.mirror.Done(ctx, convID); err != nil {
			mirrorFailed(ctx)
			m.logger.Printf("mirror done %s: %v", convID, err)
		}
	}
}

// ChatMessages streams the snapshots of convID until the end marker. The
// returned channel is closed once, after the marker or when ctx is done.
func (m *GptsMemory) ChatMessages(ctx context.Context, convID string) (<-chan string, error) {
	m.mu.Lock()
	c, ok := m.convs[convID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s has no message channel", convID)
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			item, ok := c.queue.pop(ctx)
			if !ok {
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Active reports whether convID has a live queue that has not finished.
func (m *GptsMemory) Active(convID string) bool {
	m.mu.Lock()
	c, ok := m.convs[convID]
	m.mu.Unlock()
	return ok && !c.queue.closed()
}

// Clear drops the queue and caches of convID.
func (m *GptsMemory) Clear(convID string) {
	m.mu.Lock()
	delete(m.convs, convID)
	m.mu.Unlock()
}

// ClearFinished drops convID only when its stream has ended. Readers already
// attached keep draining their queue.
func (m *GptsMemory) ClearFinished(convID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	if !ok || !c.queue.closed() {
		return false
	}
	delete(m.convs, convID)
	return true
}

// GetMessages returns the cached messages of convID, or the stored ones on a miss.
func (m *GptsMemory) GetMessages(ctx context.Context, convID string) ([]*core.Message, error) {
	m.mu.Lock()
	c, ok := m.convs[convID]
	var msgs []*core.Message
	if ok {
		msgs = append(msgs, c.messages...)
	}
	m.mu.Unlock()
	if len(msgs) > 0 {
		return msgs, nil
	}
	stored, err := m.messages.GetByConvID(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("get messages %s: %w", convID, err)
	}
	return stored, nil
}

// GetAgentMessages returns the cached messages sent or received by agent.
func (m *GptsMemory) GetAgentMessages(ctx context.Context, convID, agent string) ([]*core.Message, error) {
	msgs, err := m.GetMessages(ctx, convID)
	if err != nil {
		return nil, err
	}
	var out []*core.Message
	for _, msg := range msgs {
		if msg.Sender == agent || msg.Receiver == agent {
			out = append(out, msg)
		}
	}
	return out, nil
}

// GetAgentHistory pairs the stored messages of agent as (request, reply) and
// returns the reply reports.
func (m *GptsMemory) GetAgentHistory(ctx context.Context, convID, agent string) ([]*core.ActionOutput, error) {
	msgs, err := m.messages.GetByAgent(ctx, convID, agent)
	if err != nil {
		return nil, fmt.Errorf("agent history %s/%s: %w", convID, agent, err)
	}
	var out []*core.ActionOutput
	for i := 0; i+1 < len(msgs); i += 2 {
		if r := msgs[i+1].Report; r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// Message returns one cached message by id, falling back to the store.
func (m *GptsMemory) Message(ctx context.Context, convID, messageID string) (*core.Message, bool, error) {
	m.mu.Lock()
	if c, ok := m.convs[convID]; ok {
		if i, ok := c.index[messageID]; ok {
			msg := c.messages[i]
			m.mu.Unlock()
			return msg, true, nil
		}
	}
	m.mu.Unlock()
	stored, err := m.messages.GetByConvID(ctx, convID)
	if err != nil {
		return nil, false, fmt.Errorf("lookup message %s: %w", messageID, err)
	}
	for _, msg := range stored {
		if msg.MessageID == messageID {
			return msg, true, nil
		}
	}
	return nil, false, nil
}

// AppendPlans caches and persists plans.
func (m *GptsMemory) AppendPlans(ctx context.Context, convID string, plans []core.Plan) error {
	if len(plans) == 0 {
		return nil
	}
	m.mu.Lock()
	c := m.conv(convID)
	c.plans = append(c.plans, plans...)
	m.mu.Unlock()
	if err := m.plans.BatchSave(ctx, plans); err != nil {
		return fmt.Errorf("persist plans %s: %w", convID, err)
	}
	return nil
}

// GetPlans returns the plans of convID ordered by round and sub-task number.
func (m *GptsMemory) GetPlans(ctx context.Context, convID string) ([]core.Plan, error) {
	m.mu.Lock()
	var plans []core.Plan
	if c, ok := m.convs[convID]; ok {
		plans = append(plans, c.plans...)
	}
	m.mu.Unlock()
	if len(plans) == 0 {
		stored, err := m.plans.GetByConvID(ctx, convID)
		if err != nil {
			return nil, fmt.Errorf("get plans %s: %w", convID, err)
		}
		plans = stored
	}
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].ConvRound != plans[j].ConvRound {
			return plans[i].ConvRound < plans[j].ConvRound
		}
		return plans[i].SubTaskNum < plans[j].SubTaskNum
	})
	return plans, nil
}

func cloneMessage(msg *core.Message) *core.Message {
	cp := *msg
	cp.Report = msg.Report.Clone()
	if msg.Context != nil {
		cp.Context = make(map[string]interface{}, len(msg.Context))
		for k, v := range msg.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

func messagesAppended(ctx context.Context, persisted bool) {
	memoryMetricsOnce.Do(initMemoryMetrics)
	if appendedCounter != nil {
		appendedCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.Bool("persisted", persisted)))
	}
}

func mirrorFailed(ctx context.Context) {
	memoryMetricsOnce.Do(initMemoryMetrics)
	if mirrorErrCounter != nil {
		mirrorErrCounter.Add(ctx, 1)
	}
}
