package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StepContext 传递给步骤动作的 saga 上下文。
// 正向步骤通过 Result 读取先前步骤的结果，补偿动作收到步骤自身的正向结果。
type StepContext struct {
	SagaID    string
	SagaType  string
	PaymentID string
	UserID    int64
	Amount    int64
	Extra     map[string]string

	results map[string]json.RawMessage
}

// Result 返回指定步骤的正向结果
func (c *StepContext) Result(step string) (json.RawMessage, bool) {
	r, ok := c.results[step]
	return r, ok
}

// IdempotencyKey 步骤幂等键：saga_id + 步骤名。
// 外部子系统以此识别并忽略重试产生的重复请求。
func (c *StepContext) IdempotencyKey(step string) string {
	return c.SagaID + ":" + step
}

func (c *StepContext) setResult(step string, result json.RawMessage) {
	if c.results == nil {
		c.results = make(map[string]json.RawMessage)
	}
	c.results[step] = result
}

// ForwardFunc 正向动作。返回的 result 会持久化进 metadata.steps，
// 补偿时原样传回。动作必须基于 IdempotencyKey 保证幂等。
type ForwardFunc func(ctx context.Context, sc *StepContext) (json.RawMessage, error)

// CompensateFunc 补偿动作，语义上撤销对应正向步骤的副作用。
type CompensateFunc func(ctx context.Context, sc *StepContext, forwardResult json.RawMessage) error

// StepDefinition 一个步骤的 (name, forward, compensate) 三元组。
// Compensate 为 nil 表示该步骤不做补偿（如通知，发出即不撤回）。
type StepDefinition struct {
	Name       string
	Forward    ForwardFunc
	Compensate CompensateFunc
}

// Registry 按 saga 类型持有固定顺序的步骤表。
// 启动时注册一次，运行期只读。
type Registry struct {
	mu    sync.RWMutex
	types map[string][]StepDefinition
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{types: make(map[string][]StepDefinition)}
}

// Register 注册 saga 类型的步骤列表。类型重复、步骤为空、
// 步骤名重复或缺少正向动作都会报错。
func (r *Registry) Register(sagaType string, steps []StepDefinition) error {
	if sagaType == "" {
		return fmt.Errorf("saga type is empty")
	}
	if len(steps) == 0 {
		return fmt.Errorf("saga type %s has no steps", sagaType)
	}

	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return fmt.Errorf("saga type %s: step %d has no name", sagaType, i)
		}
		if step.Forward == nil {
			return fmt.Errorf("saga type %s: step %s has no forward action", sagaType, step.Name)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("saga type %s: duplicate step %s", sagaType, step.Name)
		}
		seen[step.Name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[sagaType]; exists {
		return fmt.Errorf("saga type %s already registered", sagaType)
	}
	copied := make([]StepDefinition, len(steps))
	copy(copied, steps)
	r.types[sagaType] = copied
	return nil
}

// Resolve 返回 saga 类型的步骤列表
func (r *Registry) Resolve(sagaType string) ([]StepDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	steps, ok := r.types[sagaType]
	if !ok {
		return nil, fmt.Errorf("unknown saga type: %s", sagaType)
	}
	return steps, nil
}

// Step 按名称查找步骤定义
func (r *Registry) Step(sagaType, name string) (StepDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, step := range r.types[sagaType] {
		if step.Name == name {
			return step, true
		}
	}
	return StepDefinition{}, false
}

// stepContextFor 从持久化记录重建步骤上下文（补偿路径）
func stepContextFor(exec *Execution) *StepContext {
	sc := &StepContext{
		SagaID:    exec.SagaID,
		SagaType:  exec.SagaType,
		PaymentID: exec.Metadata.PaymentID,
		UserID:    exec.Metadata.UserID,
		Amount:    exec.Metadata.Amount,
		Extra:     exec.Metadata.Extra,
	}
	for _, rec := range exec.Metadata.Steps {
		sc.setResult(rec.Step, rec.Result)
	}
	return sc
}
