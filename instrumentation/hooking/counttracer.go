package hooking

import (
	"sort"
)

// PosCountTracer counts how often each hook position is triggered.
type PosCountTracer struct {
	names []string
	count map[string]uint64
}

// NewPosCountTracer creates a new PosCountTracer.
func NewPosCountTracer() *PosCountTracer {
	return &PosCountTracer{
		count: make(map[string]uint64),
	}
}

// Func counts the position of the hook context.
func (t *PosCountTracer) Func(ctx HookCtx) {
	if ctx.Pos == nil {
		return
	}

	if _, ok := t.count[ctx.Pos.Name]; !ok {
		t.names = append(t.names, ctx.Pos.Name)
	}

	t.count[ctx.Pos.Name]++
}

// GetPosNames returns the positions seen, sorted by name.
func (t *PosCountTracer) GetPosNames() []string {
	names := make([]string, len(t.names))
	copy(names, t.names)
	sort.Strings(names)

	return names
}

// GetCount returns the number of times a position was triggered.
func (t *PosCountTracer) GetCount(pos *HookPos) uint64 {
	return t.count[pos.Name]
}
