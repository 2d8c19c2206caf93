// Package budget tracks the shrinking chunk-size ceiling of one run.
package budget

const (
	// ShrinkPercent of the current budget is kept on every shrink.
	ShrinkPercent = 85
	// MinFloor is the lowest floor regardless of the configured minimum chunk size.
	MinFloor = 500
)

// Manager is owned by a single orchestration run and is not safe for
// concurrent use.
type Manager struct {
	original int
	current  int
	floor    int
	shrinks  int
}

func New(original, minChunkChars int) *Manager {
	floor := minChunkChars
	if floor < MinFloor {
		floor = MinFloor
	}
	return &Manager{original: original, current: original, floor: floor}
}

func (m *Manager) Original() int { return m.original }
func (m *Manager) Current() int  { return m.current }
func (m *Manager) Floor() int    { return m.floor }
func (m *Manager) Shrinks() int  { return m.shrinks }

// Shrink lowers the budget to 85% of its current value. It reports false and
// leaves the budget unchanged when the result would fall below the floor.
func (m *Manager) Shrink() (int, bool) {
	next := m.current * ShrinkPercent / 100
	if next < m.floor || next >= m.current {
		return m.current, false
	}
	m.current = next
	m.shrinks++
	return m.current, true
}
