package window

// Side is the tri-state relation of the current value to the mean.
type Side int

const (
	SideUnknown Side = iota
	SideAbove
	SideBelow
)

func (s Side) String() string {
	switch s {
	case SideAbove:
		return "above"
	case SideBelow:
		return "below"
	}
	return "unknown"
}

// Direction classifies a fired transition.
type Direction string

const (
	Crossover  Direction = "crossover"
	Crossunder Direction = "crossunder"
)

// Transition carries the context of one edge-triggered state change.
type Transition struct {
	Direction Direction
	Value     float64
	Mean      float64
}

// Comparator remembers the last known side of a value relative to a mean
// and fires only when the side changes between successive evaluations.
// The first evaluation after construction never fires: moving from
// SideUnknown to a concrete side has no previous state to compare against.
type Comparator struct {
	prev Side
}

// NewComparator starts in the unknown state.
func NewComparator() *Comparator { return &Comparator{prev: SideUnknown} }

// Side returns the last recorded side.
func (c *Comparator) Side() Side { return c.prev }

// Evaluate records the new side and reports a transition when the side
// changed from a previously known side. Values equal to the mean count as
// below, so repeated evaluations at the mean stay stable.
func (c *Comparator) Evaluate(value, mean float64) (Transition, bool) {
	current := SideBelow
	if value > mean {
		current = SideAbove
	}

	fired := c.prev != SideUnknown && current != c.prev
	c.prev = current
	if !fired {
		return Transition{}, false
	}

	direction := Crossunder
	if current == SideAbove {
		direction = Crossover
	}
	return Transition{Direction: direction, Value: value, Mean: mean}, true
}
