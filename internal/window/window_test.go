package window

import (
	"math"
	"math/rand"
	"testing"
)

func TestPushBeforeCapacity(t *testing.T) {
	w := New(4)
	if got := w.Push(10); got != 10 {
		t.Fatalf("mean after first push = %v, want 10", got)
	}
	if got := w.Push(20); got != 15 {
		t.Fatalf("mean after second push = %v, want 15", got)
	}
	if w.Full() {
		t.Fatal("window should not be full after 2 of 4 pushes")
	}
}

func TestSeedThenPushEvictsOldest(t *testing.T) {
	w := New(4)
	w.Seed([]float64{10, 20, 30, 40})
	if got := w.Mean(); got != 25 {
		t.Fatalf("seeded mean = %v, want 25", got)
	}
	if got := w.Push(50); got != 35 {
		t.Fatalf("mean after push(50) = %v, want 35 (buffer 20,30,40,50)", got)
	}
	if w.Len() != 4 {
		t.Fatalf("len = %d, want 4", w.Len())
	}
}

func TestSeedClipsToMostRecent(t *testing.T) {
	w := New(3)
	w.Seed([]float64{1, 2, 3, 4, 5, 6})
	if got := w.Mean(); got != 5 {
		t.Fatalf("mean = %v, want 5 (kept 4,5,6)", got)
	}
}

func TestSeedResetsPriorState(t *testing.T) {
	w := New(3)
	w.Seed([]float64{100, 200, 300})
	w.Seed([]float64{1, 2})
	if got := w.Mean(); got != 1.5 {
		t.Fatalf("mean after reseed = %v, want 1.5", got)
	}
	if w.Len() != 2 {
		t.Fatalf("len after reseed = %d, want 2", w.Len())
	}
}

// Mean must track the true arithmetic mean of the last C pushed values for
// any push sequence.
func TestMeanMatchesNaiveRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, capacity := range []int{1, 2, 7, 90, 200} {
		w := New(capacity)
		var pushed []float64
		for i := 0; i < 3*capacity+11; i++ {
			v := rng.Float64()*1000 - 500
			pushed = append(pushed, v)
			got := w.Push(v)

			live := pushed
			if len(live) > capacity {
				live = live[len(live)-capacity:]
			}
			var sum float64
			for _, s := range live {
				sum += s
			}
			want := sum / float64(len(live))
			if math.Abs(got-want) > 1e-9*math.Max(1, math.Abs(want)) {
				t.Fatalf("cap %d push %d: mean = %v, want %v", capacity, i, got, want)
			}
		}
	}
}

func TestComparatorColdStartNeverFires(t *testing.T) {
	c := NewComparator()
	if _, fired := c.Evaluate(26, 25); fired {
		t.Fatal("first evaluation must not fire")
	}
	if c.Side() != SideAbove {
		t.Fatalf("side = %v, want above", c.Side())
	}
}

func TestComparatorTransitionSequence(t *testing.T) {
	c := NewComparator()

	if _, fired := c.Evaluate(26, 25); fired {
		t.Fatal("cold start fired")
	}

	tr, fired := c.Evaluate(24, 25)
	if !fired {
		t.Fatal("above -> below should fire")
	}
	if tr.Direction != Crossunder {
		t.Fatalf("direction = %v, want crossunder", tr.Direction)
	}
	if tr.Value != 24 || tr.Mean != 25 {
		t.Fatalf("transition carried value=%v mean=%v", tr.Value, tr.Mean)
	}

	tr, fired = c.Evaluate(30, 25)
	if !fired {
		t.Fatal("below -> above should fire")
	}
	if tr.Direction != Crossover {
		t.Fatalf("direction = %v, want crossover", tr.Direction)
	}
}

func TestComparatorNoRepeatWhileSideHolds(t *testing.T) {
	c := NewComparator()
	c.Evaluate(30, 25)
	for i := 0; i < 5; i++ {
		if _, fired := c.Evaluate(30+float64(i), 25); fired {
			t.Fatalf("evaluation %d fired without a side change", i)
		}
	}
	if _, fired := c.Evaluate(20, 25); !fired {
		t.Fatal("side change after a stable run should fire")
	}
}

func TestComparatorEqualCountsAsBelow(t *testing.T) {
	c := NewComparator()
	c.Evaluate(25, 25)
	if c.Side() != SideBelow {
		t.Fatalf("value equal to mean: side = %v, want below", c.Side())
	}
	if _, fired := c.Evaluate(25, 25); fired {
		t.Fatal("repeated evaluation at the mean must not fire")
	}
}
