package thermostat

import "github.com/asecurityteam/rolling"

// movingAverage is a fixed-capacity circular window producing a running mean.
// The mean only covers the samples seen so far while the window fills up.
type movingAverage struct {
	policy *rolling.PointPolicy
	size   int
	count  int
	next   int
}

func newMovingAverage(size int) *movingAverage {
	if size < 1 {
		size = 1
	}
	return &movingAverage{
		policy: rolling.NewPointPolicy(rolling.NewWindow(size)),
		size:   size,
	}
}

// Add pushes v and returns the updated mean.
func (f *movingAverage) Add(v float64) float64 {
	f.policy.Append(v)
	f.next = (f.next + 1) % f.size
	if f.count < f.size {
		f.count++
	}
	return f.Mean()
}

func (f *movingAverage) Mean() float64 {
	if f.count == 0 {
		return 0
	}
	// unused buckets are empty, so the sum only covers real samples
	return f.policy.Reduce(rolling.Sum) / float64(f.count)
}

func (f *movingAverage) Len() int  { return f.count }
func (f *movingAverage) Size() int { return f.size }

// samples returns the stored values, oldest first.
func (f *movingAverage) samples() []float64 {
	out := make([]float64, 0, f.count)
	f.policy.Reduce(func(w rolling.Window) float64 {
		start := (f.next - f.count + f.size) % f.size
		for i := 0; i < f.count; i++ {
			out = append(out, w[(start+i)%f.size][0])
		}
		return 0
	})
	return out
}

// Resize changes the window capacity, keeping the most recent samples.
func (f *movingAverage) Resize(size int) {
	if size < 1 {
		size = 1
	}
	if size == f.size {
		return
	}
	kept := f.samples()
	if len(kept) > size {
		kept = kept[len(kept)-size:]
	}
	*f = *newMovingAverage(size)
	for _, v := range kept {
		f.Add(v)
	}
}

func (f *movingAverage) Reset() {
	*f = *newMovingAverage(f.size)
}
