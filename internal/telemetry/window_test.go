package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"latencyregulator/internal/regulator"
)

func sampleWith(bm float64) regulator.Sample {
	return regulator.Sample{SessionID: "s", BufferMemory: bm}
}

func TestWindowKeepsTrailingSamples(t *testing.T) {
	w := NewWindow(3)
	assert.Empty(t, w.Snapshot())

	for i := 1; i <= 5; i++ {
		w.Publish(sampleWith(float64(i)))
	}

	got := w.Snapshot()
	assert.Len(t, got, 3)
	assert.Equal(t, []float64{3, 4, 5}, []float64{got[0].BufferMemory, got[1].BufferMemory, got[2].BufferMemory})
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 3, w.Size())
}

func TestWindowPartiallyFilled(t *testing.T) {
	w := NewWindow(0)
	assert.Equal(t, DefaultWindow, w.Size())

	w.Publish(sampleWith(1))
	w.Publish(sampleWith(2))
	got := w.Snapshot()
	assert.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].BufferMemory)
	assert.Equal(t, 2.0, got[1].BufferMemory)
}

func TestStreamDropsWhenFull(t *testing.T) {
	s := NewStream(1, discardLogger())
	s.Publish(sampleWith(1))
	s.Publish(sampleWith(2))

	assert.Equal(t, uint64(1), s.Dropped())
	got := <-s.C()
	assert.Equal(t, 1.0, got.BufferMemory)
}

type skipRecorder struct {
	reasons []string
	closed  []string
}

func (r *skipRecorder) Publish(regulator.Sample) {}
func (r *skipRecorder) TickSkipped(_ string, reason string) {
	r.reasons = append(r.reasons, reason)
}
func (r *skipRecorder) SessionClosed(id string) {
	r.closed = append(r.closed, id)
}

func TestFanout(t *testing.T) {
	w := NewWindow(4)
	rec := &skipRecorder{}
	var seen int
	f := Fanout{w, rec, regulator.SinkFunc(func(regulator.Sample) { seen++ }), nil}

	f.Publish(sampleWith(1))
	f.TickSkipped("s", "buffered_empty")
	f.SessionClosed("s")

	assert.Equal(t, 1, w.Len())
	assert.Equal(t, 1, seen)
	assert.Equal(t, []string{"buffered_empty"}, rec.reasons)
	assert.Equal(t, []string{"s"}, rec.closed)
}
