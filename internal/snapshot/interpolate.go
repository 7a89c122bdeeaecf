package snapshot

import (
	"math"

	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/schema"
)

// Blend writes the interpolated state into st. Fields marked for
// interpolation are blended linearly; everything else, buffers and enable
// bits included, takes the From snapshot until Alpha reaches 1.
func (d DataAtTick) Blend(st *ghost.State) {
	src := d.From
	if d.Alpha >= 1 {
		src = d.To
	}
	src.Load(st)
	if d.Alpha <= 0 || d.Alpha >= 1 {
		return
	}
	l := d.From.Layout
	for f := range l.Fields {
		fl := &l.Fields[f]
		if fl.Smoothing != schema.SmoothInterpolate {
			continue
		}
		a, b := d.From.Value(f), d.To.Value(f)
		switch fl.Kind {
		case schema.KindQuantized, schema.KindInt:
			fa, fb := float64(int32(a)), float64(int32(b))
			st.Values[f] = uint32(int32(math.Round(fa + (fb-fa)*float64(d.Alpha))))
		case schema.KindFloat:
			fa, fb := math.Float32frombits(a), math.Float32frombits(b)
			st.Values[f] = math.Float32bits(fa + (fb-fa)*d.Alpha)
		}
	}
}
