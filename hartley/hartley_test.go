package hartley

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestRoundTrip2D(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	shapes := [][2]int{{4, 4}, {5, 5}, {6, 3}, {3, 8}, {1, 7}}
	for _, s := range shapes {
		ny, nx := s[0], s[1]
		img := make([]float64, ny*nx)
		for i := range img {
			img[i] = rng.NormFloat64()
		}
		back := IHT2Center(HT2Center(img, ny, nx), ny, nx)
		for i := range img {
			if math.Abs(back[i]-img[i]) > 1e-10 {
				t.Fatalf("%dx%d: element %d = %v, want %v", ny, nx, i, back[i], img[i])
			}
		}
	}
}

func TestRoundTrip3D(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	plan := NewPlan(3, 4, 5)
	vol := make([]float64, 60)
	for i := range vol {
		vol[i] = rng.Float64()
	}
	back := plan.Inverse(plan.Forward(vol))
	for i := range vol {
		if math.Abs(back[i]-vol[i]) > 1e-10 {
			t.Fatalf("element %d = %v, want %v", i, back[i], vol[i])
		}
	}
}

func TestDCAtCentre(t *testing.T) {
	for _, n := range []int{4, 5} {
		img := make([]float64, n*n)
		for i := range img {
			img[i] = 2
		}
		f := HT2Center(img, n, n)
		centre := (n/2)*n + n/2
		for i, v := range f {
			want := 0.0
			if i == centre {
				want = 2 * float64(n*n)
			}
			if math.Abs(v-want) > 1e-9 {
				t.Fatalf("n=%d: coefficient %d = %v, want %v", n, i, v, want)
			}
		}
	}
}

func TestInverseOfCentredImpulseIsFlat(t *testing.T) {
	dims := []int{2, 4, 4}
	vol := make([]float64, 32)
	vol[(1*4+2)*4+2] = 32
	out := IHTNCenter(vol, dims...)
	for i, v := range out {
		if math.Abs(v-1) > 1e-12 {
			t.Fatalf("voxel %d = %v, want 1", i, v)
		}
	}
}

var resultSlice []float64

func BenchmarkHT2Center_128(b *testing.B) {
	plan := NewPlan(128, 128)
	img := make([]float64, 128*128)
	for i := range img {
		img[i] = float64(i % 17)
	}
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		resultSlice = plan.Forward(img)
	}
}
