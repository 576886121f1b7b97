package dataset

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
)

// BandPolicy bins price per m² into labelled bands. With Quantiles > 1 the
// edges come from the quantiles of the prepared dataset, otherwise Edges is used.
// Band i covers [edge[i-1], edge[i]).
type BandPolicy struct {
	Edges     []float64
	Labels    []string
	Quantiles int
}

func DefaultBandPolicy() BandPolicy {
	return BandPolicy{
		Edges:  []float64{8000, 10000, 12000, 14000},
		Labels: []string{"<8k", "8–10k", "10–12k", "12–14k", "14k+"},
	}
}

func (p BandPolicy) Validate() error {
	if p.Quantiles > 1 {
		if len(p.Labels) != 0 && len(p.Labels) != p.Quantiles {
			return fmt.Errorf("band policy: %d labels for %d quantiles", len(p.Labels), p.Quantiles)
		}
		return nil
	}
	if p.Quantiles == 1 || p.Quantiles < 0 {
		return fmt.Errorf("band policy: quantiles must be 0 or greater than 1, got %d", p.Quantiles)
	}
	if len(p.Edges) == 0 {
		return errors.New("band policy: no edges")
	}
	if !slices.IsSorted(p.Edges) {
		return errors.New("band policy: edges must be ascending")
	}
	if len(p.Labels) != len(p.Edges)+1 {
		return fmt.Errorf("band policy: %d edges need %d labels, got %d", len(p.Edges), len(p.Edges)+1, len(p.Labels))
	}
	return nil
}

// resolve returns the effective edges and labels for a dataset.
func (p BandPolicy) resolve(values []float64) ([]float64, []string) {
	if p.Quantiles <= 1 {
		return p.Edges, p.Labels
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	edges := make([]float64, 0, p.Quantiles-1)
	if len(sorted) > 0 {
		for k := 1; k < p.Quantiles; k++ {
			edges = append(edges, Quantile(sorted, float64(k)/float64(p.Quantiles)))
		}
	}
	labels := p.Labels
	if len(labels) == 0 {
		labels = make([]string, p.Quantiles)
		for i := range labels {
			labels[i] = fmt.Sprintf("Q%d", i+1)
		}
	}
	if len(edges) == 0 {
		labels = labels[:1]
	}
	return edges, labels
}

func bandOf(v float64, edges []float64, labels []string) string {
	i := sort.Search(len(edges), func(i int) bool { return edges[i] > v })
	return labels[i]
}

// Quantile interpolates linearly between closest ranks of an ascending slice.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// Median of an unsorted slice; the slice is sorted in place.
func Median(values []float64) float64 {
	slices.Sort(values)
	return Quantile(values, 0.5)
}

// Class labels in display order.
var (
	RoomClasses    = []string{"T1", "T2", "T3", "T4", "T5+"}
	SurfaceClasses = []string{"<25", "25–40", "40–60", "60–80", "80–120", "120+"}
)

func roomClass(rooms int) string {
	switch {
	case rooms < 0:
		return ""
	case rooms <= 1:
		return "T1"
	case rooms <= 2:
		return "T2"
	case rooms <= 3:
		return "T3"
	case rooms <= 4:
		return "T4"
	case rooms <= 100:
		return "T5+"
	}
	return ""
}

func surfaceClass(s float64) string {
	switch {
	case s < 0:
		return ""
	case s < 25:
		return "<25"
	case s < 40:
		return "25–40"
	case s < 60:
		return "40–60"
	case s < 80:
		return "60–80"
	case s < 120:
		return "80–120"
	case s < 10000:
		return "120+"
	}
	return ""
}
