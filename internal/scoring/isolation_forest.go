package scoring

import (
	"errors"
	"fmt"
	"math"
)

const eulerGamma = 0.5772156649

// IsolationForest is an exported ensemble of isolation trees. Node arrays
// follow the layout of the training library: a node is a leaf when its left
// child is -1, and samples go left when x[feature] <= threshold.
type IsolationForest struct {
	Offset     float64         `json:"offset"`
	MaxSamples int             `json:"max_samples"`
	NFeatures  int             `json:"n_features"`
	Trees      []IsolationTree `json:"trees"`
}

// IsolationTree is one tree of the forest. Features, when present, maps the
// tree's local feature indices to input columns.
type IsolationTree struct {
	ChildrenLeft  []int     `json:"children_left"`
	ChildrenRight []int     `json:"children_right"`
	Feature       []int     `json:"feature"`
	Threshold     []float64 `json:"threshold"`
	NodeSamples   []int     `json:"n_node_samples"`
	Features      []int     `json:"features,omitempty"`
}

func (f *IsolationForest) validate() error {
	if len(f.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	if f.MaxSamples <= 0 {
		return errors.New("max_samples must be positive")
	}

	for i, t := range f.Trees {
		n := len(t.ChildrenLeft)
		if n == 0 {
			return fmt.Errorf("tree %d has no nodes", i)
		}
		if len(t.ChildrenRight) != n || len(t.Feature) != n || len(t.Threshold) != n || len(t.NodeSamples) != n {
			return fmt.Errorf("tree %d has inconsistent node arrays", i)
		}
		for node := 0; node < n; node++ {
			left, right := t.ChildrenLeft[node], t.ChildrenRight[node]
			if left == -1 {
				continue
			}
			if left <= node || left >= n || right <= node || right >= n {
				return fmt.Errorf("tree %d node %d has invalid children", i, node)
			}
			feat := t.Feature[node]
			if len(t.Features) > 0 {
				if feat < 0 || feat >= len(t.Features) {
					return fmt.Errorf("tree %d node %d has invalid feature %d", i, node, feat)
				}
				feat = t.Features[feat]
			}
			if feat < 0 || (f.NFeatures > 0 && feat >= f.NFeatures) {
				return fmt.Errorf("tree %d node %d has invalid feature %d", i, node, feat)
			}
		}
	}
	return nil
}

// averagePathLength is the expected path length of an unsuccessful search
// in a binary search tree built from n samples
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// pathLength walks x down the tree and returns the leaf depth adjusted by
// the expected remaining path of the leaf's samples
func (t *IsolationTree) pathLength(x []float64) float64 {
	node := 0
	depth := 0.0
	for steps := 0; steps < len(t.ChildrenLeft); steps++ {
		left := t.ChildrenLeft[node]
		if left == -1 {
			break
		}
		feat := t.Feature[node]
		if len(t.Features) > 0 {
			feat = t.Features[feat]
		}

		var v float64
		if feat < len(x) {
			v = x[feat]
		}
		if v <= t.Threshold[node] {
			node = left
		} else {
			node = t.ChildrenRight[node]
		}
		depth++
	}
	return depth + averagePathLength(float64(t.NodeSamples[node]))
}

// ScoreSamples returns the opposite of the anomaly score of each row;
// lower means more abnormal
func (f *IsolationForest) ScoreSamples(rows [][]float64) []float64 {
	denominator := float64(len(f.Trees)) * averagePathLength(float64(f.MaxSamples))
	out := make([]float64, len(rows))

	for i, x := range rows {
		var depths float64
		for t := range f.Trees {
			depths += f.Trees[t].pathLength(x)
		}

		ratio := 0.0
		if denominator > 0 {
			ratio = depths / denominator
		}
		out[i] = -math.Pow(2, -ratio)
	}
	return out
}

// DecisionFunction shifts ScoreSamples by the fitted offset; negative values
// are outliers
func (f *IsolationForest) DecisionFunction(rows [][]float64) []float64 {
	scores := f.ScoreSamples(rows)
	for i := range scores {
		scores[i] -= f.Offset
	}
	return scores
}
