package ml

import (
	"fmt"
	"sort"
)

// Metrics is the held-out evaluation snapshot of one fitted estimator.
// ConfusionMatrix is indexed [actual][predicted] with 0 = benign.
type Metrics struct {
	Accuracy        float64   `json:"accuracy"`
	ROCAUC          float64   `json:"roc_auc"`
	Precision       float64   `json:"precision"`
	Recall          float64   `json:"recall"`
	F1              float64   `json:"f1_score"`
	ConfusionMatrix [2][2]int `json:"confusion_matrix"`
	Samples         int       `json:"samples"`
}

// Evaluate scores est on already scaled rows. Malignant is the positive class.
func Evaluate(est Estimator, features [][]float64, labels []int) (Metrics, error) {
	if len(features) == 0 || len(features) != len(labels) {
		return Metrics{}, fmt.Errorf("evaluate: %d rows for %d labels", len(features), len(labels))
	}
	scores := make([]float64, len(features))
	var m Metrics
	for i, row := range features {
		proba, err := est.PredictProba(row)
		if err != nil {
			return Metrics{}, fmt.Errorf("evaluate row %d: %w", i, err)
		}
		scores[i] = proba[1]
		m.ConfusionMatrix[labels[i]][LabelOf(proba)]++
	}
	m.Samples = len(labels)
	cm := m.ConfusionMatrix
	tp, fp, fn := float64(cm[1][1]), float64(cm[0][1]), float64(cm[1][0])
	m.Accuracy = float64(cm[0][0]+cm[1][1]) / float64(m.Samples)
	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.ROCAUC = rocAUC(scores, labels)
	return m, nil
}

// rocAUC is the Mann-Whitney statistic with average ranks for ties.
// It is 0 when only one class is present.
func rocAUC(scores []float64, labels []int) float64 {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, len(scores))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && scores[idx[j+1]] == scores[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}

	var pos, neg, rankSum float64
	for i, l := range labels {
		if l == 1 {
			pos++
			rankSum += ranks[i]
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0
	}
	return (rankSum - pos*(pos+1)/2) / (pos * neg)
}
