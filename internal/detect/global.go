package detect

import (
	"bufio"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"mirage/internal/clock"
)

// Prediction is one logged classifier verdict.
type Prediction struct {
	Timestamp  time.Time
	Type       AttackType
	Confidence float64
}

// GlobalDetector is a nearest-centroid classifier over the four observation
// scalars (rate, connection, pattern, persistence). It ships with fixed
// default centroids so prediction is always defined; Train replaces them
// with per-class means of the loaded samples.
type GlobalDetector struct {
	mu        sync.Mutex
	centroids map[AttackType][]float64
	samples   [][]float64
	labels    []AttackType
	trained   bool
	log       []Prediction

	clk    clock.Clock
	logger *slog.Logger
}

// GlobalOption configures a GlobalDetector.
type GlobalOption func(*GlobalDetector)

func WithGlobalLogger(logger *slog.Logger) GlobalOption {
	return func(d *GlobalDetector) { d.logger = logger }
}

func NewGlobalDetector(clk clock.Clock, opts ...GlobalOption) *GlobalDetector {
	d := &GlobalDetector{
		centroids: defaultCentroids(),
		clk:       clk,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func defaultCentroids() map[AttackType][]float64 {
	return map[AttackType][]float64{
		AttackNone:      {0.0, 0.0, 0.0, 0.0},
		AttackDOS:       {0.8, 0.3, 0.7, 0.5},
		AttackSYNFlood:  {0.6, 0.9, 0.8, 0.6},
		AttackUDPFlood:  {0.9, 0.2, 0.8, 0.4},
		AttackHTTPFlood: {0.7, 0.5, 0.6, 0.7},
		AttackProbe:     {0.3, 0.4, 0.5, 0.8},
		AttackPortScan:  {0.4, 0.6, 0.4, 0.3},
	}
}

// AddSample appends one labeled feature vector to the training set.
func (d *GlobalDetector) AddSample(features []float64, label AttackType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples = append(d.samples, features)
	d.labels = append(d.labels, label)
}

// LoadDataset reads CSV rows of numeric feature columns with a trailing
// numeric label column. The first line is treated as a header. Malformed
// rows are skipped silently. Returns false when no usable rows were found.
func (d *GlobalDetector) LoadDataset(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	header := true
	loaded := 0

	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		var values []float64
		for _, token := range strings.Split(scanner.Text(), ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(token), 64)
			if err != nil {
				continue
			}
			values = append(values, v)
		}
		if len(values) < 2 {
			continue
		}
		label := attackTypeFromLabel(int(values[len(values)-1]))
		d.AddSample(values[:len(values)-1], label)
		loaded++
	}

	d.logger.Info("training dataset loaded", "samples", loaded)
	return loaded > 0
}

// Train recomputes the per-class centroids as mean feature vectors of the
// loaded samples. Returns false when no training data is available.
func (d *GlobalDetector) Train() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.samples) == 0 {
		d.logger.Warn("no training data available")
		return false
	}

	byClass := make(map[AttackType][][]float64)
	for i, sample := range d.samples {
		byClass[d.labels[i]] = append(byClass[d.labels[i]], sample)
	}

	centroids := make(map[AttackType][]float64, len(byClass))
	for class, samples := range byClass {
		mean := make([]float64, len(samples[0]))
		for _, sample := range samples {
			for f := range mean {
				if f < len(sample) {
					mean[f] += sample[f]
				}
			}
		}
		for f := range mean {
			mean[f] /= float64(len(samples))
		}
		centroids[class] = mean
	}

	d.centroids = centroids
	d.trained = true
	d.logger.Info("classifier trained", "classes", len(centroids))
	return true
}

// Predict classifies an observation by nearest Euclidean centroid and logs
// the verdict. Confidence mirrors the observation's confidence.
func (d *GlobalDetector) Predict(obs Observation) (AttackType, float64) {
	features := []float64{obs.RateAnomaly, obs.ConnectionAnomaly, obs.PatternAnomaly, obs.PersistenceFactor}

	d.mu.Lock()
	defer d.mu.Unlock()

	predicted := d.classifyLocked(features)
	d.log = append(d.log, Prediction{
		Timestamp:  d.clk.Now(),
		Type:       predicted,
		Confidence: obs.Confidence,
	})
	return predicted, obs.Confidence
}

// BatchPredict classifies a slice of observations in order.
func (d *GlobalDetector) BatchPredict(observations []Observation) []Prediction {
	results := make([]Prediction, 0, len(observations))
	for _, obs := range observations {
		t, c := d.Predict(obs)
		results = append(results, Prediction{Type: t, Confidence: c})
	}
	return results
}

// ClassificationReport returns the proportion of logged predictions per
// class.
func (d *GlobalDetector) ClassificationReport() map[AttackType]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	report := make(map[AttackType]float64)
	if len(d.log) == 0 {
		return report
	}
	counts := make(map[AttackType]int)
	for _, p := range d.log {
		counts[p.Type]++
	}
	total := float64(len(d.log))
	for class, n := range counts {
		report[class] = float64(n) / total
	}
	return report
}

// PredictionLog returns a copy of the logged predictions, oldest first.
func (d *GlobalDetector) PredictionLog() []Prediction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Prediction, len(d.log))
	copy(out, d.log)
	return out
}

// IsTrained reports whether Train has replaced the default centroids.
func (d *GlobalDetector) IsTrained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trained
}

func (d *GlobalDetector) classifyLocked(features []float64) AttackType {
	best := AttackNone
	bestDist := math.MaxFloat64
	for class, centroid := range d.centroids {
		dist := 0.0
		n := min(len(features), len(centroid))
		for i := 0; i < n; i++ {
			diff := features[i] - centroid[i]
			dist += diff * diff
		}
		dist = math.Sqrt(dist)
		if dist < bestDist || (dist == bestDist && class < best) {
			bestDist = dist
			best = class
		}
	}
	return best
}
