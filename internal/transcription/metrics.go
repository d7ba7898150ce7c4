package transcription

import (
	"encoding/json"
	"time"
)

// Per-request stages. The backend may add sub-stages of StageModelInference.
const (
	StageValidation     = "validation"
	StagePreprocessing  = "audio_preprocessing"
	StageModelInference = "model_inference"
	StageCleanup        = "cleanup"
	StageOverhead       = "overhead"
	StageTotal          = "total"
	StageModelLoad      = "model_load"
)

// Measurement anomalies. They indicate a timing bug rather than a request failure.
const (
	AnomalyNegativeOverhead      = "negative_overhead"
	AnomalySubStageExceedsParent = "substage_exceeds_model_inference"
)

// measuredStages are summed up and subtracted from the total to get the overhead.
// Backend sub-stages are nested within StageModelInference and model_load is not per-request.
var measuredStages = []string{StageValidation, StagePreprocessing, StageModelInference, StageCleanup}

// StageMetrics holds the timings of one request.
type StageMetrics struct {
	Stages    map[string]time.Duration
	SubStages map[string]time.Duration
	ModelLoad time.Duration
	Anomalies []string
}

func newStageMetrics(modelLoad time.Duration) *StageMetrics {
	return &StageMetrics{
		Stages:    map[string]time.Duration{},
		SubStages: map[string]time.Duration{},
		ModelLoad: modelLoad,
	}
}

// Get returns the duration of a stage or sub-stage.
func (m *StageMetrics) Get(stage string) time.Duration {
	if d, ok := m.Stages[stage]; ok {
		return d
	}
	if stage == StageModelLoad {
		return m.ModelLoad
	}
	return m.SubStages[stage]
}

// mergeSubStages adds backend-reported timings.
// The backend's own model_inference value is superseded by the measured call.
func (m *StageMetrics) mergeSubStages(timings map[string]time.Duration) {
	inference := m.Stages[StageModelInference]

	for k, v := range timings {
		if k == StageModelInference {
			continue
		}

		m.SubStages[k] = v

		if v > inference {
			m.addAnomaly(AnomalySubStageExceedsParent)
		}
	}
}

// finish records the total and derives the overhead.
// A negative overhead is clamped to zero and reported as an anomaly.
func (m *StageMetrics) finish(total time.Duration) {
	m.Stages[StageTotal] = total

	overhead := total
	for _, s := range measuredStages {
		overhead -= m.Stages[s]
	}

	if overhead < 0 {
		m.addAnomaly(AnomalyNegativeOverhead)
		overhead = 0
	}

	m.Stages[StageOverhead] = overhead
}

func (m *StageMetrics) addAnomaly(a string) {
	for _, existing := range m.Anomalies {
		if existing == a {
			return
		}
	}

	m.Anomalies = append(m.Anomalies, a)
}

// Seconds returns all stages as seconds, including model_load.
func (m *StageMetrics) Seconds() map[string]float64 {
	s := make(map[string]float64, len(m.Stages)+len(m.SubStages)+1)

	for k, v := range m.SubStages {
		s[k] = v.Seconds()
	}

	for k, v := range m.Stages {
		s[k] = v.Seconds()
	}

	s[StageModelLoad] = m.ModelLoad.Seconds()

	return s
}

func (m *StageMetrics) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(m.Stages)+len(m.SubStages)+2)

	for k, v := range m.Seconds() {
		obj[k] = v
	}

	if len(m.Anomalies) > 0 {
		obj["anomalies"] = m.Anomalies
	}

	return json.Marshal(obj)
}

// milliseconds truncates so that the parts never add up to more than the total.
func milliseconds(d time.Duration) int64 {
	return d.Milliseconds()
}
