package admission

import "time"

// emaAlpha weights new observations in the moving averages.
const emaAlpha = 0.2

// tracker accumulates queue statistics. Callers hold the queue lock.
type tracker struct {
	total     int64
	completed int64
	failed    int64
	peakDepth int

	avgWaitMs       float64
	avgProcessingMs float64
}

func (t *tracker) observeDepth(depth int) {
	if depth > t.peakDepth {
		t.peakDepth = depth
	}
}

func (t *tracker) recordWait(d time.Duration) {
	t.avgWaitMs = ema(t.avgWaitMs, float64(d.Milliseconds()))
}

func (t *tracker) recordProcessing(d time.Duration, succeeded bool) {
	t.avgProcessingMs = ema(t.avgProcessingMs, float64(d.Milliseconds()))
	if succeeded {
		t.completed++
	} else {
		t.failed++
	}
}

func ema(current, sample float64) float64 {
	if current == 0 {
		return sample
	}
	return current*(1-emaAlpha) + sample*emaAlpha
}

// Status is an immutable snapshot of queue load.
type Status struct {
	Waiting         int           `json:"waiting"`
	InFlight        int           `json:"inFlight"`
	Paused          bool          `json:"paused"`
	EstimatedWait   time.Duration `json:"estimatedWait"`
	Total           int64         `json:"total"`
	Completed       int64         `json:"completed"`
	Failed          int64         `json:"failed"`
	PeakDepth       int           `json:"peakDepth"`
	AvgWaitMs       float64       `json:"avgWaitMs"`
	AvgProcessingMs float64       `json:"avgProcessingMs"`
}

// TaskDetail describes one waiting or executing task for inspection.
type TaskDetail struct {
	ID         string        `json:"id"`
	Originator string        `json:"originator,omitempty"`
	Priority   int           `json:"priority"`
	Age        time.Duration `json:"age"`
	Retries    int           `json:"retries"`
	State      string        `json:"state"` // waiting | backoff | executing
}
