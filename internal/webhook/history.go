package webhook

import "sync"

// Counts summarizes a History.
type Counts struct {
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
	TotalCompleted int `json:"totalCompleted"`
	TotalFailed    int `json:"totalFailed"`
}

// History keeps the most recent finished jobs for inspection. Both sets are
// capped; older entries are dropped first.
type History struct {
	mu             sync.Mutex
	completed      []Job
	failed         []Job
	keepCompleted  int
	keepFailed     int
	totalCompleted int
	totalFailed    int
}

// NewHistory returns a History keeping at most keepCompleted completed and
// keepFailed failed jobs.
func NewHistory(keepCompleted, keepFailed int) *History {
	return &History{keepCompleted: keepCompleted, keepFailed: keepFailed}
}

// Complete records a completed job.
func (h *History) Complete(j Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = push(h.completed, j, h.keepCompleted)
	h.totalCompleted++
}

// Fail records a job that exhausted its attempts.
func (h *History) Fail(j Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = push(h.failed, j, h.keepFailed)
	h.totalFailed++
}

// Completed returns completed jobs, most recent first.
func (h *History) Completed() []Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Job(nil), h.completed...)
}

// Failed returns failed jobs, most recent first.
func (h *History) Failed() []Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Job(nil), h.failed...)
}

func (h *History) Counts() Counts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Counts{
		Completed:      len(h.completed),
		Failed:         len(h.failed),
		TotalCompleted: h.totalCompleted,
		TotalFailed:    h.totalFailed,
	}
}

func push(jobs []Job, j Job, limit int) []Job {
	if limit <= 0 {
		return jobs
	}
	jobs = append([]Job{j}, jobs...)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}
