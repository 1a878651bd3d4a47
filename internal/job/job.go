package job

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// MaxRetriesLimit is the largest retry ceiling New accepts.
const MaxRetriesLimit = 10

// Status is the lifecycle state of a job.
type Status uint8

const (
	Pending Status = iota
	Running
	Completed
	Failed
)

var statusNames = [...]string{
	Pending:   "Pending",
	Running:   "Running",
	Completed: "Completed",
	Failed:    "Failed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool { return s == Completed || s == Failed }

func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus accepts the enum names case-insensitively.
func ParseStatus(raw string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(strings.TrimSpace(raw), n) {
			return Status(i), nil
		}
	}
	return Pending, fmt.Errorf("unknown status %q", raw)
}

// RetryOutcome is the result of FailAndRetry.
type RetryOutcome uint8

const (
	WillRetry RetryOutcome = iota + 1
	Exhausted
)

func (o RetryOutcome) String() string {
	switch o {
	case WillRetry:
		return "will_retry"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Job is one deferred unit of work.
//
// ID, ExecutionTime, Priority, Description, Function and MaxRetries are fixed at
// construction. To run a job at another time, remove it and push a new one.
type Job struct {
	ID            uuid.UUID
	ExecutionTime int64 // unix seconds
	Priority      uint8 // higher wins ties on ExecutionTime
	Description   string
	Function      string
	Status        Status
	RetryCount    uint8
	MaxRetries    uint8
}

// New builds a Pending job with a fresh ID. It is the only validation gate:
// nothing downstream checks these fields again.
func New(executionTime int64, priority uint8, description, function string, maxRetries uint8) (*Job, error) {
	if err := validate(executionTime, description, function, maxRetries); err != nil {
		return nil, err
	}
	return &Job{
		ID:            uuid.New(),
		ExecutionTime: executionTime,
		Priority:      priority,
		Description:   description,
		Function:      function,
		Status:        Pending,
		MaxRetries:    maxRetries,
	}, nil
}

func validate(executionTime int64, description, function string, maxRetries uint8) error {
	if executionTime <= 0 {
		return invalid("execution_time", "must be positive")
	}
	if maxRetries > MaxRetriesLimit {
		return invalid("max_retries", fmt.Sprintf("must be <= %d", MaxRetriesLimit))
	}
	if strings.TrimSpace(description) == "" {
		return invalid("description", "must not be empty")
	}
	if strings.TrimSpace(function) == "" {
		return invalid("function", "must not be empty")
	}
	return nil
}

func (j *Job) Start()    { j.Status = Running }
func (j *Job) Complete() { j.Status = Completed }

// FailAndRetry records a failed attempt.
//
// While RetryCount < MaxRetries the counter is bumped and the job goes back to
// Pending. Otherwise the job is Failed and stays that way; calling again does
// not change anything.
func (j *Job) FailAndRetry() RetryOutcome {
	if j.Status != Failed && j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = Pending
		return WillRetry
	}
	j.Status = Failed
	return Exhausted
}

// MarkFailed fails the job without consuming retries.
func (j *Job) MarkFailed() { j.Status = Failed }

func (j *Job) String() string {
	return fmt.Sprintf("%s(%s)", j.Function, j.ID)
}

// Less is the ordering relation: earliest ExecutionTime first, then the higher
// Priority. Jobs equal on both compare as unordered.
func Less(a, b *Job) bool {
	if a.ExecutionTime != b.ExecutionTime {
		return a.ExecutionTime < b.ExecutionTime
	}
	return a.Priority > b.Priority
}

// Sort orders jobs by Less.
func Sort(jobs []Job) {
	sort.SliceStable(jobs, func(i, k int) bool { return Less(&jobs[i], &jobs[k]) })
}
