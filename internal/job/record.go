package job

import (
	"fmt"

	"github.com/google/uuid"
)

// Record is the persisted form of a Job. Field names are part of the on-disk
// contract shared by every storage driver.
type Record struct {
	ID            string `json:"id" yaml:"id"`
	ExecutionTime int64  `json:"execution_time" yaml:"execution_time"`
	Priority      uint8  `json:"priority" yaml:"priority"`
	Description   string `json:"description" yaml:"description"`
	Function      string `json:"function" yaml:"function"`
	Status        Status `json:"status" yaml:"status"`
	RetryCount    uint8  `json:"retry_count" yaml:"retry_count"`
	MaxRetries    uint8  `json:"max_retries" yaml:"max_retries"`
}

// Record returns the persisted form of j.
func (j Job) Record() Record {
	return Record{
		ID:            j.ID.String(),
		ExecutionTime: j.ExecutionTime,
		Priority:      j.Priority,
		Description:   j.Description,
		Function:      j.Function,
		Status:        j.Status,
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
	}
}

// Records converts a snapshot into records, keeping its order.
func Records(jobs []Job) []Record {
	out := make([]Record, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Record())
	}
	return out
}

// FromRecord rebuilds a job read back from storage. It applies the same checks
// as New and keeps the persisted ID and counters.
func FromRecord(r Record) (*Job, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, invalid("id", fmt.Sprintf("not a uuid: %v", err))
	}
	if err := validate(r.ExecutionTime, r.Description, r.Function, r.MaxRetries); err != nil {
		return nil, err
	}
	if r.RetryCount > r.MaxRetries {
		return nil, invalid("retry_count", "exceeds max_retries")
	}
	return &Job{
		ID:            id,
		ExecutionTime: r.ExecutionTime,
		Priority:      r.Priority,
		Description:   r.Description,
		Function:      r.Function,
		Status:        r.Status,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
	}, nil
}
