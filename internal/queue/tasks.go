package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
)

const TypeGenerate = "generation:process"

// GenerationPayload carries only the job id. Everything else is read from the
// job store when the task runs.
type GenerationPayload struct {
	JobID string `json:"job_id"`
}

func NewGenerationTask(jobID string) (*asynq.Task, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job id is required")
	}
	body, err := json.Marshal(GenerationPayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("marshal generation payload: %w", err)
	}
	return asynq.NewTask(TypeGenerate, body), nil
}

func ParseGenerationPayload(task *asynq.Task) (GenerationPayload, error) {
	var payload GenerationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return GenerationPayload{}, fmt.Errorf("unmarshal generation payload: %w", err)
	}
	if strings.TrimSpace(payload.JobID) == "" {
		return GenerationPayload{}, fmt.Errorf("generation payload is missing job_id")
	}
	return payload, nil
}
