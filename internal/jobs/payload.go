package jobs

import (
	"atelier/internal/entity"
	"fmt"
)

// CreationJob is the payload handed from the initiator to the runner. It
// travels either in-process or through the external queue, so it must stay
// JSON-stable.
type CreationJob struct {
	CreatedImageID uint           `json:"created_image_id"`
	UserID         uint           `json:"user_id"`
	ServerID       uint           `json:"server_id"`
	Method         string         `json:"method"`
	Args           entity.JSONMap `json:"args,omitempty"`
	CreditCost     float64        `json:"credit_cost"`
}

// Validate rejects malformed payloads. This is the only condition under
// which the runner errors instead of finalising the row; the webhook
// boundary turns it into a 500.
func (j *CreationJob) Validate() error {
	if j == nil {
		return fmt.Errorf("job payload is nil")
	}
	if j.CreatedImageID == 0 {
		return fmt.Errorf("job payload missing created_image_id")
	}
	if j.UserID == 0 {
		return fmt.Errorf("job payload missing user_id")
	}
	if j.ServerID == 0 {
		return fmt.Errorf("job payload missing server_id")
	}
	if j.Method == "" {
		return fmt.Errorf("job payload missing method")
	}
	if j.CreditCost < 0 {
		return fmt.Errorf("job payload has negative credit_cost")
	}
	return nil
}

// RunResult reports the outcome of a single runner execution.
type RunResult struct {
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
