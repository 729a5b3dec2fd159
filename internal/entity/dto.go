package entity

import "time"

// MinCreationTokenLength is the minimum accepted length of the opaque
// client-supplied creation token.
const MinCreationTokenLength = 10

// CreateImageRequest is the body of POST /api/create. Exactly one of
// RetryOfID / MutateOfID may be set; both empty means a fresh creation.
type CreateImageRequest struct {
	ServerID      uint    `json:"server_id"`
	Method        string  `json:"method"`
	Args          JSONMap `json:"args"`
	CreationToken string  `json:"creation_token"`
	RetryOfID     uint    `json:"retry_of_id,omitempty"`
	MutateOfID    uint    `json:"mutate_of_id,omitempty"`
}

// CreateImageResponse is returned once the job has been dispatched.
type CreateImageResponse struct {
	ID               uint         `json:"id"`
	Status           string       `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	Meta             CreationMeta `json:"meta"`
	CreditsRemaining float64      `json:"credits_remaining"`
}
