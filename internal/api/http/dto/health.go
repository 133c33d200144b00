package dto

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}
