// Package models contains the response types shared by every service.
package models

// HealthResponse is returned by /healthz and /readyz endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
}
