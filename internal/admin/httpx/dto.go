package httpx

type SagaResponse struct {
	CorrelationID string  `json:"correlation_id"`
	BusinessID    string  `json:"business_id,omitempty"`
	State         string  `json:"state"`
	Data          *string `json:"data,omitempty"`
	Error         *string `json:"error,omitempty"`
	Version       int     `json:"version"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
