package handlers

type PredictionResponse struct {
	Disease     string  `json:"disease"`
	Probability float32 `json:"probability"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
