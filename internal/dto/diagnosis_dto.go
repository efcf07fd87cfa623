package dto

// DiagnosisRequest carries one symptom-checker chat turn.
type DiagnosisRequest struct {
	Symptoms string            `json:"symptoms" validate:"required,min=3,max=4000"`
	History  []DiagnosisTurn   `json:"history" validate:"omitempty,max=20,dive"`
	Profile  map[string]string `json:"profile,omitempty"`
}

// DiagnosisTurn is one prior exchange in the symptom-checker conversation.
type DiagnosisTurn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required,max=4000"`
}

// DiagnosisResponse is the model's reply.
type DiagnosisResponse struct {
	Reply      string `json:"reply"`
	Disclaimer string `json:"disclaimer"`
}
