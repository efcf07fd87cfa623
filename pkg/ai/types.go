package ai

import "context"

// ConsultInput carries one symptom-checker exchange.
type ConsultInput struct {
	Symptoms string
	History  []Turn
	Profile  string
}

// Turn is one prior message in the consultation thread.
type Turn struct {
	Role    string
	Content string
}

// ConsultResult is the assistant's reply.
type ConsultResult struct {
	Reply string
	Model string
}

// Assistant describes an AI model capable of preliminary symptom guidance.
// It never diagnoses; replies steer the patient toward a clinician.
type Assistant interface {
	Consult(ctx context.Context, input ConsultInput) (ConsultResult, error)
}
