package dto

import (
	"encoding/json"
	"time"

	"github.com/carebridge-health/carebridge-go-api/internal/models"
)

// CallCreateRequest asks for a call to another participant.
type CallCreateRequest struct {
	ToID string `json:"to_id" validate:"required,max=64"`
}

// CallAbortRequest reports a client-side failure that must tear the call down.
type CallAbortRequest struct {
	Reason string `json:"reason" validate:"required,oneof=media_failed cancelled"`
}

// CallResponse is the serialized call record returned to clients.
type CallResponse struct {
	ID         uint              `json:"id"`
	PairKey    string            `json:"pair_key"`
	FromID     string            `json:"from_id"`
	ToID       string            `json:"to_id"`
	Status     string            `json:"status"`
	Offer      json.RawMessage   `json:"offer,omitempty"`
	Answer     json.RawMessage   `json:"answer,omitempty"`
	Candidates []json.RawMessage `json:"candidates,omitempty"`
	EndReason  string            `json:"end_reason,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewCallResponse converts a call model into a DTO.
func NewCallResponse(call models.CallRequest) CallResponse {
	response := CallResponse{
		ID:        call.ID,
		PairKey:   call.PairKey,
		FromID:    call.FromID,
		ToID:      call.ToID,
		Status:    call.Status,
		EndReason: call.EndReason,
		ExpiresAt: call.ExpiresAt,
		EndedAt:   call.EndedAt,
		CreatedAt: call.CreatedAt,
	}
	if len(call.Offer) > 0 {
		response.Offer = json.RawMessage(call.Offer)
	}
	if len(call.Answer) > 0 {
		response.Answer = json.RawMessage(call.Answer)
	}
	if len(call.Candidates) > 0 {
		var candidates []json.RawMessage
		if err := json.Unmarshal(call.Candidates, &candidates); err == nil {
			response.Candidates = candidates
		}
	}
	return response
}

// SignalEnvelope is one frame on the signaling websocket.
type SignalEnvelope struct {
	Type    string          `json:"type" validate:"required,oneof=offer answer candidate end"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from,omitempty"`
}

const (
	// SignalTypeOffer carries the offering side's session description.
	SignalTypeOffer = "offer"
	// SignalTypeAnswer carries the answering side's session description.
	SignalTypeAnswer = "answer"
	// SignalTypeCandidate carries one network-reachability candidate.
	SignalTypeCandidate = "candidate"
	// SignalTypeEnd tells the peer to tear down local media.
	SignalTypeEnd = "end"
)
