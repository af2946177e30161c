package wallet

import "github.com/zkdefi/shield-client/internal/poolcall"

// ExecuteRequest is the request body for POST /v1/execute.
type ExecuteRequest struct {
	Calls []poolcall.Call `json:"calls"`
}

// ExecuteResponse is the response body for POST /v1/execute.
type ExecuteResponse struct {
	TransactionHash string `json:"transaction_hash"`
}

type ReceiptStatus string

const (
	StatusPending  ReceiptStatus = "pending"
	StatusAccepted ReceiptStatus = "accepted"
	StatusRejected ReceiptStatus = "rejected"
	StatusReverted ReceiptStatus = "reverted"
)

// Receipt is the response body for GET /v1/receipt/{hash}.
type Receipt struct {
	Status      ReceiptStatus `json:"status"`
	BlockNumber uint64        `json:"block_number,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

func (r Receipt) Final() bool {
	return r.Status == StatusAccepted || r.Status == StatusRejected || r.Status == StatusReverted
}
