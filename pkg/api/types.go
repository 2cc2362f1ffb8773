package api

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// Amount carries integer base units and their decimal rendering under the
// asset's precision, e.g. {units: 1250, value: "12.50"} for 2 decimals.
type Amount struct {
	Units int64  `json:"units"`
	Value string `json:"value"`
}

type AssetInfo struct {
	Ticker         string   `json:"ticker"`
	Issuer         string   `json:"issuer"`
	Decimals       uint8    `json:"decimals"`
	Frozen         bool     `json:"frozen"`
	TotalSupply    Amount   `json:"totalSupply"`
	VenueFiltering bool     `json:"venueFiltering"`
	AllowedVenues  []uint64 `json:"allowedVenues"`
}

type VenueInfo struct {
	ID           uint64   `json:"id"`
	Owner        string   `json:"owner"`
	Details      string   `json:"details"`
	Type         string   `json:"type"`         // "other", "distribution", "sto", "exchange"
	AllowedKinds []string `json:"allowedKinds"` // "immediate", "at_block", "manual"
	Signers      []string `json:"signers"`
	Active       bool     `json:"active"`
}

type PortfolioRef struct {
	Owner  string `json:"owner"`
	Number uint64 `json:"number"`
}

type BalanceInfo struct {
	Asset  string `json:"asset"`
	Free   Amount `json:"free"`
	Locked Amount `json:"locked"` // held by pending instructions
}

type PortfolioInfo struct {
	Owner              string        `json:"owner"`
	Number             uint64        `json:"number"`
	Name               string        `json:"name"`
	Custodian          string        `json:"custodian"`
	AutoAffirmReceipts bool          `json:"autoAffirmReceipts"`
	Balances           []BalanceInfo `json:"balances"` // sorted by asset
}

type LegInfo struct {
	From   PortfolioRef `json:"from"`
	To     PortfolioRef `json:"to"`
	Asset  string       `json:"asset"`
	Amount Amount       `json:"amount"`
	Locked bool         `json:"locked"`
}

type AffirmationInfo struct {
	Party string `json:"party"`
	State string `json:"state"` // "pending", "affirmed", "rejected"
	Auto  bool   `json:"auto"`
}

type InstructionInfo struct {
	ID            uint64            `json:"id"`
	Venue         uint64            `json:"venue"`
	Creator       string            `json:"creator"`
	Mode          string            `json:"mode"`
	Status        string            `json:"status"`
	Legs          []LegInfo         `json:"legs"`
	Affirmations  []AffirmationInfo `json:"affirmations"`
	Memo          string            `json:"memo,omitempty"`
	TradeDate     int64             `json:"tradeDate,omitempty"`
	ValueDate     int64             `json:"valueDate,omitempty"`
	CreatedAt     uint64            `json:"createdAt"`
	ClosedAt      uint64            `json:"closedAt,omitempty"`
	ScheduledAt   uint64            `json:"scheduledAt,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	Reschedules   int               `json:"reschedules,omitempty"`
}

// VolumeInfo is settled volume of one asset or venue since node start.
type VolumeInfo struct {
	Key    string `json:"key"`
	Legs   uint64 `json:"legs"`
	Amount Amount `json:"amount"`
}

type ChainStatus struct {
	Height      uint64 `json:"height"`
	AppHash     string `json:"appHash"`
	MempoolSize int    `json:"mempoolSize"`
	Scheduled   int    `json:"scheduled"` // instructions waiting on a block
	ChainID     uint64 `json:"chainId"`
}

type NonceInfo struct {
	Address string `json:"address"`
	Nonce   uint64 `json:"nonce"` // last accepted; the next call must exceed it
}

type SubmitTxResponse struct {
	Status string `json:"status"` // "submitted"
	Hash   string `json:"hash"`   // EIP-712 digest of the call
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients to manage channels:
//
//	instructions           every settlement event
//	instruction:<id>       events of one instruction
//	party:<address>        events naming the party
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

type WSEvent struct {
	Type        string `json:"type"` // settlement event type
	Channel     string `json:"channel"`
	Instruction uint64 `json:"instruction"`
	OldStatus   string `json:"oldStatus"`
	NewStatus   string `json:"newStatus"`
	Party       string `json:"party,omitempty"`
	Leg         int    `json:"leg"`
	Reason      string `json:"reason,omitempty"`
	Block       uint64 `json:"block"`
}
