package domain

import "time"

// Status enumerates the standardization lifecycle of a classified product.
// It is the single source of truth for eligibility: only pending products
// may be claimed, only processing products may be committed or reclaimed.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusStandardized Status = "standardized"
	StatusFailed       Status = "failed"
)

// Attribute is a raw free-text name/value pair as supplied by the source.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SourceProduct is the immutable raw document owned by the source store.
type SourceProduct struct {
	ID         string
	Title      string
	Attributes []Attribute
}

// ClassifiedProduct carries the classification and standardization state
// owned by the classified store. The claim fields (Status, ClaimedBy,
// ClaimedAt, Attempts) are only ever updated together in one atomic write.
type ClassifiedProduct struct {
	ID        string
	SourceID  string
	Title     string
	GroupCode string
	Status    Status
	Attempts  int
	ClaimedBy string
	ClaimedAt time.Time
	LastError string
	CreatedAt time.Time
}

// StandardizedAttribute is one attribute after standardization, keeping the
// source pair it was derived from for auditability.
type StandardizedAttribute struct {
	StandardName  string  `json:"standard_name"`
	StandardValue string  `json:"standard_value"`
	Unit          string  `json:"unit,omitempty"`
	SourceName    string  `json:"source_name"`
	SourceValue   string  `json:"source_value"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// StandardizedProduct is the document written to the standardized store.
// RefID is the classified product id; upserts by RefID are idempotent.
type StandardizedProduct struct {
	RefID          string
	SourceID       string
	GroupCode      string
	Attributes     []StandardizedAttribute
	Unstandardized []Attribute
	WorkerID       string
	BatchID        string
	CompletedAt    time.Time
}

// ProductInput is the per-product payload handed to the engine: the
// classified identity plus the raw attributes fetched from the source.
type ProductInput struct {
	ID         string
	GroupCode  string
	Title      string
	Attributes []Attribute
}

// Outcome is the per-product result of one engine pass. Exactly one of
// Attributes or Err is meaningful; order matches the engine input order.
type Outcome struct {
	ID             string
	Attributes     []StandardizedAttribute
	Unstandardized []Attribute
	Err            error
}

// ClaimResult partitions a claim attempt: ids this worker won and ids some
// other worker claimed first. Losing a claim is expected contention, not an
// error.
type ClaimResult struct {
	Claimed      []string
	AlreadyTaken []string
}

// GroupBacklog summarizes the pending backlog of one taxonomy group, used
// by the selector to decide which group to drain next.
type GroupBacklog struct {
	GroupCode string
	Count     int
	Oldest    time.Time
}

// ModelUsage reports token accounting from one model invocation, including
// prompt-cache activity.
type ModelUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}
