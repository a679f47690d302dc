package internal

import (
	"encoding/json"
	"time"
)

// NormalizedUnit is nil iff Unit is nil.
type ParsedItem struct {
	OriginalText       string   `json:"original_text"`
	Name               string   `json:"name"`
	Quantity           *float64 `json:"quantity"`
	Unit               *string  `json:"unit"`
	NormalizedQuantity *float64 `json:"normalized_quantity"`
	NormalizedUnit     *string  `json:"normalized_unit"`
	Notes              *string  `json:"notes"`
}

type JobStage string

const (
	StageMatch    JobStage = "MATCH"
	StagePricing  JobStage = "PRICING"
	StageOptimize JobStage = "OPTIMIZE"
)

var Stages = []JobStage{StageMatch, StagePricing, StageOptimize}

type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobSuccess JobStatus = "SUCCESS"
	JobFailed  JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

type JobRecord struct {
	ID              string    `json:"id"`
	PlanID          string    `json:"plan_id"`
	Stage           JobStage  `json:"stage"`
	Status          JobStatus `json:"status"`
	ProgressCurrent *int      `json:"progress_current"`
	ProgressTotal   *int      `json:"progress_total"`
	TaskID          *string   `json:"task_id"`
	Message         *string   `json:"message"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// JobTransition describes one status change of a JobRecord. The store applies it
// only when the record is currently in From.
type JobTransition struct {
	From            JobStatus
	To              JobStatus
	TaskID          *string
	Message         *string
	ProgressCurrent *int
	ProgressTotal   *int
}

type PlanStatus string

const (
	PlanQueued    PlanStatus = "queued"
	PlanRunning   PlanStatus = "running"
	PlanSucceeded PlanStatus = "succeeded"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Preferences struct {
	CostPriority float64 `json:"cost_priority"`
	MaxStores    *int    `json:"max_stores,omitempty"`
	AllowBulk    bool    `json:"allow_bulk"`
}

func DefaultPreferences() Preferences {
	return Preferences{CostPriority: 0.5}
}

func (p *Preferences) UnmarshalJSON(b []byte) error {
	type alias Preferences
	out := alias(DefaultPreferences())
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*p = Preferences(out)
	return nil
}

type RoutePlan struct {
	ID          string              `json:"id"`
	ClientToken string              `json:"client_token"`
	Status      PlanStatus          `json:"status"`
	ItemCount   int                 `json:"item_count"`
	StoreIDs    []string            `json:"store_ids"`
	Origin      *Coordinates        `json:"origin,omitempty"`
	Preferences Preferences         `json:"preferences"`
	Result      *OptimizationOutput `json:"result,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type PlanContext struct {
	PlanID      string       `json:"plan_id"`
	Origin      *Coordinates `json:"origin,omitempty"`
	Preferences Preferences  `json:"preferences"`
}

type MatchingInput struct {
	Plan     PlanContext  `json:"plan"`
	Items    []ParsedItem `json:"items"`
	StoreIDs []string     `json:"store_ids"`
}

type ProductCandidate struct {
	StoreID         string   `json:"store_id"`
	ProductID       string   `json:"product_id"`
	ProductName     string   `json:"product_name"`
	Score           float64  `json:"score"`
	PackageQuantity *float64 `json:"package_quantity,omitempty"`
	PackageUnit     *string  `json:"package_unit,omitempty"`
}

type MatchedItem struct {
	Item       ParsedItem         `json:"item"`
	Candidates []ProductCandidate `json:"candidates"`
	Notes      *string            `json:"notes,omitempty"`
}

type MatchingOutput struct {
	Plan         PlanContext   `json:"plan"`
	MatchedItems []MatchedItem `json:"matched_items"`
}

type PriceOffer struct {
	StoreID       string   `json:"store_id"`
	ProductID     string   `json:"product_id"`
	ProductName   string   `json:"product_name"`
	Score         float64  `json:"score"`
	Price         float64  `json:"price"`
	Currency      string   `json:"currency"`
	UnitPrice     *float64 `json:"unit_price,omitempty"`
	UnitPriceUnit *string  `json:"unit_price_unit,omitempty"`
	Packages      float64  `json:"packages"`
	LineCost      float64  `json:"line_cost"`
}

type PricedItem struct {
	Item   ParsedItem   `json:"item"`
	Offers []PriceOffer `json:"offers"`
}

type PricingOutput struct {
	Plan        PlanContext  `json:"plan"`
	PricedItems []PricedItem `json:"priced_items"`
}

type PurchasedItem struct {
	ListItem    ParsedItem `json:"list_item"`
	ProductID   *string    `json:"product_id"`
	ProductName *string    `json:"product_name"`
	Price       *float64   `json:"price"`
	Currency    string     `json:"currency"`
	Quantity    *float64   `json:"quantity"`
	Unit        *string    `json:"unit"`
}

type StoreAssignment struct {
	StoreID                  string          `json:"store_id"`
	StoreName                string          `json:"store_name"`
	Sequence                 int             `json:"sequence"`
	DistanceKM               *float64        `json:"distance_km"`
	EstimatedDurationMinutes *float64        `json:"estimated_duration_minutes"`
	Subtotal                 float64         `json:"subtotal"`
	Items                    []PurchasedItem `json:"items"`
}

type OptimizationOutput struct {
	Stores          []StoreAssignment `json:"stores"`
	TotalCost       *float64          `json:"total_cost"`
	TotalDistanceKM *float64          `json:"total_distance_km"`
	Currency        string            `json:"currency"`
	Unassigned      []ParsedItem      `json:"unassigned,omitempty"`
}

type ListItemInput struct {
	Name     string   `json:"name"`
	Quantity *float64 `json:"quantity,omitempty"`
	Unit     *string  `json:"unit,omitempty"`
	Notes    *string  `json:"notes,omitempty"`
}

type PlanRequest struct {
	Items       []ListItemInput `json:"items"`
	StoreIDs    []string        `json:"store_ids"`
	Latitude    *float64        `json:"latitude,omitempty"`
	Longitude   *float64        `json:"longitude,omitempty"`
	Preferences *Preferences    `json:"preferences,omitempty"`
	ClientToken string          `json:"client_token,omitempty"`
}

type SubmitResult struct {
	TaskID    string  `json:"task_id"`
	StatusURL *string `json:"status_url"`
}

type StageDetail struct {
	Stage           JobStage  `json:"stage"`
	Status          JobStatus `json:"status"`
	ProgressCurrent *int      `json:"progress_current"`
	ProgressTotal   *int      `json:"progress_total"`
	TaskID          *string   `json:"task_id"`
	Message         *string   `json:"message"`
}

type TaskStatus struct {
	ID         string              `json:"id"`
	Status     string              `json:"status"`
	Ready      bool                `json:"ready"`
	Successful bool                `json:"successful"`
	Result     *OptimizationOutput `json:"result"`
	Stages     []StageDetail       `json:"stages,omitempty"`
}

type Store struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Address   *string  `json:"address,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type StoreProduct struct {
	ID                 string   `json:"id"`
	StoreID            string   `json:"store_id"`
	Name               string   `json:"name"`
	Brand              *string  `json:"brand,omitempty"`
	SizeText           *string  `json:"size_text,omitempty"`
	PackageQuantity    *float64 `json:"package_quantity,omitempty"`
	PackageUnit        *string  `json:"package_unit,omitempty"`
	NormalizedQuantity *float64 `json:"normalized_quantity,omitempty"`
	NormalizedUnit     *string  `json:"normalized_unit,omitempty"`
	RawJSON            string   `json:"-"`
}

type PriceEntry struct {
	StoreProductID string    `json:"store_product_id"`
	Price          float64   `json:"price"`
	Currency       string    `json:"currency"`
	Source         string    `json:"source"`
	FetchedAt      time.Time `json:"fetched_at"`
}

type FetchedMail struct {
	Provider   string
	MessageID  string
	Subject    string
	From       string
	ReceivedAt time.Time
	Raw        []byte
}

type InboxStatus string

const (
	InboxReceived  InboxStatus = "received"
	InboxIgnored   InboxStatus = "ignored"
	InboxSubmitted InboxStatus = "submitted"
	InboxExported  InboxStatus = "exported"
	InboxFailed    InboxStatus = "failed"
)

type InboxMessage struct {
	ID         int64       `json:"id"`
	Provider   string      `json:"provider"`
	MessageID  string      `json:"message_id"`
	Subject    string      `json:"subject"`
	Sender     string      `json:"sender"`
	ReceivedAt time.Time   `json:"received_at"`
	Hash       string      `json:"hash"`
	RawPath    string      `json:"raw_path"`
	Status     InboxStatus `json:"status"`
	PlanID     *string     `json:"plan_id,omitempty"`
	Reason     *string     `json:"reason,omitempty"`
}
