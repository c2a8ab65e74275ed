package watch

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of a watched target.
type State string

// Target lifecycle states persisted in the store.
const (
	StateActive State = "active"
	StatePaused State = "paused"
	StateError  State = "error"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StatePaused, StateError:
		return true
	default:
		return false
	}
}

// DefaultFailureThreshold is the number of consecutive failed cycles that
// moves a target into StateError.
const DefaultFailureThreshold = 3

// DefaultBatchSize bounds how many due targets one tick processes.
const DefaultBatchSize = 10

// CheckIntervals lists the check intervals, in hours, a subscription may use.
var CheckIntervals = []int{1, 3, 6, 12, 24, 48, 72, 168}

// ValidateInterval returns an error unless hours is one of CheckIntervals.
func ValidateInterval(hours int) error {
	if !slices.Contains(CheckIntervals, hours) {
		return fmt.Errorf("check interval %dh not allowed (want one of %v)", hours, CheckIntervals)
	}
	return nil
}

// Target is one (url, kind) pair under monitoring.
type Target struct {
	ID             int64      `json:"id"`
	Kind           string     `json:"kind"`
	URL            string     `json:"url"`
	CheckInterval  int        `json:"check_interval_hours"`
	LastChecked    *time.Time `json:"last_checked,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	State          State      `json:"state"`
	FailedAttempts int        `json:"failed_attempts"`
	Active         bool       `json:"active"`
}

// Due reports whether the target should be checked at now.
func (t Target) Due(now time.Time) bool {
	if !t.Active {
		return false
	}
	if t.LastChecked == nil {
		return true
	}
	return now.Sub(*t.LastChecked) >= time.Duration(t.CheckInterval)*time.Hour
}

// CaptureRecord is persisted for every stored snapshot.
type CaptureRecord struct {
	ID          string    `json:"id"`
	TargetID    int64     `json:"target_id"`
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	Analyzed    bool      `json:"analyzed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Analysis holds the fields a classifier can report. Which kind-specific
// fields are meaningful is decided by the Kind that produced it.
type Analysis struct {
	IsEcommerce   bool    `json:"is_ecommerce"`
	IsProductPage bool    `json:"is_product_page"`
	IsOnSale      bool    `json:"is_on_sale"`
	IsAvailable   bool    `json:"is_available"`
	Confidence    float64 `json:"confidence"`
	ProductName   string  `json:"product_name"`

	Price              string  `json:"price,omitempty"`
	Currency           string  `json:"currency,omitempty"`
	DiscountPercentage float64 `json:"discount_percentage,omitempty"`
	DiscountDetails    string  `json:"discount_details,omitempty"`
	OtherInsights      string  `json:"other_insights,omitempty"`

	StockStatus         string `json:"stock_status,omitempty"`
	AvailabilityDetails string `json:"availability_details,omitempty"`
}

// AnalysisResult is one classified capture.
type AnalysisResult struct {
	ID               string    `json:"id"`
	CaptureID        string    `json:"capture_id"`
	TargetID         int64     `json:"target_id"`
	Analysis         Analysis  `json:"analysis"`
	NotificationSent bool      `json:"notification_sent"`
	CreatedAt        time.Time `json:"created_at"`
}

// PendingResult is a qualifying, not yet notified result joined with its target.
type PendingResult struct {
	Result AnalysisResult
	Target Target
}

// Subscriber is a user currently subscribed to a target.
type Subscriber struct {
	UserID      int64  `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// User is an account that owns subscriptions.
type User struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Message is one alert handed to a mail transport.
type Message struct {
	To      string `json:"to"`
	ToName  string `json:"to_name,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}
