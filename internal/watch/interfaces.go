package watch

import (
	"context"
	"time"
)

// Store persists targets, captures, results and subscriptions. Each method
// that mutates a target applies its changes atomically.
type Store interface {
	Selector
	Recorder
	NotificationStore
	Registrar

	// ExpireStale pauses active targets created before cutoff that have
	// been checked at least once. It returns how many were paused.
	ExpireStale(ctx context.Context, kind Kind, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// Selector picks the targets a tick should check.
type Selector interface {
	DueTargets(ctx context.Context, kind Kind, now time.Time, limit int) ([]Target, error)
}

// Success describes a cycle that ended in a persisted analysis.
type Success struct {
	Capture   CaptureRecord
	Result    AnalysisResult
	CheckedAt time.Time
}

// Failure describes a cycle that did not produce a usable analysis. Capture
// is set when a snapshot was stored before the cycle failed.
type Failure struct {
	Capture   *CaptureRecord
	CheckedAt time.Time
	Threshold int
}

// Recorder applies the outcome of one watch cycle.
type Recorder interface {
	// RecordSuccess stores the capture and result, resets the failure
	// count and stamps last_checked in one transaction.
	RecordSuccess(ctx context.Context, kind Kind, targetID int64, s Success) error
	// RecordFailure stores the optional capture, increments the failure
	// count, stamps last_checked and moves the target to StateError when
	// the count reaches the threshold, in one transaction. It returns the
	// updated target.
	RecordFailure(ctx context.Context, kind Kind, targetID int64, f Failure) (Target, error)
}

// NotificationStore backs the notification dispatcher.
type NotificationStore interface {
	PendingResults(ctx context.Context, kind Kind) ([]PendingResult, error)
	Subscribers(ctx context.Context, kind Kind, targetID int64) ([]Subscriber, error)
	// MarkNotified flips notification_sent and, when deactivate is true,
	// pauses the target in the same transaction.
	MarkNotified(ctx context.Context, kind Kind, resultID string, targetID int64, deactivate bool) error
}

// Registrar is the subscription surface used by the registration
// collaborator.
type Registrar interface {
	// UpsertUser creates the user or updates its display name.
	UpsertUser(ctx context.Context, email, displayName string) (User, error)
	// Subscribe creates or revives the target for url and links the user.
	// The target is re-armed: last_checked cleared, failures reset,
	// state active.
	Subscribe(ctx context.Context, kind Kind, userID int64, url string, intervalHours int) (Target, error)
	// Unsubscribe removes the link and pauses the target once no
	// subscriptions remain.
	Unsubscribe(ctx context.Context, kind Kind, userID int64, targetID int64) error
	GetTarget(ctx context.Context, kind Kind, targetID int64) (Target, error)
}

// Capture is a stored snapshot.
type Capture struct {
	// Path is relative to the image root.
	Path string
	// AbsPath is the location handed to the classifier.
	AbsPath string
	Size    int
	Hash    string
	Evasive bool
}

// Capturer renders a URL and stores an image of it.
type Capturer interface {
	Capture(ctx context.Context, url string) (Capture, error)
}

// Classifier turns a stored image into an Analysis.
type Classifier interface {
	Classify(ctx context.Context, imagePath string, kind Kind) (Analysis, error)
}

// Mailer delivers one alert.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for stored images.
type Hasher interface {
	Hash(data []byte) (string, error)
}
