package watch

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// CaptureError reports that no usable snapshot could be produced.
type CaptureError struct {
	URL string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.URL, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// ClassificationError reports a classifier failure or unparsable output.
type ClassificationError struct {
	ImagePath string
	Output    string
	Err       error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: %v", e.ImagePath, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// PersistenceError reports a failed store write for a target.
type PersistenceError struct {
	Op       string
	TargetID int64
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for target %d: %v", e.Op, e.TargetID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DeliveryError reports a failed send to one subscriber.
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ErrNotProductPage is the failure cause recorded when the classifier does
// not recognize the snapshot as a product page.
var ErrNotProductPage = errors.New("classifier did not recognize a product page")
