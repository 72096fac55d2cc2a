// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrCampaignRunning      = errors.New("campaign is already running")
	ErrNotRunning           = errors.New("campaign is not running")
	ErrInvalidReceiptStatus = errors.New("invalid delivery receipt status")
	ErrDispatcherClosed     = errors.New("dispatcher is shutting down")
)

// NotFoundError is returned when a campaign, segment or communication log is missing.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

func NewCampaignNotFound(id string) error {
	return &NotFoundError{Resource: "campaign", ID: id}
}

func NewSegmentNotFound(id string) error {
	return &NotFoundError{Resource: "segment", ID: id}
}

func NewCustomerNotFound(id string) error {
	return &NotFoundError{Resource: "customer", ID: id}
}

func NewLogNotFound(id string) error {
	return &NotFoundError{Resource: "communication log", ID: id}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// CampaignRunError is fatal to a run. The campaign has been marked failed.
type CampaignRunError struct {
	CampaignID string
	Stage      string
	Err        error
}

func (e *CampaignRunError) Error() string {
	return fmt.Sprintf("campaign %s failed during %s: %v", e.CampaignID, e.Stage, e.Err)
}

func (e *CampaignRunError) Unwrap() error { return e.Err }

// DeliveryError is a single-recipient vendor failure.
type DeliveryError struct {
	CustomerID string
	Reason     string
	Timeout    bool
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery to customer %s failed: %s: %v", e.CustomerID, e.Reason, e.Err)
	}
	return fmt.Sprintf("delivery to customer %s failed: %s", e.CustomerID, e.Reason)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func NewDeliveryError(customerID, reason string) error {
	return &DeliveryError{CustomerID: customerID, Reason: reason}
}

// ConsistencyFault marks an outcome for a recipient with no matching PENDING log.
type ConsistencyFault struct {
	CampaignID string
	CustomerID string
	Detail     string
}

func (e *ConsistencyFault) Error() string {
	return fmt.Sprintf("consistency fault for campaign %s customer %s: %s", e.CampaignID, e.CustomerID, e.Detail)
}

// HTTPStatus maps an application error onto a response code.
func HTTPStatus(err error) int {
	var run *CampaignRunError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &run):
		return http.StatusInternalServerError
	case IsNotFound(err), errors.Is(err, ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, ErrCampaignRunning):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidReceiptStatus):
		return http.StatusBadRequest
	case errors.Is(err, ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
