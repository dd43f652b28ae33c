package backends

import (
	"context"
	"fmt"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

// BackendError is an error raised by a site backend. Terminal errors fail
// the operation permanently (orders end up erred); non-terminal errors are
// retried within the cycle's retry budget.
type BackendError struct {
	Op       string
	Terminal bool
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s failed: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewTerminalError wraps a backend refusal that retrying cannot fix.
func NewTerminalError(op string, err error) *BackendError {
	return &BackendError{Op: op, Terminal: true, Err: err}
}

// NewTransientError wraps a backend failure worth retrying.
func NewTransientError(op string, err error) *BackendError {
	return &BackendError{Op: op, Err: err}
}

// CreateResult is the outcome of a resource creation. Exactly one of
// BackendID and PendingOrderID is set: a synchronous backend returns the
// provisioned account's id, an asynchronous one returns a pending order
// id resolved later via CheckPendingOrder.
type CreateResult struct {
	BackendID      string
	PendingOrderID string
}

// UserContext carries the offering users and team known at order time so
// backends can seed account membership during creation.
type UserContext struct {
	Team          []types.ProjectUser
	OfferingUsers []types.OfferingUser
}

// Backend is the uniform capability surface of a site backend (SLURM, S3,
// another marketplace, ...). One instance exists per offering.
//
// Optional capabilities are declared with Supports* flags; the
// corresponding methods are still present and must behave as no-ops when
// the capability is off. BaseBackend provides those defaults.
type Backend interface {
	// Ping reports reachability; Diagnostics dumps deep health details
	// through the backend's own logging.
	Ping(ctx context.Context) error
	Diagnostics(ctx context.Context) (bool, error)

	// ListComponents returns backend-reported component types, used to
	// extend the configured component set.
	ListComponents(ctx context.Context) ([]string, error)

	// CreateResource provisions the account for a marketplace resource.
	CreateResource(ctx context.Context, resource *types.Resource, users UserContext) (CreateResult, error)

	// SupportsAsyncOrders selects the pending-order create path.
	SupportsAsyncOrders() bool

	// CheckPendingOrder resolves an asynchronous creation. It returns the
	// final backend id once the downstream order completes, an empty id
	// while still in progress, and a terminal BackendError on rejection.
	CheckPendingOrder(ctx context.Context, pendingOrderID string) (string, error)

	UpdateLimits(ctx context.Context, backendID string, limits map[string]int64) error
	DeleteResource(ctx context.Context, backendID string) error
	PauseResource(ctx context.Context, backendID string) error
	DownscaleResource(ctx context.Context, backendID string) error
	RestoreResource(ctx context.Context, backendID string) error

	// GetUsageReport returns current-month usage for the accounts.
	GetUsageReport(ctx context.Context, backendIDs []string) ([]types.UsageRecord, error)

	// GetUsageReportForPeriod returns usage for a past month; backends
	// without historical accounting return an empty slice.
	GetUsageReportForPeriod(ctx context.Context, backendIDs []string, year, month int) ([]types.UsageRecord, error)

	// PullResource returns the backend's current view of one account:
	// limits, total usage and per-user usage.
	PullResource(ctx context.Context, backendID string) (*types.ResourceReport, error)

	GetResourceMetadata(ctx context.Context, backendID string) (map[string]string, error)
	GetResourceLimits(ctx context.Context, backendID string) (map[string]int64, error)

	ListResourceUsers(ctx context.Context, backendID string) ([]string, error)
	AddUsersToResource(ctx context.Context, backendID string, usernames []string) error
	RemoveUsersFromResource(ctx context.Context, backendID string, usernames []string) error

	// SupportsDecreasingUsage gates the monotonic-usage guard in the
	// report processor.
	SupportsDecreasingUsage() bool

	// SupportsUserAttributes gates UpdateUserAttributes dispatch.
	SupportsUserAttributes() bool
	UpdateUserAttributes(ctx context.Context, username string, attributes map[string]any) error

	// SupportsUsernameSync gates SyncOfferingUserUsernames, used by
	// federated and username-bridging backends.
	SupportsUsernameSync() bool
	SyncOfferingUserUsernames(ctx context.Context, offeringUUID string, client MarketplaceClient) error
}

// MarketplaceClient is the subset of the waldur client that backends may
// call during username synchronization. Kept narrow so backends never
// grow a back-pointer into processor state.
type MarketplaceClient interface {
	ListOfferingUsers(ctx context.Context, offeringUUID string) ([]types.OfferingUser, error)
	SetOfferingUserUsername(ctx context.Context, offeringUserUUID, username string) error
}

// BaseBackend supplies defaults for the optional capability surface so
// concrete backends only implement what they support.
type BaseBackend struct{}

func (BaseBackend) SupportsAsyncOrders() bool { return false }

func (BaseBackend) CheckPendingOrder(ctx context.Context, pendingOrderID string) (string, error) {
	return "", NewTerminalError("check_pending_order", fmt.Errorf("backend does not support asynchronous orders"))
}

func (BaseBackend) PauseResource(ctx context.Context, backendID string) error     { return nil }
func (BaseBackend) DownscaleResource(ctx context.Context, backendID string) error { return nil }
func (BaseBackend) RestoreResource(ctx context.Context, backendID string) error   { return nil }

func (BaseBackend) GetUsageReportForPeriod(ctx context.Context, backendIDs []string, year, month int) ([]types.UsageRecord, error) {
	return nil, nil
}

func (BaseBackend) GetResourceMetadata(ctx context.Context, backendID string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (BaseBackend) SupportsDecreasingUsage() bool { return false }

func (BaseBackend) SupportsUserAttributes() bool { return false }
func (BaseBackend) UpdateUserAttributes(ctx context.Context, username string, attributes map[string]any) error {
	return nil
}

func (BaseBackend) SupportsUsernameSync() bool { return false }
func (BaseBackend) SyncOfferingUserUsernames(ctx context.Context, offeringUUID string, client MarketplaceClient) error {
	return nil
}
