package processors

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/waldur/waldur-site-agent/pkg/backends"
	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/types"
	"github.com/waldur/waldur-site-agent/pkg/waldur"
)

// Marketplace is the slice of the waldur client the processors consume.
// *waldur.Client satisfies it; tests substitute an in-memory fake.
type Marketplace interface {
	ListOrdersForProcessing(ctx context.Context, offeringUUID string, states ...types.OrderState) ([]types.Order, error)
	GetOrder(ctx context.Context, orderUUID string) (*types.Order, error)
	ApproveOrderByProvider(ctx context.Context, orderUUID string) error
	MarkOrderDone(ctx context.Context, orderUUID string) error
	MarkOrderErred(ctx context.Context, orderUUID, message, traceback string) error
	SetOrderBackendID(ctx context.Context, orderUUID, backendID string) error

	ListActiveResources(ctx context.Context, offeringUUID string) ([]types.Resource, error)
	GetResource(ctx context.Context, resourceUUID string) (*types.Resource, error)
	SetResourceBackendID(ctx context.Context, resourceUUID, backendID string) error
	SetResourceLimits(ctx context.Context, resourceUUID string, limits map[string]int64) error
	SetResourceErred(ctx context.Context, resourceUUID, message string) error
	GetResourceTeam(ctx context.Context, resourceUUID string) ([]types.ProjectUser, error)

	ListOfferingUsers(ctx context.Context, offeringUUID string) ([]types.OfferingUser, error)
	SetOfferingUserUsername(ctx context.Context, offeringUserUUID, username string) error
	BeginOfferingUserCreating(ctx context.Context, offeringUserUUID string) error
	SetOfferingUserOK(ctx context.Context, offeringUserUUID string) error
	SetOfferingUserPendingLinking(ctx context.Context, offeringUserUUID, comment, url string) error
	SetOfferingUserPendingValidation(ctx context.Context, offeringUserUUID, comment, url string) error

	ListServiceAccounts(ctx context.Context, projectUUID string) ([]types.ServiceAccount, error)
	ListCourseAccounts(ctx context.Context, projectUUID string) ([]types.CourseAccount, error)

	SetResourceUsage(ctx context.Context, resourceUUID string, date time.Time, usages []types.ComponentUsage) error
	SetUserUsage(ctx context.Context, componentUsageUUID, username string, amount int64) error
	ListComponentUsages(ctx context.Context, resourceUUID string, year, month int) ([]waldur.ComponentUsageRecord, error)
}

const (
	defaultOrderRetries     = 3
	defaultReportingPeriods = 2
	usageMemoTTL            = 10 * time.Minute
)

// Processor runs one processing cycle for one offering. A processor is
// disposable: construct one per cycle so its caches start empty, run the
// cycle, discard it.
type Processor struct {
	offering  *types.Offering
	client    Marketplace
	backend   backends.Backend
	usernames backends.UsernameManager
	cache     *Cache
	logger    zerolog.Logger

	orderRetries     uint
	reportingPeriods int
	now              func() time.Time

	// usageMemo caches marketplace-recorded usage values consulted by the
	// monotonic guard, keyed by (resource, period).
	usageMemo *gocache.Cache
}

// Option customizes a Processor.
type Option func(*Processor)

// WithReportingPeriods sets how many months the report cycle covers.
func WithReportingPeriods(k int) Option {
	return func(p *Processor) { p.reportingPeriods = k }
}

// WithClock overrides the time source used for period anchoring and
// usage dates.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithOrderRetries sets the per-order transient retry budget.
func WithOrderRetries(n uint) Option {
	return func(p *Processor) { p.orderRetries = n }
}

// New constructs a fresh processor for one cycle. All caches start empty.
func New(offering *types.Offering, client Marketplace, backend backends.Backend, usernames backends.UsernameManager, opts ...Option) *Processor {
	p := &Processor{
		offering:  offering,
		client:    client,
		backend:   backend,
		usernames: usernames,
		logger:    log.WithOffering(offering.Name, offering.UUID),

		orderRetries:     defaultOrderRetries,
		reportingPeriods: defaultReportingPeriods,
		now:              time.Now,
		usageMemo:        gocache.New(usageMemoTTL, usageMemoTTL),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cache = newCache(client, offering.UUID)
	return p
}

// Cache exposes the per-cycle cache, mainly for backends that mutate
// offering users mid-cycle and need to invalidate.
func (p *Processor) Cache() *Cache {
	return p.cache
}
