package processors

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/waldur/waldur-site-agent/pkg/backends"
	"github.com/waldur/waldur-site-agent/pkg/log"
	"github.com/waldur/waldur-site-agent/pkg/types"
	"github.com/waldur/waldur-site-agent/pkg/waldur"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeMarketplace is an in-memory Marketplace that records the mutating
// calls in order.
type fakeMarketplace struct {
	orders    map[string]*types.Order
	resources map[string]*types.Resource
	users     []types.OfferingUser
	teams     map[string][]types.ProjectUser // by resource UUID
	svcAccts  map[string][]types.ServiceAccount
	crsAccts  map[string][]types.CourseAccount
	usages    map[string][]waldur.ComponentUsageRecord // by resource/period key

	calls          []string
	userListCalls  int
	failMarkDone   map[string]int // order UUID -> remaining failures
	userUsageCalls []string
}

func newFakeMarketplace() *fakeMarketplace {
	return &fakeMarketplace{
		orders:       map[string]*types.Order{},
		resources:    map[string]*types.Resource{},
		teams:        map[string][]types.ProjectUser{},
		svcAccts:     map[string][]types.ServiceAccount{},
		crsAccts:     map[string][]types.CourseAccount{},
		usages:       map[string][]waldur.ComponentUsageRecord{},
		failMarkDone: map[string]int{},
	}
}

func usageKey(resourceUUID string, year, month int) string {
	return fmt.Sprintf("%s/%04d-%02d", resourceUUID, year, month)
}

func (f *fakeMarketplace) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeMarketplace) ListOrdersForProcessing(ctx context.Context, offeringUUID string, states ...types.OrderState) ([]types.Order, error) {
	var out []types.Order
	for _, o := range f.orders {
		for _, s := range states {
			if o.State == s {
				out = append(out, *o)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeMarketplace) GetOrder(ctx context.Context, orderUUID string) (*types.Order, error) {
	o, ok := f.orders[orderUUID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderUUID)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeMarketplace) ApproveOrderByProvider(ctx context.Context, orderUUID string) error {
	f.record("approve " + orderUUID)
	f.orders[orderUUID].State = types.OrderStateExecuting
	return nil
}

func (f *fakeMarketplace) MarkOrderDone(ctx context.Context, orderUUID string) error {
	if f.failMarkDone[orderUUID] > 0 {
		f.failMarkDone[orderUUID]--
		return &waldur.TransientError{Status: 502}
	}
	f.record("done " + orderUUID)
	f.orders[orderUUID].State = types.OrderStateDone
	return nil
}

func (f *fakeMarketplace) MarkOrderErred(ctx context.Context, orderUUID, message, traceback string) error {
	f.record("erred " + orderUUID)
	o := f.orders[orderUUID]
	o.State = types.OrderStateErred
	o.ErrorMessage = message
	return nil
}

func (f *fakeMarketplace) SetOrderBackendID(ctx context.Context, orderUUID, backendID string) error {
	f.record("order-backend-id " + orderUUID)
	f.orders[orderUUID].BackendID = backendID
	return nil
}

func (f *fakeMarketplace) ListActiveResources(ctx context.Context, offeringUUID string) ([]types.Resource, error) {
	var out []types.Resource
	for _, r := range f.resources {
		if r.BackendID == "" {
			continue
		}
		if r.State == types.ResourceStateOK || r.State == types.ResourceStateErred {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeMarketplace) GetResource(ctx context.Context, resourceUUID string) (*types.Resource, error) {
	r, ok := f.resources[resourceUUID]
	if !ok {
		return nil, fmt.Errorf("resource %s not found", resourceUUID)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeMarketplace) SetResourceBackendID(ctx context.Context, resourceUUID, backendID string) error {
	f.record("resource-backend-id " + resourceUUID)
	f.resources[resourceUUID].BackendID = backendID
	return nil
}

func (f *fakeMarketplace) SetResourceLimits(ctx context.Context, resourceUUID string, limits map[string]int64) error {
	f.record("resource-limits " + resourceUUID)
	f.resources[resourceUUID].Limits = limits
	return nil
}

func (f *fakeMarketplace) SetResourceErred(ctx context.Context, resourceUUID, message string) error {
	f.record("resource-erred " + resourceUUID)
	f.resources[resourceUUID].State = types.ResourceStateErred
	return nil
}

func (f *fakeMarketplace) GetResourceTeam(ctx context.Context, resourceUUID string) ([]types.ProjectUser, error) {
	f.record("team " + resourceUUID)
	return f.teams[resourceUUID], nil
}

func (f *fakeMarketplace) ListOfferingUsers(ctx context.Context, offeringUUID string) ([]types.OfferingUser, error) {
	f.userListCalls++
	out := make([]types.OfferingUser, len(f.users))
	copy(out, f.users)
	return out, nil
}

func (f *fakeMarketplace) userByUUID(uuid string) *types.OfferingUser {
	for i := range f.users {
		if f.users[i].UUID == uuid {
			return &f.users[i]
		}
	}
	return nil
}

func (f *fakeMarketplace) SetOfferingUserUsername(ctx context.Context, offeringUserUUID, username string) error {
	f.record("username " + offeringUserUUID + " " + username)
	if u := f.userByUUID(offeringUserUUID); u != nil {
		u.Username = username
	}
	return nil
}

func (f *fakeMarketplace) BeginOfferingUserCreating(ctx context.Context, offeringUserUUID string) error {
	f.record("begin-creating " + offeringUserUUID)
	if u := f.userByUUID(offeringUserUUID); u != nil {
		u.State = types.OfferingUserStateCreating
	}
	return nil
}

func (f *fakeMarketplace) SetOfferingUserOK(ctx context.Context, offeringUserUUID string) error {
	f.record("user-ok " + offeringUserUUID)
	if u := f.userByUUID(offeringUserUUID); u != nil {
		u.State = types.OfferingUserStateOK
	}
	return nil
}

func (f *fakeMarketplace) SetOfferingUserPendingLinking(ctx context.Context, offeringUserUUID, comment, url string) error {
	f.record("user-pending-linking " + offeringUserUUID)
	if u := f.userByUUID(offeringUserUUID); u != nil {
		u.State = types.OfferingUserStatePendingLinking
	}
	return nil
}

func (f *fakeMarketplace) SetOfferingUserPendingValidation(ctx context.Context, offeringUserUUID, comment, url string) error {
	f.record("user-pending-validation " + offeringUserUUID)
	if u := f.userByUUID(offeringUserUUID); u != nil {
		u.State = types.OfferingUserStatePendingValidation
	}
	return nil
}

func (f *fakeMarketplace) ListServiceAccounts(ctx context.Context, projectUUID string) ([]types.ServiceAccount, error) {
	f.record("service-accounts " + projectUUID)
	return f.svcAccts[projectUUID], nil
}

func (f *fakeMarketplace) ListCourseAccounts(ctx context.Context, projectUUID string) ([]types.CourseAccount, error) {
	f.record("course-accounts " + projectUUID)
	return f.crsAccts[projectUUID], nil
}

func (f *fakeMarketplace) SetResourceUsage(ctx context.Context, resourceUUID string, date time.Time, usages []types.ComponentUsage) error {
	f.record(fmt.Sprintf("usage %s %s", resourceUUID, date.Format("2006-01-02")))
	key := usageKey(resourceUUID, date.Year(), int(date.Month()))
	stored := f.usages[key][:0]
	for _, u := range usages {
		stored = append(stored, waldur.ComponentUsageRecord{
			UUID:         "cu-" + u.Type,
			ResourceUUID: resourceUUID,
			Type:         u.Type,
			Usage:        u.Amount,
		})
	}
	f.usages[key] = stored
	return nil
}

func (f *fakeMarketplace) SetUserUsage(ctx context.Context, componentUsageUUID, username string, amount int64) error {
	f.userUsageCalls = append(f.userUsageCalls, fmt.Sprintf("%s %s %d", componentUsageUUID, username, amount))
	return nil
}

func (f *fakeMarketplace) ListComponentUsages(ctx context.Context, resourceUUID string, year, month int) ([]waldur.ComponentUsageRecord, error) {
	return f.usages[usageKey(resourceUUID, year, month)], nil
}

// fakeBackend is a scriptable backend.
type fakeBackend struct {
	backends.BaseBackend

	async        bool
	createResult backends.CreateResult
	createErrs   []error // consumed per call, nil entries succeed
	createCalls  int

	checkResult string
	checkErr    error

	resourceUsers map[string][]string
	added         [][]string
	removed       [][]string

	limits        map[string]map[string]int64
	updatedLimits []map[string]int64
	deleted       []string
	scalingCalls  []string

	reports       map[string]*types.ResourceReport
	periodReports map[string][]types.UsageRecord // "YYYY-MM"

	decreasingOK bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		resourceUsers: map[string][]string{},
		limits:        map[string]map[string]int64{},
		reports:       map[string]*types.ResourceReport{},
		periodReports: map[string][]types.UsageRecord{},
	}
}

func (b *fakeBackend) Ping(ctx context.Context) error { return nil }

func (b *fakeBackend) Diagnostics(ctx context.Context) (bool, error) { return true, nil }

func (b *fakeBackend) ListComponents(ctx context.Context) ([]string, error) { return nil, nil }

func (b *fakeBackend) SupportsAsyncOrders() bool { return b.async }

func (b *fakeBackend) CreateResource(ctx context.Context, resource *types.Resource, users backends.UserContext) (backends.CreateResult, error) {
	b.createCalls++
	if len(b.createErrs) > 0 {
		err := b.createErrs[0]
		b.createErrs = b.createErrs[1:]
		if err != nil {
			return backends.CreateResult{}, err
		}
	}
	return b.createResult, nil
}

func (b *fakeBackend) CheckPendingOrder(ctx context.Context, pendingOrderID string) (string, error) {
	return b.checkResult, b.checkErr
}

func (b *fakeBackend) UpdateLimits(ctx context.Context, backendID string, limits map[string]int64) error {
	b.updatedLimits = append(b.updatedLimits, limits)
	return nil
}

func (b *fakeBackend) DeleteResource(ctx context.Context, backendID string) error {
	b.deleted = append(b.deleted, backendID)
	return nil
}

func (b *fakeBackend) PauseResource(ctx context.Context, backendID string) error {
	b.scalingCalls = append(b.scalingCalls, "pause "+backendID)
	return nil
}

func (b *fakeBackend) DownscaleResource(ctx context.Context, backendID string) error {
	b.scalingCalls = append(b.scalingCalls, "downscale "+backendID)
	return nil
}

func (b *fakeBackend) RestoreResource(ctx context.Context, backendID string) error {
	b.scalingCalls = append(b.scalingCalls, "restore "+backendID)
	return nil
}

func (b *fakeBackend) GetUsageReport(ctx context.Context, backendIDs []string) ([]types.UsageRecord, error) {
	return nil, nil
}

func (b *fakeBackend) GetUsageReportForPeriod(ctx context.Context, backendIDs []string, year, month int) ([]types.UsageRecord, error) {
	return b.periodReports[fmt.Sprintf("%04d-%02d", year, month)], nil
}

func (b *fakeBackend) PullResource(ctx context.Context, backendID string) (*types.ResourceReport, error) {
	report, ok := b.reports[backendID]
	if !ok {
		return nil, fmt.Errorf("no account %s", backendID)
	}
	return report, nil
}

func (b *fakeBackend) GetResourceLimits(ctx context.Context, backendID string) (map[string]int64, error) {
	return b.limits[backendID], nil
}

func (b *fakeBackend) ListResourceUsers(ctx context.Context, backendID string) ([]string, error) {
	return b.resourceUsers[backendID], nil
}

func (b *fakeBackend) AddUsersToResource(ctx context.Context, backendID string, usernames []string) error {
	b.added = append(b.added, usernames)
	b.resourceUsers[backendID] = append(b.resourceUsers[backendID], usernames...)
	return nil
}

func (b *fakeBackend) RemoveUsersFromResource(ctx context.Context, backendID string, usernames []string) error {
	b.removed = append(b.removed, usernames)
	current := b.resourceUsers[backendID]
	kept := current[:0]
	for _, u := range current {
		drop := false
		for _, r := range usernames {
			if u == r {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, u)
		}
	}
	b.resourceUsers[backendID] = kept
	return nil
}

func (b *fakeBackend) SupportsDecreasingUsage() bool { return b.decreasingOK }

// scriptedUsernames returns queued results per offering user UUID.
type scriptedUsernames struct {
	results map[string][]backends.UsernameResult
}

func (s *scriptedUsernames) GetUsername(u *types.OfferingUser) string { return u.Username }

func (s *scriptedUsernames) GenerateUsername(ctx context.Context, u *types.OfferingUser) (backends.UsernameResult, error) {
	queue := s.results[u.UUID]
	if len(queue) == 0 {
		return backends.UsernameResult{}, fmt.Errorf("no scripted result for %s", u.UUID)
	}
	result := queue[0]
	if len(queue) > 1 {
		s.results[u.UUID] = queue[1:]
	}
	return result, nil
}

func testOffering() *types.Offering {
	return &types.Offering{
		Name:        "hpc",
		UUID:        "off-1",
		BackendType: "slurm",
		BackendComponents: map[string]types.BackendComponent{
			"cpu": {Type: "cpu", UnitFactor: 60, AccountingType: types.AccountingUsage},
			"mem": {Type: "mem", UnitFactor: 1, AccountingType: types.AccountingUsage},
		},
		OrderProcessingBackend: "slurm",
		MembershipSyncBackend:  "slurm",
		ReportingBackend:       "slurm",
	}
}
