package types

import (
	"time"
)

// AgentMode selects which processing loop the agent runs.
type AgentMode string

const (
	ModeOrderProcess   AgentMode = "order_process"
	ModeReport         AgentMode = "report"
	ModeMembershipSync AgentMode = "membership_sync"
	ModeEventProcess   AgentMode = "event_process"
)

// ObjectType identifies the kind of marketplace object an event
// subscription delivers.
type ObjectType string

const (
	ObjectTypeOrder                  ObjectType = "order"
	ObjectTypeUserRole               ObjectType = "user_role"
	ObjectTypeResource               ObjectType = "resource"
	ObjectTypeServiceAccount         ObjectType = "service_account"
	ObjectTypeCourseAccount          ObjectType = "course_account"
	ObjectTypeOfferingUser           ObjectType = "offering_user"
	ObjectTypeImportableResources    ObjectType = "importable_resources"
	ObjectTypeResourcePeriodicLimits ObjectType = "resource_periodic_limits"
)

// AccountingType classifies how a component is billed.
type AccountingType string

const (
	AccountingUsage   AccountingType = "usage"
	AccountingLimit   AccountingType = "limit"
	AccountingFixed   AccountingType = "fixed"
	AccountingOneTime AccountingType = "one-time"
)

// LimitPeriod is the window a component limit applies to.
type LimitPeriod string

const (
	LimitPeriodDay    LimitPeriod = "day"
	LimitPeriodWeek   LimitPeriod = "week"
	LimitPeriodMonth  LimitPeriod = "month"
	LimitPeriodAnnual LimitPeriod = "annual"
	LimitPeriodTotal  LimitPeriod = "total"
)

// BackendComponent describes one measurable or limit-bearing dimension of
// an offering (cpu, mem, storage, ...). UnitFactor converts marketplace
// units to backend units.
type BackendComponent struct {
	Type             string
	Label            string
	MeasuredUnit     string
	UnitFactor       int64
	AccountingType   AccountingType
	Limit            int64
	MinValue         int64
	MaxValue         int64
	DefaultLimit     int64
	LimitPeriod      LimitPeriod
	TargetComponents map[string]string
}

// Offering is the unit of configuration and isolation. It is immutable
// after load; one worker tree runs per offering.
type Offering struct {
	Name        string
	UUID        string
	APIURL      string
	APIToken    string
	BackendType string

	BackendSettings   map[string]interface{}
	BackendComponents map[string]BackendComponent

	// Backend tags per concern, resolved at config load. An empty tag
	// disables the concern for this offering.
	OrderProcessingBackend    string
	MembershipSyncBackend     string
	ReportingBackend          string
	UsernameManagementBackend string

	StompEnabled          bool
	MQTTEnabled           bool
	WebsocketUseTLS       bool
	StompWSHost           string
	StompWSPort           int
	StompWSPath           string
	VerifySSL             bool
	ResourceImportEnabled bool

	UsernameReconciliationEnabled bool
	PeriodicLimitsEnabled         bool

	// PluginOptions mirrors the offering's plugin_options from the
	// marketplace, e.g. username_generation_policy.
	PluginOptions map[string]interface{}
}

// UsernameGenerationPolicy reads the offering's username generation policy
// plugin option; empty when unset.
func (o *Offering) UsernameGenerationPolicy() string {
	if o.PluginOptions == nil {
		return ""
	}
	v, _ := o.PluginOptions["username_generation_policy"].(string)
	return v
}

// UsernamePolicyServiceProvider means the site agent owns username
// generation for the offering's users.
const UsernamePolicyServiceProvider = "service_provider"

// EventObjectTypes derives the broker object types an offering subscribes
// to from its enabled capabilities.
func (o *Offering) EventObjectTypes() []ObjectType {
	var out []ObjectType
	if o.OrderProcessingBackend != "" {
		out = append(out, ObjectTypeOrder)
	}
	if o.MembershipSyncBackend != "" {
		out = append(out,
			ObjectTypeUserRole,
			ObjectTypeResource,
			ObjectTypeServiceAccount,
			ObjectTypeCourseAccount,
			ObjectTypeOfferingUser,
		)
	}
	if o.ResourceImportEnabled {
		out = append(out, ObjectTypeImportableResources)
	}
	if o.PeriodicLimitsEnabled {
		out = append(out, ObjectTypeResourcePeriodicLimits)
	}
	return out
}

// OrderType is the kind of command an order carries.
type OrderType string

const (
	OrderTypeCreate    OrderType = "Create"
	OrderTypeUpdate    OrderType = "Update"
	OrderTypeTerminate OrderType = "Terminate"
)

// OrderState follows the marketplace order state machine.
type OrderState string

const (
	OrderStatePendingConsumer OrderState = "pending-consumer"
	OrderStatePendingProvider OrderState = "pending-provider"
	OrderStateExecuting       OrderState = "executing"
	OrderStateDone            OrderState = "done"
	OrderStateErred           OrderState = "erred"
	OrderStateCanceled        OrderState = "canceled"
	OrderStateRejected        OrderState = "rejected"
)

// Terminal reports whether the state is final.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateDone, OrderStateErred, OrderStateCanceled, OrderStateRejected:
		return true
	}
	return false
}

// TerminalError reports whether the state is final and unsuccessful.
func (s OrderState) TerminalError() bool {
	return s.Terminal() && s != OrderStateDone
}

// Order is a marketplace-issued state-carrying command on a resource.
type Order struct {
	UUID         string           `json:"uuid"`
	Type         OrderType        `json:"type"`
	State        OrderState       `json:"state"`
	ResourceUUID string           `json:"marketplace_resource_uuid"`
	ResourceName string           `json:"resource_name"`
	ProjectUUID  string           `json:"project_uuid"`
	ProjectName  string           `json:"project_name"`
	CustomerUUID string           `json:"customer_uuid"`
	OfferingUUID string           `json:"offering_uuid"`
	Limits       map[string]int64 `json:"limits"`
	Attributes   map[string]any   `json:"attributes"`

	// BackendID tracks an asynchronous downstream order between cycles.
	BackendID string `json:"backend_id"`

	ErrorMessage   string `json:"error_message"`
	ErrorTraceback string `json:"error_traceback"`
}

// ResourceState follows the marketplace resource state machine.
type ResourceState string

const (
	ResourceStateCreating    ResourceState = "Creating"
	ResourceStateOK          ResourceState = "OK"
	ResourceStateErred       ResourceState = "Erred"
	ResourceStateUpdating    ResourceState = "Updating"
	ResourceStateTerminating ResourceState = "Terminating"
	ResourceStateTerminated  ResourceState = "Terminated"
)

// Resource is the marketplace view of a provisioned offering instance.
// After a successful create BackendID is non-empty and stable for the
// resource's lifetime.
type Resource struct {
	UUID                  string           `json:"uuid"`
	Name                  string           `json:"name"`
	BackendID             string           `json:"backend_id"`
	State                 ResourceState    `json:"state"`
	OfferingUUID          string           `json:"offering_uuid"`
	ProjectUUID           string           `json:"project_uuid"`
	ProjectName           string           `json:"project_name"`
	CustomerUUID          string           `json:"customer_uuid"`
	Limits                map[string]int64 `json:"limits"`
	Paused                bool             `json:"paused"`
	Downscaled            bool             `json:"downscaled"`
	RestrictMemberAccess  bool             `json:"restrict_member_access"`
	OfferingPluginOptions map[string]any   `json:"offering_plugin_options"`
}

// OfferingUserState follows the offering user provisioning state machine.
type OfferingUserState string

const (
	OfferingUserStateRequested         OfferingUserState = "Requested"
	OfferingUserStateCreating          OfferingUserState = "Creating"
	OfferingUserStateOK                OfferingUserState = "OK"
	OfferingUserStatePendingLinking    OfferingUserState = "Pending account linking"
	OfferingUserStatePendingValidation OfferingUserState = "Pending additional validation"
)

// OfferingUser binds a marketplace user to an offering and carries the
// backend username.
type OfferingUser struct {
	UUID         string            `json:"uuid"`
	UserUUID     string            `json:"user_uuid"`
	OfferingUUID string            `json:"offering_uuid"`
	Username     string            `json:"username"`
	State        OfferingUserState `json:"state"`

	FirstName    string   `json:"user_first_name"`
	LastName     string   `json:"user_last_name"`
	Email        string   `json:"user_email"`
	Affiliations []string `json:"user_affiliations"`
}

// ProjectUser is a member of a project team.
type ProjectUser struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// ServiceAccount is a non-personal project account propagated to backends.
type ServiceAccount struct {
	UUID        string `json:"uuid"`
	Username    string `json:"username"`
	ProjectUUID string `json:"project_uuid"`
	State       string `json:"state"`
}

// CourseAccount is a teaching account propagated to backends.
type CourseAccount struct {
	UUID        string `json:"uuid"`
	Username    string `json:"username"`
	ProjectUUID string `json:"project_uuid"`
	State       string `json:"state"`
}

// AccountStateOK marks an active service or course account.
const AccountStateOK = "OK"

// AgentIdentity registers this agent process with the marketplace.
type AgentIdentity struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	OfferingUUID string `json:"offering_uuid"`
	UserUUID     string `json:"user_uuid"`
	Version      string `json:"version"`
}

// AgentService tags one running mode of the agent.
type AgentService struct {
	UUID           string `json:"uuid"`
	IdentityUUID   string `json:"agent_identity_uuid"`
	Mode           string `json:"mode"`
	BackendType    string `json:"backend_type"`
	BackendVersion string `json:"backend_version"`
	State          string `json:"state"`
}

// AgentProcessor tags one processor pipeline of a service.
type AgentProcessor struct {
	UUID        string `json:"uuid"`
	ServiceUUID string `json:"agent_service_uuid"`
	Type        string `json:"processor_type"`
	State       string `json:"state"`
}

// EventSubscription is an (agent identity, object type) broker
// registration. The broker vhost is the owning user's UUID and the broker
// username is the subscription UUID.
type EventSubscription struct {
	UUID         string `json:"uuid"`
	UserUUID     string `json:"user_uuid"`
	ObjectType   string `json:"observable_object_type"`
	OfferingUUID string `json:"offering_uuid"`
	QueueName    string `json:"queue_name"`
}

// ComponentUsage is one component's usage amount as submitted to the
// marketplace for a billing period.
type ComponentUsage struct {
	Type   string `json:"type"`
	Amount int64  `json:"amount"`
}

// ComponentUserUsage is a per-user usage row inside a resource report.
type ComponentUserUsage struct {
	Username string
	Usages   map[string]int64
}

// UsageRecord carries total and per-user usage for one resource in one
// reporting period.
type UsageRecord struct {
	ResourceBackendID string
	Year              int
	Month             int
	Total             map[string]int64
	PerUser           []ComponentUserUsage
}

// ResourceReport is the backend's current-period view of one account,
// returned by PullResource.
type ResourceReport struct {
	BackendID string
	Limits    map[string]int64
	// TotalUsage holds account-level usage keyed by component type.
	TotalUsage map[string]int64
	// UserUsage holds per-username usage keyed by component type.
	UserUsage map[string]map[string]int64
}

// Event is a broker message decoded from a STOMP frame.
type Event struct {
	ObjectType  ObjectType     `json:"object_type"`
	Action      string         `json:"action"`
	ObjectUUID  string         `json:"object_uuid"`
	State       string         `json:"state"`
	ProjectUUID string         `json:"project_uuid"`
	UserUUID    string         `json:"user_uuid"`
	Attributes  map[string]any `json:"attributes"`
	OccurredAt  time.Time      `json:"created"`
}
