package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

// Defaults applied by Load when the file leaves a knob unset.
const (
	DefaultConfigFile       = "waldur-site-agent-config.yaml"
	DefaultTimezone         = "UTC"
	DefaultReportingPeriods = 2
	DefaultStompWSPath      = "/rmqws-stomp"
	DefaultStompWSPort      = 443

	DefaultOrderInterval      = 2 * time.Minute
	DefaultReportInterval     = time.Hour
	DefaultMembershipInterval = time.Hour
)

// ComponentSpec is the YAML shape of one backend component.
type ComponentSpec struct {
	Label            string            `yaml:"label"`
	MeasuredUnit     string            `yaml:"measured_unit"`
	UnitFactor       int64             `yaml:"unit_factor"`
	AccountingType   string            `yaml:"accounting_type"`
	Limit            int64             `yaml:"limit"`
	MinValue         int64             `yaml:"min_value"`
	MaxValue         int64             `yaml:"max_value"`
	DefaultLimit     int64             `yaml:"default_limit"`
	LimitPeriod      string            `yaml:"limit_period"`
	TargetComponents map[string]string `yaml:"target_components"`
}

// OfferingSpec is the YAML shape of one offering entry.
type OfferingSpec struct {
	Name              string                   `yaml:"name"`
	WaldurAPIURL      string                   `yaml:"waldur_api_url"`
	WaldurAPIToken    string                   `yaml:"waldur_api_token"`
	WaldurOffering    string                   `yaml:"waldur_offering_uuid"`
	BackendType       string                   `yaml:"backend_type"`
	BackendSettings   map[string]interface{}   `yaml:"backend_settings"`
	BackendComponents map[string]ComponentSpec `yaml:"backend_components"`

	MQTTEnabled     bool   `yaml:"mqtt_enabled"`
	StompEnabled    bool   `yaml:"stomp_enabled"`
	WebsocketUseTLS *bool  `yaml:"websocket_use_tls"`
	StompWSHost     string `yaml:"stomp_ws_host"`
	StompWSPort     int    `yaml:"stomp_ws_port"`
	StompWSPath     string `yaml:"stomp_ws_path"`

	UsernameManagementBackend string `yaml:"username_management_backend"`
	OrderProcessingBackend    string `yaml:"order_processing_backend"`
	MembershipSyncBackend     string `yaml:"membership_sync_backend"`
	ReportingBackend          string `yaml:"reporting_backend"`

	ResourceImportEnabled         bool  `yaml:"resource_import_enabled"`
	VerifySSL                     *bool `yaml:"verify_ssl"`
	UsernameReconciliationEnabled bool  `yaml:"username_reconciliation_enabled"`

	PeriodicLimits struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"periodic_limits"`

	PluginOptions map[string]interface{} `yaml:"plugin_options"`
}

// Config is the top-level agent configuration.
type Config struct {
	Offerings        []OfferingSpec `yaml:"offerings"`
	SentryDSN        string         `yaml:"sentry_dsn"`
	Timezone         string         `yaml:"timezone"`
	ReportingPeriods int            `yaml:"reporting_periods"`
	MetricsAddress   string         `yaml:"metrics_address"`

	// Location is resolved from Timezone by Load.
	Location *time.Location `yaml:"-"`
}

// Load reads, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.Location = loc

	if c.ReportingPeriods == 0 {
		c.ReportingPeriods = DefaultReportingPeriods
	}

	for i := range c.Offerings {
		o := &c.Offerings[i]
		if o.StompWSPath == "" {
			o.StompWSPath = DefaultStompWSPath
		}
		if o.StompWSPort == 0 {
			o.StompWSPort = DefaultStompWSPort
		}
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Offerings) == 0 {
		return fmt.Errorf("config contains no offerings")
	}
	if c.ReportingPeriods < 1 || c.ReportingPeriods > 12 {
		return fmt.Errorf("reporting_periods must be in [1, 12], got %d", c.ReportingPeriods)
	}

	for i := range c.Offerings {
		o := &c.Offerings[i]
		switch {
		case o.Name == "":
			return fmt.Errorf("offering %d: name is required", i)
		case o.WaldurAPIURL == "":
			return fmt.Errorf("offering %q: waldur_api_url is required", o.Name)
		case o.WaldurAPIToken == "":
			return fmt.Errorf("offering %q: waldur_api_token is required", o.Name)
		case o.WaldurOffering == "":
			return fmt.Errorf("offering %q: waldur_offering_uuid is required", o.Name)
		case o.BackendType == "":
			return fmt.Errorf("offering %q: backend_type is required", o.Name)
		}
		for ctype, comp := range o.BackendComponents {
			switch types.AccountingType(comp.AccountingType) {
			case types.AccountingUsage, types.AccountingLimit, types.AccountingFixed, types.AccountingOneTime:
			default:
				return fmt.Errorf("offering %q: component %q has unknown accounting_type %q",
					o.Name, ctype, comp.AccountingType)
			}
			if comp.LimitPeriod != "" {
				switch types.LimitPeriod(comp.LimitPeriod) {
				case types.LimitPeriodDay, types.LimitPeriodWeek, types.LimitPeriodMonth,
					types.LimitPeriodAnnual, types.LimitPeriodTotal:
				default:
					return fmt.Errorf("offering %q: component %q has unknown limit_period %q",
						o.Name, ctype, comp.LimitPeriod)
				}
			}
		}
	}
	return nil
}

// RuntimeOfferings converts the YAML specs into immutable runtime offerings.
func (c *Config) RuntimeOfferings() []*types.Offering {
	out := make([]*types.Offering, 0, len(c.Offerings))
	for i := range c.Offerings {
		out = append(out, c.Offerings[i].toOffering())
	}
	return out
}

func (s *OfferingSpec) toOffering() *types.Offering {
	o := &types.Offering{
		Name:        s.Name,
		UUID:        s.WaldurOffering,
		APIURL:      s.WaldurAPIURL,
		APIToken:    s.WaldurAPIToken,
		BackendType: s.BackendType,

		BackendSettings:   s.BackendSettings,
		BackendComponents: map[string]types.BackendComponent{},

		OrderProcessingBackend:    resolveTag(s.OrderProcessingBackend, s.BackendType),
		MembershipSyncBackend:     resolveTag(s.MembershipSyncBackend, s.BackendType),
		ReportingBackend:          resolveTag(s.ReportingBackend, s.BackendType),
		UsernameManagementBackend: s.UsernameManagementBackend,

		StompEnabled:    s.StompEnabled,
		MQTTEnabled:     s.MQTTEnabled,
		WebsocketUseTLS: s.WebsocketUseTLS == nil || *s.WebsocketUseTLS,
		StompWSHost:     s.StompWSHost,
		StompWSPort:     s.StompWSPort,
		StompWSPath:     s.StompWSPath,
		VerifySSL:       s.VerifySSL == nil || *s.VerifySSL,

		ResourceImportEnabled:         s.ResourceImportEnabled,
		UsernameReconciliationEnabled: s.UsernameReconciliationEnabled,
		PeriodicLimitsEnabled:         s.PeriodicLimits.Enabled,

		PluginOptions: s.PluginOptions,
	}

	for ctype, comp := range s.BackendComponents {
		unitFactor := comp.UnitFactor
		if unitFactor == 0 {
			unitFactor = 1
		}
		o.BackendComponents[ctype] = types.BackendComponent{
			Type:             ctype,
			Label:            comp.Label,
			MeasuredUnit:     comp.MeasuredUnit,
			UnitFactor:       unitFactor,
			AccountingType:   types.AccountingType(comp.AccountingType),
			Limit:            comp.Limit,
			MinValue:         comp.MinValue,
			MaxValue:         comp.MaxValue,
			DefaultLimit:     comp.DefaultLimit,
			LimitPeriod:      types.LimitPeriod(comp.LimitPeriod),
			TargetComponents: comp.TargetComponents,
		}
	}
	return o
}

// resolveTag maps a per-concern backend tag: omitted falls back to the
// offering backend type, "none" disables the concern for this offering.
func resolveTag(tag, backendType string) string {
	switch tag {
	case "":
		return backendType
	case "none":
		return ""
	}
	return tag
}
