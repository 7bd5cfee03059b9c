package quota

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Policy holds the thresholds for one service.
type Policy struct {
	Service          string      `json:"service" validate:"required"`
	Limit            float64     `json:"limit" validate:"gt=0"`
	WarningThreshold float64     `json:"warningThreshold" validate:"gt=0,ltefield=StopThreshold"`
	StopThreshold    float64     `json:"stopThreshold" validate:"gt=0,ltefield=Limit"`
	Unit             string      `json:"unit"`
	Granularity      Granularity `json:"granularity" validate:"oneof=daily monthly"`
}

// PolicyTable maps service identifiers to their policy.
type PolicyTable map[string]Policy

var validate = validator.New()

// DefaultPolicies returns the built-in table. dailyRequestLimit sizes the
// daily "requests" counter.
func DefaultPolicies(dailyRequestLimit float64) PolicyTable {
	return PolicyTable{
		"requests": {
			Service:          "requests",
			Limit:            dailyRequestLimit,
			WarningThreshold: math.Ceil(dailyRequestLimit * 0.8),
			StopThreshold:    dailyRequestLimit,
			Unit:             "requests",
			Granularity:      Daily,
		},
		"messages": {
			Service: "messages", Limit: 500, WarningThreshold: 400, StopThreshold: 480,
			Unit: "messages", Granularity: Monthly,
		},
		"chat_calls": {
			Service: "chat_calls", Limit: 200, WarningThreshold: 160, StopThreshold: 190,
			Unit: "calls", Granularity: Monthly,
		},
		"vision_minutes": {
			Service: "vision_minutes", Limit: 1000, WarningThreshold: 800, StopThreshold: 950,
			Unit: "minutes", Granularity: Monthly,
		},
		"storage_gb": {
			Service: "storage_gb", Limit: 5, WarningThreshold: 4, StopThreshold: 4.8,
			Unit: "GB", Granularity: Monthly,
		},
		"auth_events": {
			Service: "auth_events", Limit: 50000, WarningThreshold: 40000, StopThreshold: 48000,
			Unit: "authentications", Granularity: Monthly,
		},
	}
}

// Validate checks every policy and reports all violations at once.
func (t PolicyTable) Validate() error {
	var errs []string
	for _, name := range t.Services() {
		p := t[name]
		if p.Service != name {
			errs = append(errs, fmt.Sprintf("%s: service field %q does not match table key", name, p.Service))
			continue
		}
		if err := validate.Struct(p); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					errs = append(errs, fmt.Sprintf("%s: %s failed %s", name, fe.Field(), describeTag(fe)))
				}
				continue
			}
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.New("invalid quota policy:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// Services returns the table's service identifiers in sorted order.
func (t PolicyTable) Services() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t PolicyTable) clone() PolicyTable {
	out := make(PolicyTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

type policyFile struct {
	Policies map[string]policyFileEntry `yaml:"policies"`
}

type policyFileEntry struct {
	Limit            *float64 `yaml:"limit"`
	WarningThreshold *float64 `yaml:"warning_threshold"`
	StopThreshold    *float64 `yaml:"stop_threshold"`
	Unit             *string  `yaml:"unit"`
	Granularity      *string  `yaml:"granularity"`
}

// LoadPolicyFile reads a YAML override table and merges it onto base.
// Fields left out of an entry keep base's value; new services default to
// monthly granularity. The merged table is validated.
func LoadPolicyFile(path string, base PolicyTable) (PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}

	merged := base.clone()
	for name, entry := range doc.Policies {
		p, ok := merged[name]
		if !ok {
			p = Policy{Service: name, Granularity: Monthly}
		}
		if entry.Limit != nil {
			p.Limit = *entry.Limit
		}
		if entry.WarningThreshold != nil {
			p.WarningThreshold = *entry.WarningThreshold
		}
		if entry.StopThreshold != nil {
			p.StopThreshold = *entry.StopThreshold
		}
		if entry.Unit != nil {
			p.Unit = *entry.Unit
		}
		if entry.Granularity != nil {
			p.Granularity = Granularity(strings.ToLower(*entry.Granularity))
		}
		merged[name] = p
	}

	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// PolicySet is the live, swappable policy table.
type PolicySet struct {
	table atomic.Pointer[PolicyTable]
}

// NewPolicySet validates t and makes it the active table.
func NewPolicySet(t PolicyTable) (*PolicySet, error) {
	ps := &PolicySet{}
	if err := ps.Replace(t); err != nil {
		return nil, err
	}
	return ps, nil
}

// Replace swaps in a new table. An invalid table is rejected and the current
// one stays active.
func (ps *PolicySet) Replace(t PolicyTable) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c := t.clone()
	ps.table.Store(&c)
	return nil
}

// Get returns the policy for service.
func (ps *PolicySet) Get(service string) (Policy, bool) {
	p, ok := (*ps.table.Load())[service]
	return p, ok
}

// Table returns a snapshot of the active table.
func (ps *PolicySet) Table() PolicyTable {
	return ps.table.Load().clone()
}

// Granularities returns every granularity in use, including def.
func (ps *PolicySet) Granularities(def Granularity) []Granularity {
	seen := map[Granularity]bool{def: true}
	out := []Granularity{def}
	for _, p := range *ps.table.Load() {
		if !seen[p.Granularity] {
			seen[p.Granularity] = true
			out = append(out, p.Granularity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
