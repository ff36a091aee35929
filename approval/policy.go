package approval

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Server request methods that ask for approval.
const (
	MethodExecCommandApproval             = "execCommandApproval"
	MethodApplyPatchApproval              = "applyPatchApproval"
	MethodCommandExecutionRequestApproval = "item/commandExecution/requestApproval"
	MethodFileChangeRequestApproval       = "item/fileChange/requestApproval"
)

// Mode says who decides a request.
type Mode string

const (
	// ModeAuto answers immediately with the rule's decision.
	ModeAuto Mode = "auto"
	// ModeHuman waits for SubmitApprovalDecision.
	ModeHuman Mode = "human"
)

// Rule is the policy for one server request method.
type Rule struct {
	Kind     string   `yaml:"kind"`
	Mode     Mode     `yaml:"mode"`
	Decision Decision `yaml:"decision,omitempty"`
	Shape    Shape    `yaml:"shape"`
}

// Policy maps server request methods to rules. Methods without a rule are
// rejected with method-not-found.
type Policy struct {
	Rules map[string]Rule `yaml:"rules"`
}

// DefaultPolicy auto-accepts item-level command and file change approvals
// and routes the review-style approvals to a human.
func DefaultPolicy() *Policy {
	return &Policy{Rules: map[string]Rule{
		MethodCommandExecutionRequestApproval: {
			Kind:     "commandExecution",
			Mode:     ModeAuto,
			Decision: Approved,
			Shape:    ShapeCommandExecution,
		},
		MethodFileChangeRequestApproval: {
			Kind:     "fileChange",
			Mode:     ModeAuto,
			Decision: Approved,
			Shape:    ShapeFileChange,
		},
		MethodExecCommandApproval: {
			Kind:  "execCommand",
			Mode:  ModeHuman,
			Shape: ShapeReview,
		},
		MethodApplyPatchApproval: {
			Kind:  "applyPatch",
			Mode:  ModeHuman,
			Shape: ShapeReview,
		},
	}}
}

// Lookup returns the rule for method.
func (p *Policy) Lookup(method string) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	r, ok := p.Rules[method]
	return r, ok
}

// Set installs or replaces the rule for method.
func (p *Policy) Set(method string, r Rule) {
	if p.Rules == nil {
		p.Rules = make(map[string]Rule)
	}
	p.Rules[method] = r
}

// Methods returns the configured methods in sorted order.
func (p *Policy) Methods() []string {
	methods := make([]string, 0, len(p.Rules))
	for m := range p.Rules {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Validate checks every rule.
func (p *Policy) Validate() error {
	var errs []error
	for _, method := range p.Methods() {
		r := p.Rules[method]
		switch r.Mode {
		case ModeAuto:
			if !r.Decision.Valid() {
				errs = append(errs, fmt.Errorf("rule %s: auto mode requires a valid decision, got %q", method, r.Decision))
			}
		case ModeHuman:
		default:
			errs = append(errs, fmt.Errorf("rule %s: unknown mode %q", method, r.Mode))
		}
		if !r.Shape.Valid() {
			errs = append(errs, fmt.Errorf("rule %s: unknown shape %q", method, r.Shape))
		}
	}
	return errors.Join(errs...)
}

// ParsePolicy parses a YAML policy and overlays it on DefaultPolicy. Rules
// whose mode is "reject" remove the default for that method.
func ParsePolicy(data []byte) (*Policy, error) {
	var overlay struct {
		Rules map[string]ruleOverlay `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse approval policy: %w", err)
	}

	p := DefaultPolicy()
	for method, o := range overlay.Rules {
		if o.Mode != nil && *o.Mode == "reject" {
			delete(p.Rules, method)
			continue
		}
		r := p.Rules[method]
		if o.Kind != nil {
			r.Kind = *o.Kind
		}
		if o.Mode != nil {
			r.Mode = *o.Mode
		}
		if o.Decision != nil {
			d, err := ParseDecision(string(*o.Decision))
			if err != nil {
				return nil, fmt.Errorf("approval rule %s: %w", method, err)
			}
			r.Decision = d
		}
		if o.Shape != nil {
			r.Shape = *o.Shape
		}
		if r.Mode == ModeHuman {
			r.Decision = ""
		}
		p.Rules[method] = r
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid approval policy: %w", err)
	}
	return p, nil
}

// ruleOverlay holds only the fields a policy file sets.
type ruleOverlay struct {
	Kind     *string   `yaml:"kind"`
	Mode     *Mode     `yaml:"mode"`
	Decision *Decision `yaml:"decision"`
	Shape    *Shape    `yaml:"shape"`
}

// LoadPolicy reads a YAML policy file. A missing file yields DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return nil, fmt.Errorf("failed to read approval policy: %w", err)
	}
	return ParsePolicy(data)
}
