// Package rules implements bulk operations over reverse-proxy rules:
// export of the live upstream set, conflict-aware validation, and batch
// import that never overwrites existing rules.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/synoproxy/synoproxy/internal/logging"
	"github.com/synoproxy/synoproxy/internal/syno"
)

const defaultTimeout = 60

// RuleSource is the upstream surface this service needs. *syno.RuleClient
// satisfies it; tests substitute a canned implementation.
type RuleSource interface {
	List(ctx context.Context) ([]syno.Rule, error)
	Create(ctx context.Context, rule syno.Rule) error
}

// Service performs export, validation, and import over an upstream rule
// source. It holds no state between calls; the upstream list is fetched
// fresh each time.
type Service struct {
	source RuleSource
	logger *logging.Logger
}

// NewService creates the bulk-operations service.
func NewService(source RuleSource, logger *logging.Logger) *Service {
	return &Service{source: source, logger: logger.Component("rules")}
}

// Export is the downloadable snapshot of all rules.
type Export struct {
	ExportedAt time.Time   `json:"exported_at"`
	Count      int         `json:"count"`
	Rules      []syno.Rule `json:"rules"`
}

// ExportAll returns the upstream rule set verbatim. Rules are not
// normalized on export; the snapshot must round-trip byte-faithful.
func (s *Service) ExportAll(ctx context.Context) (*Export, error) {
	list, err := s.source.List(ctx)
	if err != nil {
		return nil, err
	}
	return &Export{
		ExportedAt: time.Now().UTC(),
		Count:      len(list),
		Rules:      list,
	}, nil
}

// Conflict names an existing rule that occupies the same frontend.
type Conflict struct {
	RuleID       string `json:"rule_id"`
	Description  string `json:"description"`
	FrontendFQDN string `json:"frontend_fqdn"`
	FrontendPort int    `json:"frontend_port"`
}

// ValidationResult reports field errors and frontend conflicts for a
// candidate rule.
type ValidationResult struct {
	Valid     bool       `json:"valid"`
	Errors    []string   `json:"errors"`
	Conflicts []Conflict `json:"conflicts"`
}

// Validate checks a candidate rule for field errors and for frontend
// collisions with existing rules. excludeID skips one existing rule, so
// an edit form can validate a rule against everything but itself.
func (s *Service) Validate(ctx context.Context, rule syno.Rule, excludeID string) (*ValidationResult, error) {
	res := &ValidationResult{Errors: []string{}, Conflicts: []Conflict{}}

	n := normalize(rule)
	if n.FrontendFQDN == "" {
		res.Errors = append(res.Errors, "frontend fqdn is required")
	}
	if n.BackendFQDN == "" {
		res.Errors = append(res.Errors, "backend fqdn is required")
	}
	if n.FrontendPort < 1 || n.FrontendPort > 65535 {
		res.Errors = append(res.Errors, fmt.Sprintf("frontend port %d out of range 1-65535", n.FrontendPort))
	}
	if n.BackendPort < 1 || n.BackendPort > 65535 {
		res.Errors = append(res.Errors, fmt.Sprintf("backend port %d out of range 1-65535", n.BackendPort))
	}

	if n.FrontendFQDN != "" {
		existing, err := s.source.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, other := range existing {
			if excludeID != "" && strings.EqualFold(other.ID(), excludeID) {
				continue
			}
			o := normalize(other)
			if o.frontendKey() == n.frontendKey() {
				res.Conflicts = append(res.Conflicts, Conflict{
					RuleID:       other.ID(),
					Description:  o.Description,
					FrontendFQDN: o.FrontendFQDN,
					FrontendPort: o.FrontendPort,
				})
			}
		}
	}

	res.Valid = len(res.Errors) == 0 && len(res.Conflicts) == 0
	return res, nil
}

// Import item statuses.
const (
	StatusCreated        = "created"
	StatusExactDuplicate = "exact_duplicate"
	StatusConflict       = "conflict"
	StatusFailed         = "failed"
)

// ImportItem is the per-rule outcome of a batch import.
type ImportItem struct {
	Description string `json:"description"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// ImportResult summarizes a batch import.
type ImportResult struct {
	Created int          `json:"created"`
	Skipped int          `json:"skipped"`
	Failed  int          `json:"failed"`
	Items   []ImportItem `json:"items"`
}

// ImportBatch creates the given rules upstream, skipping any whose
// frontend is already taken. A rule identical to the existing occupant
// after normalization is an exact_duplicate; a differing one is a
// conflict, and existing rules are never overwritten. Failures on one
// rule do not stop the batch. Each successful create is added to the
// in-memory snapshot so later batch items collide against it too.
func (s *Service) ImportBatch(ctx context.Context, incoming []syno.Rule) (*ImportResult, error) {
	existing, err := s.source.List(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]normalizedRule, len(existing))
	for _, r := range existing {
		n := normalize(r)
		snapshot[n.frontendKey()] = n
	}

	res := &ImportResult{Items: []ImportItem{}}
	for _, rule := range incoming {
		n := normalize(rule)
		item := ImportItem{Description: n.Description}

		if occupant, taken := snapshot[n.frontendKey()]; taken {
			if occupant == n {
				item.Status = StatusExactDuplicate
				item.Reason = "identical rule already exists"
			} else {
				item.Status = StatusConflict
				item.Reason = fmt.Sprintf("frontend %s:%d already in use by %q", occupant.FrontendFQDN, occupant.FrontendPort, occupant.Description)
			}
			res.Skipped++
			res.Items = append(res.Items, item)
			continue
		}

		if err := s.source.Create(ctx, buildCandidate(rule, n)); err != nil {
			item.Status = StatusFailed
			item.Reason = err.Error()
			res.Failed++
			s.logger.Warn("Import of rule failed", "description", n.Description, "error", err)
		} else {
			item.Status = StatusCreated
			snapshot[n.frontendKey()] = n
			res.Created++
		}
		res.Items = append(res.Items, item)
	}

	s.logger.Info("Import batch finished", "created", res.Created, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// buildCandidate rebuilds an incoming rule from its managed fields, so
// vendor-assigned identifiers (UUID, _key) and unknown firmware extras
// from an export document never travel inside a create payload.
func buildCandidate(r syno.Rule, n normalizedRule) syno.Rule {
	return syno.BuildRule(syno.RuleParams{
		Description:          n.Description,
		BackendFQDN:          n.BackendFQDN,
		BackendPort:          n.BackendPort,
		BackendProtocol:      n.BackendProtocol,
		FrontendFQDN:         n.FrontendFQDN,
		FrontendPort:         n.FrontendPort,
		FrontendProtocol:     n.FrontendProtocol,
		HSTS:                 n.HSTS,
		ACL:                  subMap(r, "frontend")["acl"],
		ProxyConnectTimeout:  n.ConnectTimeout,
		ProxyReadTimeout:     n.ReadTimeout,
		ProxySendTimeout:     n.SendTimeout,
		ProxyHTTPVersion:     n.HTTPVersion,
		ProxyInterceptErrors: n.InterceptErrors,
		CustomizeHeaders:     headerList(r["customize_headers"]),
	})
}

// normalizedRule is the comparable canonical form of a rule: the fields
// this service manages, with vendor-optional values coerced to defaults.
// Comparable (==) so exact-duplicate detection is a single struct
// comparison.
type normalizedRule struct {
	Description      string
	FrontendFQDN     string
	FrontendPort     int
	FrontendProtocol int
	BackendFQDN      string
	BackendPort      int
	BackendProtocol  int
	HSTS             bool
	InterceptErrors  bool
	ConnectTimeout   int
	ReadTimeout      int
	SendTimeout      int
	HTTPVersion      int
	Headers          string
}

func (n normalizedRule) frontendKey() string {
	return fmt.Sprintf("%s:%d", n.FrontendFQDN, n.FrontendPort)
}

// normalize canonicalizes a raw vendor rule. JSON round-trips turn
// numbers into float64 and exports may carry booleans as strings, so
// every field goes through a coercion helper.
func normalize(r syno.Rule) normalizedRule {
	frontend := subMap(r, "frontend")
	backend := subMap(r, "backend")
	https := subMap(frontend, "https")

	n := normalizedRule{
		Description:      strings.TrimSpace(asString(r["description"])),
		FrontendFQDN:     strings.ToLower(strings.TrimSpace(asString(frontend["fqdn"]))),
		FrontendPort:     asInt(frontend["port"], 443),
		FrontendProtocol: asInt(frontend["protocol"], 0),
		BackendFQDN:      strings.ToLower(strings.TrimSpace(asString(backend["fqdn"]))),
		BackendPort:      asInt(backend["port"], 0),
		BackendProtocol:  asInt(backend["protocol"], 0),
		HSTS:             asBool(https["hsts"]),
		InterceptErrors:  asBool(r["proxy_intercept_errors"]),
		ConnectTimeout:   asInt(r["proxy_connect_timeout"], defaultTimeout),
		ReadTimeout:      asInt(r["proxy_read_timeout"], defaultTimeout),
		SendTimeout:      asInt(r["proxy_send_timeout"], defaultTimeout),
		HTTPVersion:      asInt(r["proxy_http_version"], 1),
	}

	n.Headers = canonicalHeaders(r["customize_headers"])
	return n
}

// canonicalHeaders flattens the header list into a stable string, sorted
// by (name, value) so ordering differences do not defeat duplicate
// detection.
func canonicalHeaders(v any) string {
	headers := headerList(v)
	pairs := make([]string, 0, len(headers))
	for _, h := range headers {
		pairs = append(pairs, h.Name+"="+h.Value)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "\n")
}

// headerList coerces the customize_headers field into typed headers.
// A rule freshly built in process carries the typed slice; one that went
// through a JSON round trip carries generic maps.
func headerList(v any) []syno.Header {
	switch items := v.(type) {
	case []syno.Header:
		return items
	case []map[string]any:
		out := make([]syno.Header, 0, len(items))
		for _, m := range items {
			out = append(out, syno.Header{Name: asString(m["name"]), Value: asString(m["value"])})
		}
		return out
	case []any:
		out := make([]syno.Header, 0, len(items))
		for _, item := range items {
			switch h := item.(type) {
			case syno.Header:
				out = append(out, h)
			case map[string]any:
				out = append(out, syno.Header{Name: asString(h["name"]), Value: asString(h["value"])})
			}
		}
		return out
	}
	return nil
}

func subMap(r map[string]any, key string) map[string]any {
	if m, ok := r[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asInt coerces a numeric value, falling back to def only when the field
// is absent, null, or not a number. An explicit zero stays zero, so a
// bogus port 0 reaches the range check instead of masquerading as the
// default.
func asInt(v any, def int) int {
	switch x := v.(type) {
	case int:
		return x
	case float64:
		return int(x)
	case string:
		if i, err := strconv.Atoi(x); err == nil {
			return i
		}
	}
	return def
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true" || x == "1" || x == "yes"
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return false
}
