package syno

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/synoproxy/synoproxy/internal/logging"
)

const reverseProxyAPI = "SYNO.Core.AppPortal.ReverseProxy"

// Rule mirrors a vendor reverse-proxy entry. The NAS owns the schema and
// extends it between firmware versions, so rules stay map-backed instead
// of a fixed struct; BuildRule produces the fields this service manages.
type Rule map[string]any

// Header is one customize_headers entry.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ID returns the vendor-assigned UUID of the rule, tolerating the field
// name variants different firmware versions emit.
func (r Rule) ID() string {
	for _, key := range []string{"UUID", "uuid", "id"} {
		if v, ok := r[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// RuleClient performs reverse-proxy CRUD against the NAS using the
// session manager's credentials. Rules are never cached: the NAS is the
// sole authority and every call reflects its current state.
type RuleClient struct {
	client   *Client
	sessions *SessionManager
	logger   *logging.Logger
}

// NewRuleClient creates a rule client on top of an authenticated session
// source.
func NewRuleClient(client *Client, sessions *SessionManager, logger *logging.Logger) *RuleClient {
	return &RuleClient{
		client:   client,
		sessions: sessions,
		logger:   logger.Component("rules"),
	}
}

// params builds the common query parameters for a reverse-proxy call.
func (rc *RuleClient) params(ctx context.Context, method string) (url.Values, error) {
	sess, err := rc.sessions.Obtain(ctx)
	if err != nil {
		return nil, err
	}
	p := url.Values{}
	p.Set("api", reverseProxyAPI)
	p.Set("method", method)
	p.Set("version", "1")
	p.Set("_sid", sess.SID)
	if sess.SynoToken != "" {
		p.Set("SynoToken", sess.SynoToken)
	}
	return p, nil
}

type listData struct {
	Entries []Rule `json:"entries"`
}

// List returns all reverse-proxy rules.
func (rc *RuleClient) List(ctx context.Context) ([]Rule, error) {
	p, err := rc.params(ctx, "list")
	if err != nil {
		return nil, err
	}
	var data listData
	if err := rc.client.Get(ctx, p, &data); err != nil {
		return nil, err
	}
	if data.Entries == nil {
		data.Entries = []Rule{}
	}
	return data.Entries, nil
}

type getData struct {
	Entry Rule `json:"entry"`
}

// Get fetches a single rule by UUID. The direct get method is tried with
// each parameter name firmware versions have used; when all fail, the
// full list is scanned for a matching UUID.
func (rc *RuleClient) Get(ctx context.Context, id string) (Rule, error) {
	for _, paramName := range []string{"id", "uuid", "UUID"} {
		p, err := rc.params(ctx, "get")
		if err != nil {
			return nil, err
		}
		p.Set(paramName, id)

		var data getData
		if err := rc.client.Get(ctx, p, &data); err == nil && data.Entry != nil {
			return data.Entry, nil
		}
	}

	entries, err := rc.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if sameRuleID(entry.ID(), id) {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Create adds a new rule. The entry travels as a JSON string inside a
// form field; the vendor API requires this shape for all writes.
func (rc *RuleClient) Create(ctx context.Context, rule Rule) error {
	return rc.post(ctx, "create", "entry", rule)
}

// Update modifies an existing rule. The vendor API refuses updates
// without the rule's opaque _key, which only a fetch of the existing
// entry can recover. When no _key field is present under any known name,
// the UUID itself is used, a compatibility shim for firmware that keys
// entries by UUID.
func (rc *RuleClient) Update(ctx context.Context, id string, rule Rule) error {
	existing, err := rc.Get(ctx, id)
	if err != nil {
		return err
	}

	key := ""
	for _, name := range []string{"_key", "key", "_uuid"} {
		if v, ok := existing[name].(string); ok && v != "" {
			key = v
			break
		}
	}
	if key == "" {
		if key = existing.ID(); key == "" {
			key = id
		}
		rc.logger.Debug("No _key field on existing rule, falling back to UUID", "uuid", key)
	}

	updated := make(Rule, len(rule)+2)
	for k, v := range rule {
		updated[k] = v
	}
	updated["UUID"] = id
	updated["_key"] = key

	return rc.post(ctx, "update", "entry", updated)
}

// Delete removes a single rule by UUID.
func (rc *RuleClient) Delete(ctx context.Context, id string) error {
	return rc.DeleteMany(ctx, []string{id})
}

// DeleteMany removes multiple rules in one upstream call.
func (rc *RuleClient) DeleteMany(ctx context.Context, ids []string) error {
	return rc.post(ctx, "delete", "uuids", ids)
}

func (rc *RuleClient) post(ctx context.Context, method, field string, payload any) error {
	p, err := rc.params(ctx, method)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set(field, string(body))

	return rc.client.PostForm(ctx, p, form, nil)
}

// sameRuleID compares rule identifiers, treating UUIDs as equal across
// case variants.
func sameRuleID(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA == nil && errB == nil {
		return ua == ub
	}
	return strings.EqualFold(a, b)
}

// RuleParams are the fields this service manages on a rule. Zero values
// for ports, timeouts, and the HTTP version mean "unset" and receive the
// vendor defaults in BuildRule.
type RuleParams struct {
	Description          string
	BackendFQDN          string
	BackendPort          int
	BackendProtocol      int
	FrontendFQDN         string
	FrontendPort         int
	FrontendProtocol     int
	HSTS                 bool
	ACL                  any
	ProxyConnectTimeout  int
	ProxyReadTimeout     int
	ProxySendTimeout     int
	ProxyHTTPVersion     int
	ProxyInterceptErrors bool
	CustomizeHeaders     []Header
}

// BuildRule normalizes RuleParams into a vendor entry. Optional fields
// get well-defined values (absent headers become an empty list, the acl
// key is present even when nil) so downstream comparison never has to
// distinguish "missing" from "default".
func BuildRule(p RuleParams) Rule {
	headers := p.CustomizeHeaders
	if headers == nil {
		headers = []Header{}
	}
	if p.FrontendPort == 0 {
		p.FrontendPort = 443
	}
	if p.ProxyConnectTimeout == 0 {
		p.ProxyConnectTimeout = 60
	}
	if p.ProxyReadTimeout == 0 {
		p.ProxyReadTimeout = 60
	}
	if p.ProxySendTimeout == 0 {
		p.ProxySendTimeout = 60
	}
	if p.ProxyHTTPVersion == 0 {
		p.ProxyHTTPVersion = 1
	}

	return Rule{
		"description": p.Description,
		"backend": map[string]any{
			"fqdn":     p.BackendFQDN,
			"port":     p.BackendPort,
			"protocol": p.BackendProtocol,
		},
		"frontend": map[string]any{
			"fqdn":     p.FrontendFQDN,
			"port":     p.FrontendPort,
			"protocol": p.FrontendProtocol,
			"https":    map[string]any{"hsts": p.HSTS},
			"acl":      p.ACL,
		},
		"proxy_connect_timeout":  p.ProxyConnectTimeout,
		"proxy_read_timeout":     p.ProxyReadTimeout,
		"proxy_send_timeout":     p.ProxySendTimeout,
		"proxy_http_version":     p.ProxyHTTPVersion,
		"proxy_intercept_errors": p.ProxyInterceptErrors,
		"customize_headers":      headers,
	}
}
