package linode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/evanofslack/cloud-dns-sync/internal/config"
	"github.com/evanofslack/cloud-dns-sync/internal/metrics"
	"github.com/evanofslack/cloud-dns-sync/internal/provider"
	"github.com/evanofslack/cloud-dns-sync/internal/record"
)

const (
	backend  = "linode"
	pageSize = 100
)

type Httper interface {
	Do(req *http.Request) (*http.Response, error)
}

// Signer authenticates an outgoing request.
type Signer func(req *http.Request) error

func BearerToken(token string) Signer {
	return func(req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

type Option func(*LinodeProvider)

func WithHttper(h Httper) Option {
	return func(p *LinodeProvider) { p.http = h }
}

func WithSigner(s Signer) Option {
	return func(p *LinodeProvider) { p.sign = s }
}

type LinodeProvider struct {
	baseURL string
	http    Httper
	sign    Signer
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	domains map[string]int // zone name to domain id
}

func New(cfg config.Linode, metrics *metrics.Metrics, opts ...Option) (*LinodeProvider, error) {
	p := &LinodeProvider{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
		logger:  slog.Default().With("backend", backend),
		domains: make(map[string]int),
	}
	if cfg.Token != "" {
		p.sign = BearerToken(cfg.Token)
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sign == nil {
		return nil, fmt.Errorf("linode personal access token required")
	}
	if p.baseURL == "" {
		return nil, fmt.Errorf("linode base url required")
	}
	return p, nil
}

func (p *LinodeProvider) Name() string { return backend }

type domain struct {
	ID     int    `json:"id"`
	Domain string `json:"domain"`
}

type domainRecord struct {
	ID       int    `json:"id,omitempty"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Target   string `json:"target"`
	TTLSec   int    `json:"ttl_sec"`
	Priority int    `json:"priority"`
	Weight   int    `json:"weight"`
	Port     int    `json:"port"`
	Tag      string `json:"tag,omitempty"`
}

type page[T any] struct {
	Data  []T `json:"data"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
}

type apiErrors struct {
	Errors []struct {
		Field  string `json:"field"`
		Reason string `json:"reason"`
	} `json:"errors"`
}

func (e apiErrors) String() string {
	reasons := make([]string, 0, len(e.Errors))
	for _, r := range e.Errors {
		if r.Field != "" {
			reasons = append(reasons, r.Field+": "+r.Reason)
			continue
		}
		reasons = append(reasons, r.Reason)
	}
	return strings.Join(reasons, "; ")
}

// doRequest sends one API call and decodes a 2xx body into out. Failures
// come back as classified provider errors.
func (p *LinodeProvider) doRequest(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return provider.NewError(provider.KindPermanent, backend, op, fmt.Errorf("encode request: %w", err))
		}
		bodyReader = bytes.NewReader(data)
	}

	u := p.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return provider.NewError(provider.KindPermanent, backend, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := p.sign(req); err != nil {
		return provider.NewError(provider.KindPermanent, backend, op, fmt.Errorf("sign request: %w", err))
	}

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return provider.NewError(provider.KindCancelled, backend, op, ctx.Err())
		}
		return provider.NewError(provider.KindTransient, backend, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.NewError(provider.KindTransient, backend, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return provider.NewError(provider.KindTransient, backend, op, fmt.Errorf("parse linode response: %w", err))
	}
	return nil
}

func statusError(op string, resp *http.Response, data []byte) error {
	var apiErr apiErrors
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &apiErr) == nil && len(apiErr.Errors) > 0 {
		msg = apiErr.String()
	}

	kind := provider.KindFromStatus(resp.StatusCode)
	if kind == provider.KindPermanent && resp.StatusCode == http.StatusBadRequest {
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "already exists") || strings.Contains(lower, "conflict") {
			kind = provider.KindConflict
		}
	}
	return &provider.Error{
		Kind:       kind,
		Backend:    backend,
		Op:         op,
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		Err:        &StatusError{Code: resp.StatusCode, Message: msg},
	}
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("linode api status=%d: %s", e.Code, e.Message)
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func isStatus(err error, code int) bool {
	var pe *provider.Error
	if !errors.As(err, &pe) {
		return false
	}
	se, ok := pe.Err.(*StatusError)
	return ok && se.Code == code
}

// listAll follows page/pages pagination. Failing after the first page
// reports the listing as incomplete.
func listAll[T any](ctx context.Context, p *LinodeProvider, op, path, zone string) ([]T, error) {
	var all []T
	for n := 1; ; n++ {
		var resp page[T]
		query := url.Values{"page": {strconv.Itoa(n)}, "page_size": {strconv.Itoa(pageSize)}}
		if err := p.doRequest(ctx, op, http.MethodGet, path, query, nil, &resp); err != nil {
			p.metrics.IncDNSRequest(backend, op, zone, false)
			if n > 1 {
				return nil, provider.NewError(provider.KindListIncomplete, backend, op, fmt.Errorf("page %d of %s: %w", n, path, err))
			}
			return nil, err
		}
		p.metrics.IncDNSRequest(backend, op, zone, true)
		all = append(all, resp.Data...)
		if resp.Pages <= n {
			return all, nil
		}
	}
}

func (p *LinodeProvider) domainID(ctx context.Context, zone string) (int, error) {
	name := strings.ToLower(record.Bare(zone))

	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.domains[name]; ok {
		return id, nil
	}

	domains, err := listAll[domain](ctx, p, "read", "/domains", zone)
	if err != nil {
		return 0, err
	}
	for _, d := range domains {
		if strings.EqualFold(d.Domain, name) {
			p.domains[name] = d.ID
			return d.ID, nil
		}
	}
	return 0, provider.NewError(provider.KindPermanent, backend, "zone", fmt.Errorf("%w: %s", provider.ErrZoneNotFound, zone))
}

func recordsPath(domainID int) string {
	return fmt.Sprintf("/domains/%d/records", domainID)
}

func (p *LinodeProvider) List(ctx context.Context, zone string) ([]record.Record, error) {
	p.logger.Debug("Getting DNS records", "zone", zone)
	start := time.Now()

	id, err := p.domainID(ctx, zone)
	if err != nil {
		return nil, err
	}
	raw, err := listAll[domainRecord](ctx, p, "list", recordsPath(id), zone)
	if err != nil {
		return nil, err
	}

	type valueID struct {
		value string
		id    string
	}
	sets := make(map[record.Key]*record.Record)
	members := make(map[record.Key][]valueID)
	for _, r := range raw {
		rec, err := fromLinode(zone, r)
		if err != nil {
			p.logger.Debug("Skipping unsupported record", "name", r.Name, "type", r.Type, "error", err)
			continue
		}
		key := rec.Key()
		if _, ok := sets[key]; !ok {
			sets[key] = &rec
		}
		members[key] = append(members[key], valueID{value: rec.Values[0], id: strconv.Itoa(r.ID)})
	}

	result := make([]record.Record, 0, len(sets))
	for key, rec := range sets {
		m := members[key]
		sort.Slice(m, func(i, j int) bool { return m[i].value < m[j].value })
		rec.Values = make([]string, len(m))
		ids := make([]string, len(m))
		for i, vi := range m {
			rec.Values[i], ids[i] = vi.value, vi.id
		}
		rec.ProviderID = provider.JoinIDs(ids)
		result = append(result, *rec)
	}
	record.Sort(result)

	p.logger.Debug("Retrieved DNS records", "zone", zone, "count", len(result), "duration", time.Since(start))
	return result, nil
}

func fromLinode(zone string, r domainRecord) (record.Record, error) {
	typ, err := record.ParseType(r.Type)
	if err != nil {
		return record.Record{}, err
	}

	value := r.Target
	switch typ {
	case record.TypeMX:
		value = record.JoinPriority(uint16(r.Priority), r.Target)
	case record.TypeSRV:
		value = fmt.Sprintf("%d %d %d %s", r.Priority, r.Weight, r.Port, r.Target)
	case record.TypeCAA:
		value = fmt.Sprintf("0 %s %s", r.Tag, strconv.Quote(r.Target))
	}

	name := r.Name
	if name == "" {
		name = "@"
	}
	return record.Normalize(zone, record.Record{
		Name:   name,
		Type:   typ,
		Values: []string{value},
		TTL:    time.Duration(r.TTLSec) * time.Second,
	})
}

func toLinode(zone string, rec record.Record, value string) (domainRecord, error) {
	r := domainRecord{
		Type:   string(rec.Type),
		Name:   record.RelativeName(zone, rec.Name),
		Target: value,
		TTLSec: int(rec.TTL.Seconds()),
	}
	switch rec.Type {
	case record.TypeMX:
		prio, target, err := record.SplitPriority(value)
		if err != nil {
			return domainRecord{}, err
		}
		r.Priority, r.Target = int(prio), record.Bare(target)
	case record.TypeSRV:
		var target string
		if _, err := fmt.Sscanf(value, "%d %d %d %s", &r.Priority, &r.Weight, &r.Port, &target); err != nil {
			return domainRecord{}, fmt.Errorf("%w: SRV %q: %v", record.ErrInvalidValue, value, err)
		}
		r.Target = record.Bare(target)
	case record.TypeCAA:
		f := strings.SplitN(value, " ", 3)
		if len(f) != 3 {
			return domainRecord{}, fmt.Errorf("%w: CAA %q", record.ErrInvalidValue, value)
		}
		r.Tag, r.Target = f[1], record.UnquoteTXT(f[2])
	case record.TypeCNAME, record.TypeNS, record.TypePTR:
		r.Target = record.Bare(value)
	}
	return r, nil
}

func (p *LinodeProvider) Create(ctx context.Context, zone string, rec record.Record) (record.Record, error) {
	p.logger.Info("Creating DNS record", "zone", zone, "name", rec.Name, "type", rec.Type, "values", rec.Values)

	id, err := p.domainID(ctx, zone)
	if err != nil {
		return record.Record{}, err
	}
	ids := make([]string, 0, len(rec.Values))
	for _, v := range rec.Values {
		rid, err := p.createValue(ctx, zone, id, rec, v)
		if err != nil {
			return record.Record{}, p.rollback(ctx, zone, id, "create", rec, ids, err)
		}
		ids = append(ids, rid)
	}

	out := rec.Clone()
	out.ProviderID = provider.JoinIDs(ids)
	return out, nil
}

func (p *LinodeProvider) createValue(ctx context.Context, zone string, domainID int, rec record.Record, value string) (string, error) {
	body, err := toLinode(zone, rec, value)
	if err != nil {
		return "", provider.NewError(provider.KindPermanent, backend, "create", err)
	}
	var created domainRecord
	if err := p.doRequest(ctx, "create", http.MethodPost, recordsPath(domainID), nil, body, &created); err != nil {
		p.metrics.IncDNSRequest(backend, "create", zone, false)
		return "", err
	}
	p.metrics.IncDNSRequest(backend, "create", zone, true)
	return strconv.Itoa(created.ID), nil
}

// Update rewrites the per-value records behind providerID so they carry
// rec.Values, creating or deleting records when the value count changes.
func (p *LinodeProvider) Update(ctx context.Context, zone, providerID string, rec record.Record) (record.Record, error) {
	p.logger.Info("Updating DNS record", "zone", zone, "name", rec.Name, "type", rec.Type, "values", rec.Values)

	id, err := p.domainID(ctx, zone)
	if err != nil {
		return record.Record{}, err
	}

	// In-place writes and deletes repeat safely on retry; records created
	// here are not in providerID, so they are removed again on failure.
	var ids, created []string
	for _, change := range provider.PlanValueChanges(provider.SplitIDs(providerID), rec.Values) {
		switch {
		case change.IsCreate():
			rid, err := p.createValue(ctx, zone, id, rec, change.Value)
			if err != nil {
				return record.Record{}, p.rollback(ctx, zone, id, "update", rec, created, err)
			}
			ids = append(ids, rid)
			created = append(created, rid)
		case change.IsDelete():
			if err := p.deleteValue(ctx, zone, id, change.ID); err != nil {
				return record.Record{}, p.rollback(ctx, zone, id, "update", rec, created, err)
			}
		default:
			if err := p.updateValue(ctx, zone, id, change.ID, rec, change.Value); err != nil {
				return record.Record{}, p.rollback(ctx, zone, id, "update", rec, created, err)
			}
			ids = append(ids, change.ID)
		}
	}

	out := rec.Clone()
	out.ProviderID = provider.JoinIDs(ids)
	return out, nil
}

// rollback deletes the records a failed set write created.
func (p *LinodeProvider) rollback(ctx context.Context, zone string, domainID int, op string, rec record.Record, created []string, cause error) error {
	if len(created) > 0 {
		p.logger.Warn("Rolling back partially written record set", "zone", zone, "name", rec.Name, "type", rec.Type, "created", len(created), "error", cause)
	}
	return provider.Rollback(ctx, backend, op, created, cause, func(ctx context.Context, rid string) error {
		return p.deleteValue(ctx, zone, domainID, rid)
	})
}

func (p *LinodeProvider) updateValue(ctx context.Context, zone string, domainID int, rid string, rec record.Record, value string) error {
	body, err := toLinode(zone, rec, value)
	if err != nil {
		return provider.NewError(provider.KindPermanent, backend, "update", err)
	}
	err = p.doRequest(ctx, "update", http.MethodPut, recordsPath(domainID)+"/"+rid, nil, body, nil)
	if err != nil {
		p.metrics.IncDNSRequest(backend, "update", zone, false)
		if isStatus(err, http.StatusNotFound) {
			return provider.NewError(provider.KindConflict, backend, "update", fmt.Errorf("record %s no longer exists: %w", rid, err))
		}
		return err
	}
	p.metrics.IncDNSRequest(backend, "update", zone, true)
	return nil
}

func (p *LinodeProvider) Delete(ctx context.Context, zone string, rec record.Record) error {
	p.logger.Info("Deleting DNS record", "zone", zone, "name", rec.Name, "type", rec.Type)

	id, err := p.domainID(ctx, zone)
	if err != nil {
		return err
	}
	for _, rid := range provider.SplitIDs(rec.ProviderID) {
		if err := p.deleteValue(ctx, zone, id, rid); err != nil {
			return err
		}
	}
	return nil
}

func (p *LinodeProvider) deleteValue(ctx context.Context, zone string, domainID int, rid string) error {
	err := p.doRequest(ctx, "delete", http.MethodDelete, recordsPath(domainID)+"/"+rid, nil, nil, nil)
	if err != nil && isStatus(err, http.StatusNotFound) {
		p.logger.Debug("Record already deleted", "zone", zone, "id", rid)
		err = nil
	}
	p.metrics.IncDNSRequest(backend, "delete", zone, err == nil)
	return err
}
