package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/evanofslack/cloud-dns-sync/internal/config"
	"github.com/evanofslack/cloud-dns-sync/internal/metrics"
	"github.com/evanofslack/cloud-dns-sync/internal/provider"
	"github.com/evanofslack/cloud-dns-sync/internal/record"
)

const (
	backend = "cloudflare"
	perPage = 100
	// autoTTL is how the API spells "automatic".
	autoTTL = 1
)

// Error codes the API uses for records that clash with an existing one.
var conflictCodes = []int{81053, 81054, 81057, 81058}

// Error codes for a record id that no longer exists.
var missingCodes = []int{81044}

type CloudflareProvider struct {
	client  *cloudflare.API
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	zones map[string]string // Cache zone name to ID mapping
}

// New builds a client authenticated with an API token. The SDK's own retry
// loop is disabled, callers retry through the reconciler.
func New(ctx context.Context, cfg config.Cloudflare, metrics *metrics.Metrics, opts ...cloudflare.Option) (*CloudflareProvider, error) {
	token := cfg.Token
	if token == "" {
		return nil, fmt.Errorf("cloudflare API token required")
	}

	opts = append([]cloudflare.Option{cloudflare.UsingRetryPolicy(0, 0, 0)}, opts...)
	client, err := cloudflare.NewWithAPIToken(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloudflare client: %w", err)
	}

	p := &CloudflareProvider{
		client:  client,
		metrics: metrics,
		logger:  slog.Default().With("backend", backend),
		zones:   make(map[string]string),
	}

	// Pre-cache zone IDs for all configured zones
	for _, zone := range cfg.Zones {
		if _, err := p.zoneID(ctx, zone); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *CloudflareProvider) Name() string { return backend }

// zoneID resolves and caches the id of zone. The lookup runs outside the
// lock; concurrent first lookups of one zone store the same id.
func (p *CloudflareProvider) zoneID(ctx context.Context, zone string) (string, error) {
	key := record.Bare(strings.ToLower(zone))

	p.mu.Lock()
	id, ok := p.zones[key]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	res, err := p.client.ListZonesContext(ctx, cloudflare.WithZoneFilters(key, "", ""))
	if err != nil {
		p.metrics.IncDNSRequest(backend, "read", zone, false)
		return "", classify("zone", err)
	}
	p.metrics.IncDNSRequest(backend, "read", zone, true)

	for _, z := range res.Result {
		if strings.EqualFold(z.Name, key) {
			id = z.ID
			break
		}
	}
	if id == "" {
		return "", provider.NewError(provider.KindPermanent, backend, "zone", fmt.Errorf("%w: %s", provider.ErrZoneNotFound, zone))
	}

	p.mu.Lock()
	p.zones[key] = id
	p.mu.Unlock()
	return id, nil
}

func (p *CloudflareProvider) List(ctx context.Context, zone string) ([]record.Record, error) {
	p.logger.Debug("Getting DNS records", "zone", zone)
	start := time.Now()

	zoneID, err := p.zoneID(ctx, zone)
	if err != nil {
		return nil, err
	}

	// Get all records for the zone with pagination
	var allRecords []cloudflare.DNSRecord
	page := 1
	for {
		rc := cloudflare.ZoneIdentifier(zoneID)
		params := cloudflare.ListDNSRecordsParams{
			ResultInfo: cloudflare.ResultInfo{
				Page:    page,
				PerPage: perPage,
			},
		}

		records, resultInfo, err := p.client.ListDNSRecords(ctx, rc, params)
		if err != nil {
			p.metrics.IncDNSRequest(backend, "list", zone, false)
			if page > 1 {
				return nil, provider.NewError(provider.KindListIncomplete, backend, "list",
					fmt.Errorf("page %d of zone %s: %w", page, zone, err))
			}
			return nil, classify("list", err)
		}
		p.metrics.IncDNSRequest(backend, "list", zone, true)

		allRecords = append(allRecords, records...)
		if resultInfo == nil || page >= resultInfo.TotalPages {
			break
		}
		page++
	}

	result := p.group(allRecords)
	p.logger.Debug("Retrieved DNS records", "zone", zone, "count", len(result), "duration", time.Since(start))
	return result, nil
}

type valueID struct {
	value string
	id    string
}

// group folds the per-value API records into one record per name and type.
func (p *CloudflareProvider) group(records []cloudflare.DNSRecord) []record.Record {
	sets := make(map[record.Key]*record.Record)
	members := make(map[record.Key][]valueID)
	for _, r := range records {
		rec, err := fromCloudflare(r)
		if err != nil {
			p.logger.Debug("Skipping unsupported record", "name", r.Name, "type", r.Type, "error", err)
			continue
		}
		key := rec.Key()
		if _, ok := sets[key]; !ok {
			sets[key] = &rec
		}
		members[key] = append(members[key], valueID{value: rec.Values[0], id: r.ID})
	}

	out := make([]record.Record, 0, len(sets))
	for key, rec := range sets {
		m := members[key]
		sort.Slice(m, func(i, j int) bool { return m[i].value < m[j].value })
		values := make([]string, len(m))
		ids := make([]string, len(m))
		for i, vi := range m {
			values[i], ids[i] = vi.value, vi.id
		}
		rec.Values = values
		rec.ProviderID = provider.JoinIDs(ids)
		out = append(out, *rec)
	}
	record.Sort(out)
	return out
}

// fromCloudflare converts one API record into a single-value record.
func fromCloudflare(r cloudflare.DNSRecord) (record.Record, error) {
	typ, err := record.ParseType(r.Type)
	if err != nil {
		return record.Record{}, err
	}
	if typ == record.TypeSOA {
		return record.Record{}, fmt.Errorf("%s records are not managed", typ)
	}

	value := r.Content
	switch typ {
	case record.TypeMX, record.TypeSRV:
		if r.Priority != nil {
			value = record.JoinPriority(*r.Priority, r.Content)
		}
	}

	ttl := time.Duration(r.TTL) * time.Second
	if r.TTL == autoTTL {
		ttl = 0
	}
	return record.Normalize("", record.Record{Name: r.Name, Type: typ, Values: []string{value}, TTL: ttl})
}

// apiValue is one record value in the shape the API accepts.
type apiValue struct {
	content  string
	priority *uint16
	data     interface{}
}

func toCloudflare(t record.Type, value string) (apiValue, error) {
	switch t {
	case record.TypeMX:
		prio, target, err := record.SplitPriority(value)
		if err != nil {
			return apiValue{}, err
		}
		return apiValue{content: record.Bare(target), priority: &prio}, nil
	case record.TypeSRV:
		f := strings.Fields(value)
		if len(f) != 4 {
			return apiValue{}, fmt.Errorf("%w: SRV %q", record.ErrInvalidValue, value)
		}
		nums := make([]uint16, 3)
		for i := range nums {
			n, err := strconv.ParseUint(f[i], 10, 16)
			if err != nil {
				return apiValue{}, fmt.Errorf("%w: SRV %q: %v", record.ErrInvalidValue, value, err)
			}
			nums[i] = uint16(n)
		}
		target := record.Bare(f[3])
		return apiValue{
			content:  fmt.Sprintf("%d %d %s", nums[1], nums[2], target),
			priority: &nums[0],
			data: map[string]interface{}{
				"priority": nums[0],
				"weight":   nums[1],
				"port":     nums[2],
				"target":   target,
			},
		}, nil
	case record.TypeCAA:
		f := strings.SplitN(value, " ", 3)
		if len(f) != 3 {
			return apiValue{}, fmt.Errorf("%w: CAA %q", record.ErrInvalidValue, value)
		}
		flags, err := strconv.ParseUint(f[0], 10, 8)
		if err != nil {
			return apiValue{}, fmt.Errorf("%w: CAA %q: %v", record.ErrInvalidValue, value, err)
		}
		return apiValue{
			content: value,
			data: map[string]interface{}{
				"flags": flags,
				"tag":   f[1],
				"value": record.UnquoteTXT(f[2]),
			},
		}, nil
	case record.TypeCNAME, record.TypeNS, record.TypePTR:
		return apiValue{content: record.Bare(value)}, nil
	}
	return apiValue{content: value}, nil
}

func apiTTL(ttl time.Duration) int {
	if ttl <= 0 {
		return autoTTL
	}
	return int(ttl.Seconds())
}

func (p *CloudflareProvider) Create(ctx context.Context, zone string, rec record.Record) (record.Record, error) {
	p.logger.Info("Creating DNS record", "zone", zone, "name", rec.Name, "type", rec.Type, "values", rec.Values)
	start := time.Now()

	zoneID, err := p.zoneID(ctx, zone)
	if err != nil {
		return record.Record{}, err
	}

	ids := make([]string, 0, len(rec.Values))
	for _, v := range rec.Values {
		id, err := p.createValue(ctx, zone, zoneID, rec, v)
		if err != nil {
			return record.Record{}, p.rollback(ctx, zone, zoneID, "create", rec, ids, err)
		}
		ids = append(ids, id)
	}

	out := rec.Clone()
	out.ProviderID = provider.JoinIDs(ids)
	p.logger.Debug("Created DNS record", "zone", zone, "name", rec.Name, "type", rec.Type, "duration", time.Since(start))
	return out, nil
}

func (p *CloudflareProvider) createValue(ctx context.Context, zone, zoneID string, rec record.Record, value string) (string, error) {
	av, err := toCloudflare(rec.Type, value)
	if err != nil {
		return "", provider.NewError(provider.KindPermanent, backend, "create", err)
	}
	params := cloudflare.CreateDNSRecordParams{
		Type:     string(rec.Type),
		Name:     record.Bare(rec.Name),
		Content:  av.content,
		TTL:      apiTTL(rec.TTL),
		Priority: av.priority,
		Data:     av.data,
	}

	created, err := p.client.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), params)
	if err != nil {
		p.metrics.IncDNSRequest(backend, "create", zone, false)
		return "", classify("create", err)
	}
	p.metrics.IncDNSRequest(backend, "create", zone, true)
	return created.ID, nil
}

// Update rewrites the per-value records behind providerID so they carry
// rec.Values. Ids are reused positionally; extra values are created and
// extra ids deleted.
func (p *CloudflareProvider) Update(ctx context.Context, zone, providerID string, rec record.Record) (record.Record, error) {
	p.logger.Info("Updating DNS record", "zone", zone, "name", rec.Name, "type", rec.Type, "values", rec.Values)
	start := time.Now()

	zoneID, err := p.zoneID(ctx, zone)
	if err != nil {
		return record.Record{}, err
	}

	// In-place writes and deletes repeat safely on retry; records created
	// here are not in providerID, so they are removed again on failure.
	var ids, created []string
	for _, change := range provider.PlanValueChanges(provider.SplitIDs(providerID), rec.Values) {
		switch {
		case change.IsCreate():
			id, err := p.createValue(ctx, zone, zoneID, rec, change.Value)
			if err != nil {
				return record.Record{}, p.rollback(ctx, zone, zoneID, "update", rec, created, err)
			}
			ids = append(ids, id)
			created = append(created, id)
		case change.IsDelete():
			if err := p.deleteValue(ctx, zone, zoneID, change.ID); err != nil {
				return record.Record{}, p.rollback(ctx, zone, zoneID, "update", rec, created, err)
			}
		default:
			if err := p.updateValue(ctx, zone, zoneID, change.ID, rec, change.Value); err != nil {
				return record.Record{}, p.rollback(ctx, zone, zoneID, "update", rec, created, err)
			}
			ids = append(ids, change.ID)
		}
	}

	out := rec.Clone()
	out.ProviderID = provider.JoinIDs(ids)
	p.logger.Debug("Updated DNS record", "zone", zone, "name", rec.Name, "type", rec.Type, "duration", time.Since(start))
	return out, nil
}

// rollback deletes the records a failed set write created.
func (p *CloudflareProvider) rollback(ctx context.Context, zone, zoneID, op string, rec record.Record, created []string, cause error) error {
	if len(created) > 0 {
		p.logger.Warn("Rolling back partially written record set", "zone", zone, "name", rec.Name, "type", rec.Type, "created", len(created), "error", cause)
	}
	return provider.Rollback(ctx, backend, op, created, cause, func(ctx context.Context, id string) error {
		return p.deleteValue(ctx, zone, zoneID, id)
	})
}

func (p *CloudflareProvider) updateValue(ctx context.Context, zone, zoneID, id string, rec record.Record, value string) error {
	av, err := toCloudflare(rec.Type, value)
	if err != nil {
		return provider.NewError(provider.KindPermanent, backend, "update", err)
	}
	ttl := apiTTL(rec.TTL)
	params := cloudflare.UpdateDNSRecordParams{
		ID:       id,
		Type:     string(rec.Type),
		Name:     record.Bare(rec.Name),
		Content:  av.content,
		TTL:      ttl,
		Priority: av.priority,
		Data:     av.data,
	}

	_, err = p.client.UpdateDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), params)
	if err != nil {
		p.metrics.IncDNSRequest(backend, "update", zone, false)
		if isMissing(err) {
			return provider.NewError(provider.KindConflict, backend, "update", fmt.Errorf("record %s no longer exists: %w", id, err))
		}
		return classify("update", err)
	}
	p.metrics.IncDNSRequest(backend, "update", zone, true)
	return nil
}

func (p *CloudflareProvider) Delete(ctx context.Context, zone string, rec record.Record) error {
	p.logger.Info("Deleting DNS record", "zone", zone, "name", rec.Name, "type", rec.Type)
	start := time.Now()

	zoneID, err := p.zoneID(ctx, zone)
	if err != nil {
		return err
	}
	for _, id := range provider.SplitIDs(rec.ProviderID) {
		if err := p.deleteValue(ctx, zone, zoneID, id); err != nil {
			return err
		}
	}

	p.logger.Debug("Deleted DNS record", "zone", zone, "name", rec.Name, "type", rec.Type, "duration", time.Since(start))
	return nil
}

func (p *CloudflareProvider) deleteValue(ctx context.Context, zone, zoneID, id string) error {
	err := p.client.DeleteDNSRecord(ctx, cloudflare.ZoneIdentifier(zoneID), id)
	if err != nil {
		if isMissing(err) {
			p.metrics.IncDNSRequest(backend, "delete", zone, true)
			p.logger.Debug("Record already deleted", "zone", zone, "id", id)
			return nil
		}
		p.metrics.IncDNSRequest(backend, "delete", zone, false)
		return classify("delete", err)
	}
	p.metrics.IncDNSRequest(backend, "delete", zone, true)
	return nil
}

const rateLimitMessage = "exceeded available rate limit retries"

var (
	httpStatusPattern = regexp.MustCompile(`\(HTTP (\d{3})\)`)
	errorCodePattern  = regexp.MustCompile(`\((\d{4,6})\)`)
)

// classify maps SDK errors onto the shared failure kinds. The SDK returns
// typed errors for most statuses; 429 and 5xx responses that exhaust its
// retry loop only carry a message.
func classify(op string, err error) error {
	var (
		rateLimit *cloudflare.RatelimitError
		service   *cloudflare.ServiceError
		authn     *cloudflare.AuthenticationError
		authz     *cloudflare.AuthorizationError
		notFound  *cloudflare.NotFoundError
		request   *cloudflare.RequestError
	)

	kind := provider.KindPermanent
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = provider.KindCancelled
	case errors.As(err, &rateLimit):
		kind = provider.KindRateLimited
	case errors.As(err, &service):
		kind = provider.KindTransient
	case errors.As(err, &authn), errors.As(err, &authz), errors.As(err, &notFound):
		kind = provider.KindPermanent
	case errors.As(err, &request):
		if hasCode(request.ErrorCodes(), conflictCodes) {
			kind = provider.KindConflict
		}
	default:
		kind = classifyMessage(err)
	}
	return provider.NewError(kind, backend, op, err)
}

func classifyMessage(err error) provider.Kind {
	msg := err.Error()
	// A 429 surfaces as this message once the SDK has no retries left.
	if strings.Contains(msg, rateLimitMessage) {
		return provider.KindRateLimited
	}
	if m := httpStatusPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		return provider.KindFromStatus(code)
	}
	if hasCode(messageCodes(msg), conflictCodes) {
		return provider.KindConflict
	}
	return provider.KindOf(err)
}

func messageCodes(msg string) []int {
	var codes []int
	for _, m := range errorCodePattern.FindAllStringSubmatch(msg, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			codes = append(codes, n)
		}
	}
	return codes
}

func isMissing(err error) bool {
	var notFound *cloudflare.NotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	var request *cloudflare.RequestError
	if errors.As(err, &request) {
		return hasCode(request.ErrorCodes(), missingCodes)
	}
	return hasCode(messageCodes(err.Error()), missingCodes)
}

func hasCode(codes, want []int) bool {
	for _, c := range codes {
		for _, w := range want {
			if c == w {
				return true
			}
		}
	}
	return false
}
