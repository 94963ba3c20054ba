package route53

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"
	"github.com/evanofslack/cloud-dns-sync/internal/config"
	"github.com/evanofslack/cloud-dns-sync/internal/metrics"
	"github.com/evanofslack/cloud-dns-sync/internal/provider"
	"github.com/evanofslack/cloud-dns-sync/internal/record"
)

const (
	backend       = "route53"
	defaultRegion = "us-east-1"
	defaultTTL    = 30 * time.Second
	// txtChunk is the longest character-string a TXT value may hold.
	txtChunk = 255
)

// API is the part of the Route 53 client the provider calls.
type API interface {
	ListHostedZonesByName(ctx context.Context, params *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

type Route53Provider struct {
	api     API
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	zones map[string]string // zone name to hosted zone id
	// reserved holds, per zone, the keys of alias and routing policy sets
	// seen by the last List.
	reserved map[string][]record.Key
}

// New loads AWS credentials from the shared config, optionally for a named
// profile. The SDK retryer is replaced by a no-op one.
func New(ctx context.Context, cfg config.Route53, metrics *metrics.Metrics) (*Route53Provider, error) {
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewWithAPI(route53.NewFromConfig(awsCfg), metrics), nil
}

func NewWithAPI(api API, metrics *metrics.Metrics) *Route53Provider {
	return &Route53Provider{
		api:     api,
		metrics: metrics,
		logger:  slog.Default().With("backend", backend),
		zones:    make(map[string]string),
		reserved: make(map[string][]record.Key),
	}
}

func (p *Route53Provider) Name() string { return backend }

func (p *Route53Provider) hostedZoneID(ctx context.Context, zone string) (string, error) {
	name := strings.ToLower(record.Bare(zone)) + "."

	p.mu.Lock()
	id, ok := p.zones[name]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	out, err := p.api.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
		DNSName:  aws.String(name),
		MaxItems: aws.Int32(1),
	})
	if err != nil {
		p.metrics.IncDNSRequest(backend, "read", zone, false)
		return "", classify("zone", err)
	}
	p.metrics.IncDNSRequest(backend, "read", zone, true)

	// Results start at DNSName, so the first zone is either ours or a later one.
	if len(out.HostedZones) == 0 || !strings.EqualFold(aws.ToString(out.HostedZones[0].Name), name) {
		return "", provider.NewError(provider.KindPermanent, backend, "zone", fmt.Errorf("%w: %s", provider.ErrZoneNotFound, zone))
	}
	id = aws.ToString(out.HostedZones[0].Id)
	p.mu.Lock()
	p.zones[name] = id
	p.mu.Unlock()
	return id, nil
}

func (p *Route53Provider) List(ctx context.Context, zone string) ([]record.Record, error) {
	p.logger.Debug("Getting DNS records", "zone", zone)
	start := time.Now()

	zoneID, err := p.hostedZoneID(ctx, zone)
	if err != nil {
		return nil, err
	}

	var result []record.Record
	var reserved []record.Key
	input := &route53.ListResourceRecordSetsInput{HostedZoneId: aws.String(zoneID)}
	for page := 1; ; page++ {
		out, err := p.api.ListResourceRecordSets(ctx, input)
		if err != nil {
			p.metrics.IncDNSRequest(backend, "list", zone, false)
			if page > 1 {
				return nil, provider.NewError(provider.KindListIncomplete, backend, "list",
					fmt.Errorf("page %d of zone %s: %w", page, zone, err))
			}
			return nil, classify("list", err)
		}
		p.metrics.IncDNSRequest(backend, "list", zone, true)

		for _, set := range out.ResourceRecordSets {
			if key, ok := reservedKey(set); ok {
				reserved = append(reserved, key)
			}
			rec, err := fromRecordSet(set)
			if err != nil {
				p.logger.Debug("Skipping unsupported record set", "name", aws.ToString(set.Name), "type", set.Type, "error", err)
				continue
			}
			result = append(result, rec)
		}

		if !out.IsTruncated {
			break
		}
		input = &route53.ListResourceRecordSetsInput{
			HostedZoneId:          aws.String(zoneID),
			StartRecordName:       out.NextRecordName,
			StartRecordType:       out.NextRecordType,
			StartRecordIdentifier: out.NextRecordIdentifier,
		}
	}

	p.mu.Lock()
	p.reserved[zoneID] = slices.Compact(sortKeys(reserved))
	p.mu.Unlock()

	record.Sort(result)
	p.logger.Debug("Retrieved DNS records", "zone", zone, "count", len(result), "duration", time.Since(start))
	return result, nil
}

// Reserved returns the keys of alias and routing policy record sets in zone
// as of the last List. List leaves these sets out, and a plain set written
// next to them would be rejected by Route 53.
func (p *Route53Provider) Reserved(zone string) []record.Key {
	name := strings.ToLower(record.Bare(zone)) + "."

	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.reserved[p.zones[name]])
}

func reservedKey(set types.ResourceRecordSet) (record.Key, bool) {
	if set.AliasTarget == nil && set.SetIdentifier == nil {
		return record.Key{}, false
	}
	name, err := record.CanonicalName("", unescapeName(aws.ToString(set.Name)))
	if err != nil {
		return record.Key{}, false
	}
	return record.Key{Name: name, Type: record.Type(set.Type)}, true
}

func sortKeys(keys []record.Key) []record.Key {
	slices.SortFunc(keys, func(a, b record.Key) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(string(a.Type), string(b.Type))
	})
	return keys
}

func fromRecordSet(set types.ResourceRecordSet) (record.Record, error) {
	if set.AliasTarget != nil {
		return record.Record{}, errors.New("alias records are not managed")
	}
	if set.SetIdentifier != nil {
		return record.Record{}, errors.New("routing policy records are not managed")
	}
	typ, err := record.ParseType(string(set.Type))
	if err != nil {
		return record.Record{}, err
	}
	if typ == record.TypeSOA {
		return record.Record{}, fmt.Errorf("%s records are not managed", typ)
	}

	values := make([]string, 0, len(set.ResourceRecords))
	for _, rr := range set.ResourceRecords {
		v := aws.ToString(rr.Value)
		if typ == record.TypeTXT {
			v = joinTXT(v)
		}
		values = append(values, v)
	}

	rec, err := record.Normalize("", record.Record{
		Name:   unescapeName(aws.ToString(set.Name)),
		Type:   typ,
		Values: values,
		TTL:    time.Duration(aws.ToInt64(set.TTL)) * time.Second,
	})
	if err != nil {
		return record.Record{}, err
	}
	rec.ProviderID = providerID(rec)
	return rec, nil
}

func providerID(rec record.Record) string {
	return rec.Name + "|" + string(rec.Type)
}

// unescapeName undoes the octal escaping Route 53 applies to wildcards.
func unescapeName(name string) string {
	return strings.ReplaceAll(name, `\052`, "*")
}

// joinTXT concatenates the character-strings of a TXT value the way
// resolvers present them, undoing backslash and octal escapes.
func joinTXT(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, `"`) {
		return v
	}
	var b strings.Builder
	quoted := false
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c == '\\' && i+3 < len(v) && isOctal(v[i+1:i+4]):
			n, _ := strconv.ParseUint(v[i+1:i+4], 8, 8)
			b.WriteByte(byte(n))
			i += 3
		case c == '\\' && i+1 < len(v):
			i++
			b.WriteByte(v[i])
		case c == '"':
			quoted = !quoted
		case quoted:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isOctal(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '7' {
			return false
		}
	}
	return s <= "377"
}

// splitTXT quotes v as character-strings of at most 255 bytes each.
func splitTXT(v string) string {
	var chunks []string
	for len(v) > txtChunk {
		chunks = append(chunks, record.QuoteTXT(v[:txtChunk]))
		v = v[txtChunk:]
	}
	chunks = append(chunks, record.QuoteTXT(v))
	return strings.Join(chunks, " ")
}

func toRecordSet(rec record.Record) *types.ResourceRecordSet {
	ttl := rec.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	rrs := make([]types.ResourceRecord, 0, len(rec.Values))
	for _, v := range rec.Values {
		if rec.Type == record.TypeTXT {
			v = splitTXT(v)
		}
		rrs = append(rrs, types.ResourceRecord{Value: aws.String(v)})
	}
	return &types.ResourceRecordSet{
		Name:            aws.String(rec.Name),
		Type:            types.RRType(rec.Type),
		TTL:             aws.Int64(int64(ttl.Seconds())),
		ResourceRecords: rrs,
	}
}

func (p *Route53Provider) change(ctx context.Context, zone, op string, action types.ChangeAction, rec record.Record) error {
	zoneID, err := p.hostedZoneID(ctx, zone)
	if err != nil {
		return err
	}

	_, err = p.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("cloud-dns-sync " + op),
			Changes: []types.Change{{
				Action:            action,
				ResourceRecordSet: toRecordSet(rec),
			}},
		},
	})
	if err != nil {
		p.metrics.IncDNSRequest(backend, op, zone, false)
		return err
	}
	p.metrics.IncDNSRequest(backend, op, zone, true)
	return nil
}

func (p *Route53Provider) Create(ctx context.Context, zone string, rec record.Record) (record.Record, error) {
	p.logger.Info("Creating DNS record", "zone", zone, "name", rec.Name, "type", rec.Type, "values", rec.Values)

	if err := p.change(ctx, zone, "create", types.ChangeActionCreate, rec); err != nil {
		return record.Record{}, classify("create", err)
	}
	out := rec.Clone()
	out.ProviderID = providerID(rec)
	return out, nil
}

// Update upserts the whole record set. Route 53 addresses sets by name and
// type, so providerID only has to agree with rec.
func (p *Route53Provider) Update(ctx context.Context, zone, id string, rec record.Record) (record.Record, error) {
	p.logger.Info("Updating DNS record", "zone", zone, "name", rec.Name, "type", rec.Type, "values", rec.Values)

	if id != "" && id != providerID(rec) {
		return record.Record{}, provider.NewError(provider.KindPermanent, backend, "update",
			fmt.Errorf("provider id %q does not match %s", id, rec.Key()))
	}
	if err := p.change(ctx, zone, "update", types.ChangeActionUpsert, rec); err != nil {
		return record.Record{}, classify("update", err)
	}
	out := rec.Clone()
	out.ProviderID = providerID(rec)
	return out, nil
}

// Delete needs the observed values and TTL, Route 53 refuses a DELETE that
// does not match the stored set exactly.
func (p *Route53Provider) Delete(ctx context.Context, zone string, rec record.Record) error {
	p.logger.Info("Deleting DNS record", "zone", zone, "name", rec.Name, "type", rec.Type)

	err := p.change(ctx, zone, "delete", types.ChangeActionDelete, rec)
	if err != nil && apiCode(err) == "InvalidChangeBatch" && strings.Contains(apiMessage(err), "not found") {
		p.logger.Debug("Record already deleted", "zone", zone, "name", rec.Name, "type", rec.Type)
		return nil
	}
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func apiMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorMessage()
	}
	return err.Error()
}

// classify maps Route 53 API error codes onto the shared failure kinds.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return provider.NewError(provider.KindCancelled, backend, op, err)
	}

	kind := provider.KindPermanent
	switch code := apiCode(err); code {
	case "Throttling", "ThrottlingException", "PriorRequestNotComplete":
		kind = provider.KindRateLimited
	case "ServiceUnavailable", "InternalFailure", "InternalError":
		kind = provider.KindTransient
	case "InvalidChangeBatch":
		msg := apiMessage(err)
		if strings.Contains(msg, "already exists") || strings.Contains(msg, "do not match") {
			kind = provider.KindConflict
		}
	case "":
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			kind = provider.KindFromStatus(respErr.HTTPStatusCode())
		} else {
			kind = provider.KindOf(err)
		}
	}
	return provider.NewError(kind, backend, op, err)
}
