package route53

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"
	"github.com/evanofslack/cloud-dns-sync/internal/metrics"
	"github.com/evanofslack/cloud-dns-sync/internal/provider"
	"github.com/evanofslack/cloud-dns-sync/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) ListHostedZonesByName(ctx context.Context, params *route53.ListHostedZonesByNameInput, _ ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*route53.ListHostedZonesByNameOutput)
	return out, args.Error(1)
}

func (m *MockAPI) ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*route53.ListResourceRecordSetsOutput)
	return out, args.Error(1)
}

func (m *MockAPI) ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*route53.ChangeResourceRecordSetsOutput)
	return out, args.Error(1)
}

func newTestProvider() (*Route53Provider, *MockAPI) {
	api := &MockAPI{}
	api.On("ListHostedZonesByName", mock.Anything, mock.Anything).Return(&route53.ListHostedZonesByNameOutput{
		HostedZones: []types.HostedZone{{Id: aws.String("/hostedzone/Z1"), Name: aws.String("example.com.")}},
	}, nil).Once()
	return NewWithAPI(api, metrics.New(false)), api
}

func rrs(values ...string) []types.ResourceRecord {
	out := make([]types.ResourceRecord, len(values))
	for i, v := range values {
		out[i] = types.ResourceRecord{Value: aws.String(v)}
	}
	return out
}

func TestList(t *testing.T) {
	p, api := newTestProvider()
	api.On("ListResourceRecordSets", mock.Anything, mock.MatchedBy(func(in *route53.ListResourceRecordSetsInput) bool {
		return in.StartRecordName == nil
	})).Return(&route53.ListResourceRecordSetsOutput{
		ResourceRecordSets: []types.ResourceRecordSet{
			{Name: aws.String("example.com."), Type: types.RRTypeSoa, TTL: aws.Int64(900), ResourceRecords: rrs("ns hostmaster 1 2 3 4 5")},
			{Name: aws.String(`\052.example.com.`), Type: types.RRTypeA, TTL: aws.Int64(60), ResourceRecords: rrs("2.2.2.2", "1.1.1.1")},
			{Name: aws.String("alias.example.com."), Type: types.RRTypeA, AliasTarget: &types.AliasTarget{DNSName: aws.String("lb.amazonaws.com.")}},
			{Name: aws.String("geo.example.com."), Type: types.RRTypeA, SetIdentifier: aws.String("eu"), TTL: aws.Int64(60), ResourceRecords: rrs("3.3.3.3")},
			{Name: aws.String("geo.example.com."), Type: types.RRTypeA, SetIdentifier: aws.String("us"), TTL: aws.Int64(60), ResourceRecords: rrs("4.4.4.4")},
		},
		IsTruncated:    true,
		NextRecordName: aws.String("txt.example.com."),
		NextRecordType: types.RRTypeTxt,
	}, nil).Once()
	api.On("ListResourceRecordSets", mock.Anything, mock.MatchedBy(func(in *route53.ListResourceRecordSetsInput) bool {
		return aws.ToString(in.StartRecordName) == "txt.example.com."
	})).Return(&route53.ListResourceRecordSetsOutput{
		ResourceRecordSets: []types.ResourceRecordSet{
			{Name: aws.String("txt.example.com."), Type: types.RRTypeTxt, TTL: aws.Int64(300), ResourceRecords: rrs(`"part one " "part two"`)},
		},
	}, nil).Once()

	got, err := p.List(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []record.Record{
		{Name: "*.example.com.", Type: record.TypeA, Values: []string{"1.1.1.1", "2.2.2.2"}, TTL: time.Minute, ProviderID: "*.example.com.|A"},
		{Name: "txt.example.com.", Type: record.TypeTXT, Values: []string{"part one part two"}, TTL: 5 * time.Minute, ProviderID: "txt.example.com.|TXT"},
	}, got)
	assert.Equal(t, []record.Key{
		{Name: "alias.example.com.", Type: record.TypeA},
		{Name: "geo.example.com.", Type: record.TypeA},
	}, p.Reserved("example.com."))
	assert.Empty(t, p.Reserved("other.com"))
	api.AssertExpectations(t)
}

func TestListIncomplete(t *testing.T) {
	p, api := newTestProvider()
	api.On("ListResourceRecordSets", mock.Anything, mock.MatchedBy(func(in *route53.ListResourceRecordSetsInput) bool {
		return in.StartRecordName == nil
	})).Return(&route53.ListResourceRecordSetsOutput{IsTruncated: true, NextRecordName: aws.String("b.example.com."), NextRecordType: types.RRTypeA}, nil).Once()
	api.On("ListResourceRecordSets", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "try later"}).Once()

	_, err := p.List(context.Background(), "example.com")
	assert.Equal(t, provider.KindListIncomplete, provider.KindOf(err))
}

func TestZoneNotFound(t *testing.T) {
	api := &MockAPI{}
	api.On("ListHostedZonesByName", mock.Anything, mock.Anything).Return(&route53.ListHostedZonesByNameOutput{
		HostedZones: []types.HostedZone{{Id: aws.String("/hostedzone/Z2"), Name: aws.String("other.com.")}},
	}, nil)
	p := NewWithAPI(api, metrics.New(false))

	_, err := p.List(context.Background(), "example.com")
	assert.ErrorIs(t, err, provider.ErrZoneNotFound)
	assert.Equal(t, provider.KindPermanent, provider.KindOf(err))
}

func TestCreateQuotesTXT(t *testing.T) {
	p, api := newTestProvider()
	api.On("ChangeResourceRecordSets", mock.Anything, mock.MatchedBy(func(in *route53.ChangeResourceRecordSetsInput) bool {
		c := in.ChangeBatch.Changes[0]
		return c.Action == types.ChangeActionCreate &&
			aws.ToString(c.ResourceRecordSet.Name) == "www.example.com." &&
			aws.ToString(c.ResourceRecordSet.ResourceRecords[0].Value) == `"hello world"` &&
			aws.ToInt64(c.ResourceRecordSet.TTL) == 30
	})).Return(&route53.ChangeResourceRecordSetsOutput{}, nil).Once()

	got, err := p.Create(context.Background(), "example.com", record.Record{Name: "www.example.com.", Type: record.TypeTXT, Values: []string{"hello world"}})
	require.NoError(t, err)
	assert.Equal(t, "www.example.com.|TXT", got.ProviderID)
	api.AssertExpectations(t)
}

func TestChangeErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want provider.Kind
	}{
		{"exists", &smithy.GenericAPIError{Code: "InvalidChangeBatch", Message: "Tried to create resource record set but it already exists"}, provider.KindConflict},
		{"throttled", &smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}, provider.KindRateLimited},
		{"pending", &smithy.GenericAPIError{Code: "PriorRequestNotComplete", Message: "busy"}, provider.KindRateLimited},
		{"unavailable", &smithy.GenericAPIError{Code: "ServiceUnavailable", Message: "down"}, provider.KindTransient},
		{"invalid", &smithy.GenericAPIError{Code: "InvalidInput", Message: "bad name"}, provider.KindPermanent},
		{"cancelled", context.Canceled, provider.KindCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, api := newTestProvider()
			api.On("ChangeResourceRecordSets", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			_, err := p.Create(context.Background(), "example.com", record.Record{Name: "www.example.com.", Type: record.TypeA, Values: []string{"1.1.1.1"}})
			assert.Equal(t, tt.want, provider.KindOf(err))
		})
	}
}

func TestDeleteMissingSucceeds(t *testing.T) {
	p, api := newTestProvider()
	api.On("ChangeResourceRecordSets", mock.Anything, mock.Anything).Return(nil, &smithy.GenericAPIError{
		Code:    "InvalidChangeBatch",
		Message: "Tried to delete resource record set [name='www.example.com.', type='A'] but it was not found",
	}).Once()

	err := p.Delete(context.Background(), "example.com", record.Record{Name: "www.example.com.", Type: record.TypeA, Values: []string{"1.1.1.1"}, TTL: time.Minute})
	assert.NoError(t, err)
}

func TestDeleteMismatchConflicts(t *testing.T) {
	p, api := newTestProvider()
	api.On("ChangeResourceRecordSets", mock.Anything, mock.Anything).Return(nil, &smithy.GenericAPIError{
		Code:    "InvalidChangeBatch",
		Message: "Tried to delete resource record set but the values provided do not match the current values",
	}).Once()

	err := p.Delete(context.Background(), "example.com", record.Record{Name: "www.example.com.", Type: record.TypeA, Values: []string{"1.1.1.1"}, TTL: time.Minute})
	assert.Equal(t, provider.KindConflict, provider.KindOf(err))
}

func TestUpdateUpserts(t *testing.T) {
	p, api := newTestProvider()
	api.On("ChangeResourceRecordSets", mock.Anything, mock.MatchedBy(func(in *route53.ChangeResourceRecordSetsInput) bool {
		return in.ChangeBatch.Changes[0].Action == types.ChangeActionUpsert
	})).Return(&route53.ChangeResourceRecordSetsOutput{}, nil).Once()

	rec := record.Record{Name: "www.example.com.", Type: record.TypeA, Values: []string{"3.3.3.3"}}
	_, err := p.Update(context.Background(), "example.com", "www.example.com.|A", rec)
	require.NoError(t, err)

	_, err = p.Update(context.Background(), "example.com", "other.example.com.|A", rec)
	assert.Equal(t, provider.KindPermanent, provider.KindOf(err))
	api.AssertExpectations(t)
}

func TestSplitTXT(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	split := splitTXT(string(long))
	assert.Equal(t, string(long), joinTXT(split))
	assert.Equal(t, `"short"`, splitTXT("short"))

	tests := []string{
		`"quoted"`,
		`say "hi"`,
		`back\slash`,
		`"` + strings.Repeat("b", 253) + `""tail"`,
	}
	for _, v := range tests {
		t.Run(v, func(t *testing.T) {
			assert.Equal(t, v, joinTXT(splitTXT(v)))
		})
	}
	assert.Equal(t, `"\"quoted\""`, splitTXT(`"quoted"`))
	// The first chunk starts and ends with a quote, both are escaped.
	bs := strings.Repeat("b", 253)
	assert.Equal(t, `"\"`+bs+`\"" "\"tail\""`, splitTXT(`"`+bs+`""tail"`))
	assert.Equal(t, "caf\xc3\xa9", joinTXT(`"caf\303\251"`))
	assert.True(t, errors.Is(provider.NewError(provider.KindPermanent, "x", "y", provider.ErrZoneNotFound), provider.ErrZoneNotFound))
}
