package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		zone      string
		recName   string
		typ       string
		values    []string
		ttl       time.Duration
		want      Record
		wantErrIs error
	}{
		{
			name:    "relative a record",
			zone:    "example.com",
			recName: "www",
			typ:     "a",
			values:  []string{"1.1.1.1"},
			ttl:     300 * time.Second,
			want:    Record{Name: "www.example.com.", Type: TypeA, Values: []string{"1.1.1.1"}, TTL: 300 * time.Second},
		},
		{
			name:    "apex txt is unquoted",
			zone:    "example.com.",
			recName: "@",
			typ:     "TXT",
			values:  []string{`"v=spf1 -all"`},
			want:    Record{Name: "example.com.", Type: TypeTXT, Values: []string{"v=spf1 -all"}},
		},
		{
			name:    "absolute name without trailing dot",
			zone:    "example.com",
			recName: "WWW.Example.com",
			typ:     "CNAME",
			values:  []string{"Target.example.net"},
			want:    Record{Name: "www.example.com.", Type: TypeCNAME, Values: []string{"target.example.net."}},
		},
		{
			name:    "values are sorted",
			zone:    "example.com",
			recName: "multi",
			typ:     "A",
			values:  []string{"2.2.2.2", "1.1.1.1"},
			want:    Record{Name: "multi.example.com.", Type: TypeA, Values: []string{"1.1.1.1", "2.2.2.2"}},
		},
		{
			name:    "mx target canonicalized",
			zone:    "example.com",
			recName: "@",
			typ:     "MX",
			values:  []string{"10 Mail.Example.com"},
			want:    Record{Name: "example.com.", Type: TypeMX, Values: []string{"10 mail.example.com."}},
		},
		{
			name:    "aaaa canonical form",
			zone:    "example.com",
			recName: "v6",
			typ:     "AAAA",
			values:  []string{"2001:DB8:0:0::1"},
			want:    Record{Name: "v6.example.com.", Type: TypeAAAA, Values: []string{"2001:db8::1"}},
		},
		{
			name:    "srv fields",
			zone:    "example.com",
			recName: "_sip._tcp",
			typ:     "SRV",
			values:  []string{"10 5 5060 sip.example.com"},
			want:    Record{Name: "_sip._tcp.example.com.", Type: TypeSRV, Values: []string{"10 5 5060 sip.example.com."}},
		},
		{
			name:      "ipv6 in an a record",
			zone:      "example.com",
			recName:   "www",
			typ:       "A",
			values:    []string{"2001:db8::1"},
			wantErrIs: ErrInvalidValue,
		},
		{
			name:      "unknown type",
			zone:      "example.com",
			recName:   "www",
			typ:       "BOGUS",
			values:    []string{"x"},
			wantErrIs: ErrInvalidType,
		},
		{
			name:      "cname with two values",
			zone:      "example.com",
			recName:   "www",
			typ:       "CNAME",
			values:    []string{"a.example.net", "b.example.net"},
			wantErrIs: ErrInvalidValue,
		},
		{
			name:      "no values",
			zone:      "example.com",
			recName:   "www",
			typ:       "A",
			wantErrIs: ErrInvalidValue,
		},
		{
			name:      "negative ttl",
			zone:      "example.com",
			recName:   "www",
			typ:       "A",
			values:    []string{"1.1.1.1"},
			ttl:       -time.Second,
			wantErrIs: ErrInvalidTTL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.zone, tt.recName, tt.typ, tt.values, tt.ttl)
			if tt.wantErrIs != nil {
				require.ErrorIs(t, err, tt.wantErrIs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckSet(t *testing.T) {
	a := Record{Name: "www.example.com.", Type: TypeA, Values: []string{"1.1.1.1"}}
	txt := Record{Name: "www.example.com.", Type: TypeTXT, Values: []string{"hello"}}
	cname := Record{Name: "www.example.com.", Type: TypeCNAME, Values: []string{"other.example.com."}}

	assert.NoError(t, CheckSet([]Record{a, txt}))
	assert.ErrorIs(t, CheckSet([]Record{a, a}), ErrDuplicateKey)
	assert.ErrorIs(t, CheckSet([]Record{a, cname}), ErrCNAMEConflict)
}

func TestChanged(t *testing.T) {
	observed := Record{Name: "www.example.com.", Type: TypeA, Values: []string{"1.1.1.1"}, TTL: 300 * time.Second, ProviderID: "1"}

	tests := []struct {
		name    string
		desired Record
		want    bool
	}{
		{"identical", Record{Name: observed.Name, Type: TypeA, Values: []string{"1.1.1.1"}, TTL: 300 * time.Second}, false},
		{"absent ttl is not compared", Record{Name: observed.Name, Type: TypeA, Values: []string{"1.1.1.1"}}, false},
		{"ttl differs", Record{Name: observed.Name, Type: TypeA, Values: []string{"1.1.1.1"}, TTL: time.Minute}, true},
		{"value differs", Record{Name: observed.Name, Type: TypeA, Values: []string{"2.2.2.2"}}, true},
		{"extra value", Record{Name: observed.Name, Type: TypeA, Values: []string{"1.1.1.1", "2.2.2.2"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Changed(tt.desired, observed))
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "www", RelativeName("example.com", "www.example.com."))
	assert.Equal(t, "a.b", RelativeName("example.com.", "a.b.example.com"))
	assert.Equal(t, "", RelativeName("example.com", "example.com."))
	assert.True(t, IsInZone("example.com", "deep.www.example.com."))
	assert.False(t, IsInZone("example.com", "badexample.com"))
	assert.Equal(t, "www.example.com", Bare("www.example.com."))

	_, err := CanonicalName("", "")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestTXTQuoting(t *testing.T) {
	assert.Equal(t, `"hello world"`, QuoteTXT("hello world"))
	assert.Equal(t, `"\"already\""`, QuoteTXT(`"already"`))
	assert.Equal(t, `"a\\b"`, QuoteTXT(`a\b`))
	assert.Equal(t, `say "hi"`, UnquoteTXT(`"say \"hi\""`))
	assert.Equal(t, "plain", UnquoteTXT("plain"))
}

func TestPriority(t *testing.T) {
	p, rest, err := SplitPriority("10 mail.example.com.")
	require.NoError(t, err)
	assert.Equal(t, uint16(10), p)
	assert.Equal(t, "mail.example.com.", rest)
	assert.Equal(t, "10 mail.example.com.", JoinPriority(p, rest))

	_, _, err = SplitPriority("mail.example.com.")
	assert.ErrorIs(t, err, ErrInvalidValue)
}
