package token

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		want    *big.Int
		wantErr bool
	}{
		{name: "one token", amount: "1", want: big.NewInt(1_000_000)},
		{name: "one token with decimal", amount: "1.0", want: big.NewInt(1_000_000)},
		{name: "one fifty", amount: "1.50", want: big.NewInt(1_500_000)},
		{name: "one cent", amount: "0.01", want: big.NewInt(10_000)},
		{name: "smallest unit", amount: "0.000001", want: big.NewInt(1)},
		{name: "large amount", amount: "1234.567890", want: big.NewInt(1_234_567_890)},
		{name: "truncates extra decimals", amount: "1.1234567890", want: big.NewInt(1_123_456)},
		{name: "empty string", amount: "", wantErr: true},
		{name: "negative", amount: "-1.50", wantErr: true},
		{name: "not a number", amount: "abc", wantErr: true},
		{name: "multiple decimal points", amount: "1.2.3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.amount)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, tt.want.Cmp(got), "expected %s, got %s", tt.want, got)
		})
	}
}

func TestParseUnits(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{name: "plain integer", in: "1000000", want: 1_000_000},
		{name: "zero", in: "0", want: 0},
		{name: "empty", in: "", wantErr: true},
		{name: "negative", in: "-5", wantErr: true},
		{name: "decimal point rejected", in: "1.5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUnits(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name   string
		amount *big.Int
		want   string
	}{
		{name: "nil", amount: nil, want: "0.000000"},
		{name: "zero", amount: big.NewInt(0), want: "0.000000"},
		{name: "one token", amount: big.NewInt(1_000_000), want: "1.000000"},
		{name: "smallest unit", amount: big.NewInt(1), want: "0.000001"},
		{name: "negative", amount: big.NewInt(-1_500_000), want: "-1.500000"},
		{name: "large", amount: big.NewInt(1_234_567_890), want: "1234.567890"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.amount))
		})
	}
}

func TestSplitFee(t *testing.T) {
	tests := []struct {
		name    string
		gross   int64
		rate    float64
		wantNet string
		wantFee string
		wantErr bool
	}{
		{name: "even split", gross: 1_000_000, rate: 0.15, wantNet: "850000", wantFee: "150000"},
		{name: "floored fee", gross: 1_000_001, rate: 0.15, wantNet: "850001", wantFee: "150000"},
		{name: "zero rate", gross: 500, rate: 0, wantNet: "500", wantFee: "0"},
		{name: "small gross floors to zero fee", gross: 3, rate: 0.15, wantNet: "3", wantFee: "0"},
		{name: "zero gross", gross: 0, rate: 0.15, wantErr: true},
		{name: "rate one", gross: 100, rate: 1.0, wantErr: true},
		{name: "negative rate", gross: 100, rate: -0.1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net, fee, err := SplitFee(big.NewInt(tt.gross), tt.rate)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantNet, net.String())
			assert.Equal(t, tt.wantFee, fee.String())

			// net + fee must reconstruct gross exactly
			sum := new(big.Int).Add(net, fee)
			assert.Equal(t, tt.gross, sum.Int64())
		})
	}
}
