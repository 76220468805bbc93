package model

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueJSONRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		json string
	}{
		{"null", Null(), "null"},
		{"bool", Bool(true), "true"},
		{"int", Int(-42), "-42"},
		{"uint", Uint(math.MaxUint64), "18446744073709551615"},
		{"float", Float(3.5), "3.5"},
		{"string", String("pump room"), `"pump room"`},
		{"list", List(Int(1), Int(2), Int(3)), "[1,2,3]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.v)
			require.NoError(t, err)
			assert.Equal(t, tc.json, string(data))

			var back Value
			require.NoError(t, json.Unmarshal(data, &back))
			assert.True(t, back.Equal(tc.v), "round trip changed %s", tc.v)
		})
	}
}

func TestValueUnmarshalPicksNarrowestNumber(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte("7"), &v))
	assert.Equal(t, KindInt, v.Kind())

	// Beyond int64 range but within uint64.
	require.NoError(t, json.Unmarshal([]byte("9223372036854775808"), &v))
	assert.Equal(t, KindUint, v.Kind())

	require.NoError(t, json.Unmarshal([]byte("2.5"), &v))
	assert.Equal(t, KindFloat, v.Kind())
}

func TestValueUnwrap(t *testing.T) {
	assert.True(t, List(Int(5)).Unwrap().Equal(Int(5)))
	// Multi-element lists stay lists.
	assert.Equal(t, KindList, List(Int(1), Int(2)).Unwrap().Kind())
	assert.Equal(t, KindInt, Int(9).Unwrap().Kind())
}

func TestValueNumericCrossKindCompare(t *testing.T) {
	assert.True(t, Int(5).Equal(Uint(5)))
	assert.True(t, Int(5).Equal(Float(5.0)))

	gt, ok := Float(5.5).Greater(Int(5))
	require.True(t, ok)
	assert.True(t, gt)

	lt, ok := Uint(3).Less(Float(3.5))
	require.True(t, ok)
	assert.True(t, lt)
}

func TestValueIncompatibleCompare(t *testing.T) {
	assert.False(t, String("5").Equal(Int(5)))
	assert.False(t, Bool(true).Equal(Int(1)))

	_, ok := String("a").Less(Int(1))
	assert.False(t, ok)
	_, ok = Bool(true).Greater(Bool(false))
	assert.False(t, ok)
}

func TestValueCoercions(t *testing.T) {
	i, ok := Float(4.0).AsInt64()
	require.True(t, ok)
	assert.Equal(t, int64(4), i)

	// Fractional floats never truncate silently.
	_, ok = Float(4.5).AsInt64()
	assert.False(t, ok)

	_, ok = Int(-1).AsUint64()
	assert.False(t, ok)

	b, ok := Int(2).AsBool()
	require.True(t, ok)
	assert.True(t, b)

	_, ok = String("true").AsBool()
	assert.False(t, ok)
}

func TestValueSQLRoundTrip(t *testing.T) {
	raw, err := List(Bool(true), Bool(false)).Value()
	require.NoError(t, err)

	var back Value
	require.NoError(t, back.Scan(raw))
	assert.True(t, back.Equal(List(Bool(true), Bool(false))))

	var null Value
	require.NoError(t, null.Scan(nil))
	assert.True(t, null.IsNull())
}

func TestAlarmConfigTriggered(t *testing.T) {
	cfg := AlarmConfig{Operator: OpGreaterThan, TriggerValue: Int(100)}
	assert.True(t, cfg.Triggered(Float(100.5)))
	assert.False(t, cfg.Triggered(Int(100)))
	// Incompatible kinds never trigger.
	assert.False(t, cfg.Triggered(String("high")))

	eq := AlarmConfig{Operator: OpEquals, TriggerValue: Bool(true)}
	assert.True(t, eq.Triggered(Bool(true)))
	assert.False(t, eq.Triggered(Int(1)))
}

func TestTagReadCount(t *testing.T) {
	cases := []struct {
		dt     DataType
		amount int
		want   int
	}{
		{TypeInt16, 3, 3},
		{TypeFloat32, 2, 4},
		{TypeUint64, 1, 4},
		{TypeString, 7, 4},
		{TypeString, 8, 4},
		{TypeBool, 5, 5},
	}
	for _, tc := range cases {
		tag := Tag{Alias: "t", DataType: tc.dt, ReadAmount: tc.amount}
		got, err := tag.ReadCount()
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s x%d", tc.dt, tc.amount)
	}

	bad := Tag{Alias: "t", DataType: TypeInt16, ReadAmount: 0}
	_, err := bad.ReadCount()
	assert.Error(t, err)
}
