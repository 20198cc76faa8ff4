package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationKey(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	vars := []byte(`{"orderId":"order-42","count":42,"ratio":0.5,"tags":["a"],"region":"eu"}`)

	cases := []struct {
		expr string
		want string
		err  error
	}{
		{expr: `vars.orderId`, want: "order-42"},
		{expr: `"order-" + vars.region`, want: "order-eu"},
		{expr: `vars.count`, want: "42"},
		{expr: `7`, want: "7"},
		{expr: `vars.ratio`, err: ErrInvalidCorrelationKey},
		{expr: `vars.tags`, err: ErrInvalidCorrelationKey},
		{expr: `vars.missing`, err: ErrInvalidExpression},
		{expr: `vars.(`, err: ErrInvalidExpression},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := e.CorrelationKey(tc.expr, vars)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMessageName(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	name, err := e.MessageName(`"order-" + vars.kind`, []byte(`{"kind":"paid"}`))
	require.NoError(t, err)
	assert.Equal(t, "order-paid", name)

	_, err = e.MessageName(`""`, nil)
	assert.ErrorIs(t, err, ErrInvalidMessageName)
	_, err = e.MessageName(`1`, nil)
	assert.ErrorIs(t, err, ErrInvalidMessageName)
	_, err = e.MessageName(`vars.kind`, []byte(`[1]`))
	assert.ErrorIs(t, err, ErrInvalidExpression)
}

func TestProgramsAreCached(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := e.CorrelationKey(`vars.id`, []byte(`{"id":"x"}`))
		require.NoError(t, err)
	}
	assert.Len(t, e.progs, 1)
}
