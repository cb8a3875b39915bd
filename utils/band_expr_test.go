package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBandExpressions(t *testing.T) {
	be, err := ParseBandExpressions([]string{
		"NDVI=(SR_B5-SR_B4)/(SR_B5+SR_B4)",
		" SR_B4 ",
		"",
		"water = SR_B5 < SR_B4",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"NDVI", "SR_B4", "water"}, be.ExprNames)
	assert.Equal(t, []string{"(SR_B5-SR_B4)/(SR_B5+SR_B4)", "SR_B4", "SR_B5 < SR_B4"}, be.ExprText)
	assert.Equal(t, []string{"SR_B5", "SR_B4"}, be.VarList)
	assert.Equal(t, [][]string{{"SR_B5", "SR_B4"}, {"SR_B4"}, {"SR_B5", "SR_B4"}}, be.ExprVarRef)

	params := map[string]interface{}{"SR_B4": 0.1, "SR_B5": 0.3}
	v, err := be.EvaluateFloat(0, params)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 1e-12)

	v, err = be.EvaluateFloat(2, params)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	_, err = be.EvaluateFloat(0, map[string]interface{}{"SR_B4": 0.1})
	assert.Error(t, err)
}

func TestParseBandExpressionsErrors(t *testing.T) {
	_, err := ParseBandExpressions([]string{" ", ""})
	assert.Error(t, err)

	_, err = ParseBandExpressions([]string{"NDVI=(SR_B5-"})
	assert.Error(t, err)
}

func TestEqualityIsNotAName(t *testing.T) {
	be, err := ParseBandExpressions([]string{"SR_B4==SR_B5"})
	require.NoError(t, err)
	assert.Equal(t, "SR_B4==SR_B5", be.ExprNames[0])
}
