package utils

import (
	"fmt"
	"regexp"
	"strings"

	goeval "github.com/edisonguo/govaluate"
)

// BandExpressions holds parsed band math expressions such as
// "NDVI=(SR_B5-SR_B4)/(SR_B5+SR_B4)". An entry without '=' is named
// after its own text, so a bare band name selects that band.
type BandExpressions struct {
	ExprText    []string
	ExprNames   []string
	Expressions []*goeval.EvaluableExpression
	ExprVarRef  [][]string
	VarList     []string
}

var reNamedExpr = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=([^=].*)$`)

func ParseBandExpressions(bands []string) (*BandExpressions, error) {
	be := &BandExpressions{}
	varFound := make(map[string]bool)
	for _, band := range bands {
		band = strings.TrimSpace(band)
		if len(band) == 0 {
			continue
		}

		name := band
		text := band
		if m := reNamedExpr.FindStringSubmatch(band); m != nil {
			name = m[1]
			text = strings.TrimSpace(m[2])
		}

		expr, err := goeval.NewEvaluableExpression(text)
		if err != nil {
			return nil, fmt.Errorf("invalid band expression %q: %v", text, err)
		}

		var refs []string
		refFound := make(map[string]bool)
		for _, token := range expr.Tokens() {
			if token.Kind != goeval.VARIABLE {
				continue
			}
			v, ok := token.Value.(string)
			if !ok || refFound[v] {
				continue
			}
			refFound[v] = true
			refs = append(refs, v)
			if !varFound[v] {
				varFound[v] = true
				be.VarList = append(be.VarList, v)
			}
		}

		be.ExprText = append(be.ExprText, text)
		be.ExprNames = append(be.ExprNames, name)
		be.Expressions = append(be.Expressions, expr)
		be.ExprVarRef = append(be.ExprVarRef, refs)
	}

	if len(be.Expressions) == 0 {
		return nil, fmt.Errorf("no band expressions given")
	}
	return be, nil
}

// EvaluateFloat evaluates expression ix with the given parameters and
// coerces the result to float64. Booleans map to 1 and 0.
func (be *BandExpressions) EvaluateFloat(ix int, params map[string]interface{}) (float64, error) {
	result, err := be.Expressions[ix].Evaluate(params)
	if err != nil {
		return 0, fmt.Errorf("eval '%v' error: %v", be.ExprText[ix], err)
	}
	switch v := result.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("eval '%v' returned %T, not a number", be.ExprText[ix], result)
	}
}
