package processor

import (
	"fmt"
	"math"
	"sort"
	"strings"

	goeval "github.com/edisonguo/govaluate"
	"github.com/nci/s2mosaic/utils"
)

// Reference computes the scalar a temporal-homogeneity selection is made
// on: either a single band or an arithmetic expression over band names
// such as (B02 + B03 + B04) / 3.
type Reference struct {
	Text  string
	Bands []string
	band  string
	expr  *goeval.EvaluableExpression
}

func ParseReference(text string) (*Reference, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "B02"
	}
	if utils.IsBand(strings.ToUpper(text)) {
		b := strings.ToUpper(text)
		return &Reference{Text: b, Bands: []string{b}, band: b}, nil
	}

	expr, err := goeval.NewEvaluableExpression(text)
	if err != nil {
		return nil, fmt.Errorf("Invalid reference expression %q: %v", text, err)
	}

	seen := make(map[string]bool)
	for _, token := range expr.Tokens() {
		if token.Kind != goeval.VARIABLE {
			continue
		}
		v, ok := token.Value.(string)
		if !ok {
			return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
		}
		if !utils.IsBand(v) {
			return nil, fmt.Errorf("Reference expression %q uses %q which is not a band name", text, v)
		}
		seen[v] = true
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("Reference expression %q does not use any band", text)
	}

	ref := &Reference{Text: text, expr: expr}
	for b := range seen {
		ref.Bands = append(ref.Bands, b)
	}
	sort.Strings(ref.Bands)
	return ref, nil
}

// Values computes the reference value for every valid pixel. Invalid
// pixels, and pixels whose expression does not evaluate to a finite
// number, are NaN.
func (r *Reference) Values(bands map[string][]uint16, valid []bool) ([]float64, error) {
	out := make([]float64, len(valid))

	if r.expr == nil {
		data, ok := bands[r.band]
		if !ok {
			return nil, fmt.Errorf("Reference band %s was not read", r.band)
		}
		for i := range out {
			if valid[i] {
				out[i] = float64(data[i])
			} else {
				out[i] = math.NaN()
			}
		}
		return out, nil
	}

	for _, b := range r.Bands {
		if _, ok := bands[b]; !ok {
			return nil, fmt.Errorf("Reference band %s was not read", b)
		}
	}
	params := make(map[string]interface{}, len(r.Bands))
	for i := range out {
		if !valid[i] {
			out[i] = math.NaN()
			continue
		}
		for _, b := range r.Bands {
			params[b] = float64(bands[b][i])
		}
		result, err := r.expr.Evaluate(params)
		if err != nil {
			return nil, fmt.Errorf("Error evaluating reference expression %q: %v", r.Text, err)
		}
		v, ok := result.(float64)
		if !ok || math.IsInf(v, 0) {
			v = math.NaN()
		}
		out[i] = v
	}
	return out, nil
}
