// Package host_filter builds hostname predicates used to clear parts of the
// host cache.
package host_filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
	"go.uber.org/zap"

	"github.com/pmkol/hostcache/pkg/utils"
)

// Filter reports whether hostname is selected. A nil Filter selects every
// hostname.
type Filter func(hostname string) bool

const hostnameParam = "hostname"

var nopLogger = zap.NewNop()

// New builds a Filter from a suffix list and an expression. When both are
// given a hostname must match both. When both are empty New returns nil.
func New(suffixes []string, expr string, lg *zap.Logger) (Filter, error) {
	sf := NewSuffixFilter(suffixes)
	if len(strings.TrimSpace(expr)) == 0 {
		return sf, nil
	}
	ef, err := NewExprFilter(expr, lg)
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return ef, nil
	}
	return func(hostname string) bool {
		return sf(hostname) && ef(hostname)
	}, nil
}

// NewSuffixFilter selects hostnames equal to or under one of the domains.
// It returns nil if suffixes has no non-empty element.
func NewSuffixFilter(suffixes []string) Filter {
	set := make(map[string]struct{}, len(suffixes))
	for _, s := range suffixes {
		s = utils.NormalizeHostname(strings.TrimPrefix(strings.TrimSpace(s), "."))
		if len(s) > 0 {
			set[s] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return func(hostname string) bool {
		h := utils.NormalizeHostname(hostname)
		for {
			if _, ok := set[h]; ok {
				return true
			}
			i := strings.IndexByte(h, '.')
			if i < 0 {
				return false
			}
			h = h[i+1:]
		}
	}
}

var exprFunctions = map[string]govaluate.ExpressionFunction{
	"has_suffix": stringFunc(strings.HasSuffix),
	"has_prefix": stringFunc(strings.HasPrefix),
	"contains":   stringFunc(strings.Contains),
}

func stringFunc(f func(s, x string) bool) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("want 2 args, got %d", len(args))
		}
		s, ok1 := args[0].(string)
		x, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, errors.New("args must be strings")
		}
		return f(s, x), nil
	}
}

// NewExprFilter compiles a govaluate expression over the parameter
// "hostname", e.g. `hostname =~ '[.]com$' && !has_suffix(hostname, '.example.com')`.
// The expression must evaluate to a bool. Evaluation errors select nothing.
func NewExprFilter(s string, lg *zap.Logger) (Filter, error) {
	if lg == nil {
		lg = nopLogger
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(s, exprFunctions)
	if err != nil {
		return nil, err
	}
	for _, v := range expr.Vars() {
		if v != hostnameParam {
			return nil, fmt.Errorf("unknown parameter %s", v)
		}
	}

	// type check
	expr.ChecksTypes = true
	r, err := expr.Evaluate(map[string]interface{}{hostnameParam: "example.com"})
	if err != nil {
		return nil, fmt.Errorf("invalid expression, %w", err)
	}
	if _, ok := r.(bool); !ok {
		return nil, fmt.Errorf("expression returns %T, not bool", r)
	}

	return func(hostname string) bool {
		r, err := expr.Evaluate(map[string]interface{}{hostnameParam: hostname})
		if err != nil {
			lg.Warn("host filter evaluation failed", zap.String("hostname", hostname), zap.Error(err))
			return false
		}
		b, _ := r.(bool)
		return b
	}, nil
}
