package version

import (
	"fmt"
	"strings"
)

// Satisfies checks if v satisfies a constraint expression.
// Supports ">=1.0.0", "<=2.0.0", "=1.0.0", ">1.0.0", "<2.0.0", "^1.2.0", "~1.2.0"
// and "*". Several constraints separated by commas or spaces must all hold.
func Satisfies(v Version, constraint string) (bool, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" {
		return true, nil
	}

	fields := strings.FieldsFunc(constraint, func(r rune) bool {
		return r == ',' || r == ' '
	})
	for _, field := range fields {
		ok, err := satisfiesOne(v, field)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func satisfiesOne(v Version, constraint string) (bool, error) {
	var op string
	for _, candidate := range []string{">=", "<=", ">", "<", "=", "^", "~"} {
		if strings.HasPrefix(constraint, candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		// No operator, assume exact match
		op = "="
	}

	target, err := Parse(strings.TrimSpace(strings.TrimPrefix(constraint, op)))
	if err != nil {
		return false, fmt.Errorf("constraint %q: %w", constraint, err)
	}

	cmp := v.Compare(target)
	switch op {
	case ">=":
		return cmp >= 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case "<":
		return cmp < 0, nil
	case "=":
		return cmp == 0, nil
	case "^":
		if cmp < 0 || v.Major != target.Major {
			return false, nil
		}
		if target.Major == 0 {
			return v.Minor == target.Minor, nil
		}
		return true, nil
	case "~":
		return cmp >= 0 && v.Major == target.Major && v.Minor == target.Minor, nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}
