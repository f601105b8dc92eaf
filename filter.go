package smarterdoc

import (
	"bytes"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// matchFilter evaluates filter against doc the way MongoDB would for the
// supported subset. Unsupported operators fail with ErrInvalidData.
func matchFilter(doc Document, filter Filter) (bool, error) {
	for key, cond := range filter {
		if strings.HasPrefix(key, "$") {
			return false, unsupportedFilter(key)
		}
		val, found := lookupPath(bson.D(doc), strings.Split(key, "."))
		ok, err := matchCondition(val, found, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func unsupportedFilter(op string) error {
	return WithContext(ErrInvalidData, map[string]interface{}{
		"operator": op,
		"reason":   "filter operator not supported by object backends",
	})
}

// lookupPath follows a dotted path through nested documents. Arrays on the path
// fan out: the result is the array of values found in their elements.
func lookupPath(v any, path []string) (any, bool) {
	if len(path) == 0 {
		return v, true
	}
	switch t := v.(type) {
	case bson.D:
		for _, e := range t {
			if e.Key == path[0] {
				return lookupPath(e.Value, path[1:])
			}
		}
	case Document:
		return lookupPath(bson.D(t), path)
	case bson.M:
		if next, ok := t[path[0]]; ok {
			return lookupPath(next, path[1:])
		}
	case bson.A:
		var out bson.A
		for _, item := range t {
			if found, ok := lookupPath(item, path); ok {
				out = append(out, found)
			}
		}
		if len(out) > 0 {
			return out, true
		}
	}
	return nil, false
}

func operatorMap(cond any) (bson.M, bool) {
	var m bson.M
	switch t := cond.(type) {
	case bson.M:
		m = t
	case map[string]any:
		m = bson.M(t)
	case bson.D:
		m = t.Map()
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func matchCondition(val any, found bool, cond any) (bool, error) {
	ops, isOps := operatorMap(cond)
	if !isOps {
		return found && matchesValue(val, cond), nil
	}
	for op, arg := range ops {
		var ok bool
		switch op {
		case "$eq":
			ok = found && matchesValue(val, arg)
		case "$ne":
			ok = !found || !matchesValue(val, arg)
		case "$in":
			ok = found && inList(val, arg)
		case "$nin":
			ok = !found || !inList(val, arg)
		case "$exists":
			want, isBool := arg.(bool)
			if !isBool {
				n, _ := toFloat(arg)
				want = n != 0
			}
			ok = found == want
		case "$gt", "$gte", "$lt", "$lte":
			ok = found && compareMatch(val, arg, op)
		default:
			return false, unsupportedFilter(op)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchesValue is equality with MongoDB's array semantics: an array field
// matches a scalar when any element equals it.
func matchesValue(val, want any) bool {
	if valuesEqual(val, want) {
		return true
	}
	if arr, ok := val.(bson.A); ok {
		for _, item := range arr {
			if valuesEqual(item, want) {
				return true
			}
		}
	}
	return false
}

func inList(val, list any) bool {
	items, ok := toList(list)
	if !ok {
		return false
	}
	for _, want := range items {
		if matchesValue(val, want) {
			return true
		}
	}
	return false
}

func toList(v any) ([]any, bool) {
	switch t := v.(type) {
	case bson.A:
		return t, true
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case []primitive.ObjectID:
		out := make([]any, len(t))
		for i, id := range t {
			out[i] = id
		}
		return out, true
	}
	return nil, false
}

func valuesEqual(a, b any) bool {
	if isNull(a) || isNull(b) {
		return isNull(a) && isNull(b)
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ta, ok := toTime(a); ok {
		tb, ok := toTime(b)
		return ok && ta.Equal(tb)
	}
	ta, da, errA := bson.MarshalValue(a)
	tb, db, errB := bson.MarshalValue(b)
	if errA != nil || errB != nil {
		return false
	}
	return ta == tb && bytes.Equal(da, db)
}

func compareMatch(val, arg any, op string) bool {
	if arr, ok := val.(bson.A); ok {
		for _, item := range arr {
			if compareMatch(item, arg, op) {
				return true
			}
		}
		return false
	}
	c, ok := compareValues(val, arg)
	if !ok {
		return false
	}
	switch op {
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	case "$lt":
		return c < 0
	}
	return c <= 0
}

// compareValues orders numbers, strings and times; other kinds do not compare.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if ta, ok := toTime(a); ok {
		tb, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.Truncate(time.Millisecond), true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}
