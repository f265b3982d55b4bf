package store

import (
	"cmp"
	"slices"

	"github.com/and161185/livechat/internal/codec"
)

// Order sorts records stably by the orderBy field, then by key.
// Missing fields sort first; numbers sort before strings.
func Order(recs []Record, orderBy string, desc bool) {
	if orderBy == "" {
		slices.SortStableFunc(recs, func(a, b Record) int {
			return flip(cmp.Compare(a.Key, b.Key), desc)
		})
		return
	}
	keys := make(map[string]any, len(recs))
	for _, r := range recs {
		keys[r.Key] = codec.Field(r.Value, orderBy)
	}
	slices.SortStableFunc(recs, func(a, b Record) int {
		c := compareValues(keys[a.Key], keys[b.Key])
		if c == 0 {
			c = cmp.Compare(a.Key, b.Key)
		}
		return flip(c, desc)
	})
}

// Window applies q to recs: ascending order, then the last q.LimitToLast entries.
func Window(recs []Record, q Query) []Record {
	Order(recs, q.OrderBy, false)
	if q.LimitToLast > 0 && len(recs) > q.LimitToLast {
		recs = recs[len(recs)-q.LimitToLast:]
	}
	return recs
}

func flip(c int, desc bool) int {
	if desc {
		return -c
	}
	return c
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, uint64, float64, int, float32, int32, uint32:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case string:
		return cmp.Compare(x, b.(string))
	}
	if ra == 2 {
		return cmp.Compare(number(a), number(b))
	}
	return 0
}

func number(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case float64:
		return n
	case int:
		return float64(n)
	case float32:
		return float64(n)
	case int32:
		return float64(n)
	case uint32:
		return float64(n)
	}
	return 0
}
