package imcurate

import (
	"cmp"
	"slices"
	"time"

	"github.com/maruel/natural"
)

// naturalCompare orders strings with embedded numbers numerically, so
// "img2" sorts before "img10".
func naturalCompare(a, b string) int {
	switch {
	case a == b:
		return 0
	case natural.Less(a, b):
		return -1
	case natural.Less(b, a):
		return 1
	}
	return 0
}

// compareValues orders two non-nil values of the same column type.
func compareValues(a, b any) int {
	switch x := a.(type) {
	case string:
		y, _ := b.(string)
		return naturalCompare(x, y)
	case int64:
		y, _ := b.(int64)
		return cmp.Compare(x, y)
	case float64:
		y, _ := b.(float64)
		return cmp.Compare(x, y)
	case time.Time:
		y, _ := b.(time.Time)
		return x.Compare(y)
	case bool:
		y, _ := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	}
	return 0
}

type candidate struct {
	src Source
	row Row
}

// sortCandidates orders by column, natural order, missing values last, ties
// broken by path.
func sortCandidates(cands []candidate, column string) {
	slices.SortStableFunc(cands, func(a, b candidate) int {
		va, vb := a.row[column], b.row[column]
		switch {
		case va == nil && vb != nil:
			return 1
		case va != nil && vb == nil:
			return -1
		case va != nil:
			if c := compareValues(va, vb); c != 0 {
				return c
			}
		}
		return naturalCompare(a.src.Path, b.src.Path)
	})
}
