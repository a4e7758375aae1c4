package common

import (
	"fmt"
	"strconv"
)

// Uint128 is an unsigned 128 bit integer. Object versions use it.
type Uint128 struct {
	High uint64 `codec:"h"`
	Low  uint64 `codec:"l"`
}

// NewUint128 builds a Uint128 from its low 64 bits.
func NewUint128(low uint64) Uint128 {
	return Uint128{Low: low}
}

// Cmp returns -1, 0 or 1 when u is lower, equal or greater than o.
func (u Uint128) Cmp(o Uint128) int {
	switch {
	case u.High < o.High:
		return -1
	case u.High > o.High:
		return 1
	case u.Low < o.Low:
		return -1
	case u.Low > o.Low:
		return 1
	}
	return 0
}

// Less ...
func (u Uint128) Less(o Uint128) bool { return u.Cmp(o) < 0 }

// LessEq ...
func (u Uint128) LessEq(o Uint128) bool { return u.Cmp(o) <= 0 }

// IsZero ...
func (u Uint128) IsZero() bool { return u.High == 0 && u.Low == 0 }

// Inc returns u+1.
func (u Uint128) Inc() Uint128 {
	u.Low++
	if u.Low == 0 {
		u.High++
	}
	return u
}

// Dec returns u-1.
func (u Uint128) Dec() Uint128 {
	if u.Low == 0 {
		u.High--
	}
	u.Low--
	return u
}

// Add returns u+n.
func (u Uint128) Add(n uint64) Uint128 {
	low := u.Low + n
	if low < u.Low {
		u.High++
	}
	u.Low = low
	return u
}

// String ...
func (u Uint128) String() string {
	if u.High == 0 {
		return strconv.FormatUint(u.Low, 10)
	}
	return fmt.Sprintf("%x:%016x", u.High, u.Low)
}
