package poolmachine

import (
	"math/big"
	"os"
)

func Touch(path string) error {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
	}
	return nil
}

// MulDiv returns floor(a*b/c) without overflowing the intermediate product. c must be positive.
func MulDiv(a, b, c int64) int64 {
	if c <= 0 {
		LogCLI("MulDiv called with a non-positive divisor", 1)
		return 0
	}
	p := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	return p.Quo(p, big.NewInt(c)).Int64()
}

// ApplyBps returns floor(amount*bps/10000).
func ApplyBps(amount Amount, bps BasisPoints) Amount {
	return MulDiv(amount, bps, MaxBasisPoints)
}

// Bps returns part/total expressed in basis points, rounded down. A zero total gives zero.
func Bps(part, total int64) BasisPoints {
	if total <= 0 {
		return 0
	}
	return MulDiv(part, MaxBasisPoints, total)
}

// MeetsBps reports part/total >= bps exactly, without rounding.
func MeetsBps(part, total int64, bps BasisPoints) bool {
	l := new(big.Int).Mul(big.NewInt(part), big.NewInt(MaxBasisPoints))
	r := new(big.Int).Mul(big.NewInt(total), big.NewInt(bps))
	return l.Cmp(r) >= 0
}

//Contains checks if a slice contains a string
func Contains(s []string, e string) bool {
	for _, a := range s {
		if a == e {
			return true
		}
	}
	return false
}
