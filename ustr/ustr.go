// Package ustr is a minimal immutable byte-string used for swap-file
// paths.
package ustr

import "fmt"

// Ustr is a byte-string, used instead of a Go string where the bytes
// are copied in from or destined for a fixed-size user/on-disk buffer.
type Ustr []uint8

// Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// String renders the Ustr as a Go string, for logging.
func (us Ustr) String() string {
	return string(us)
}

// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	return Ustr{}
}

// SwapPath formats the per-process swap file path "/pgswpNNNNN" with
// the PID zero-padded to five digits, per the swap-file-format
// contract.
func SwapPath(pid int) Ustr {
	return Ustr(fmt.Sprintf("/pgswp%05d", pid))
}
