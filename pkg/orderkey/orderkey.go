// Package orderkey allocates lexicographically ordered string keys used to
// position pages without renumbering their siblings. Keys are opaque to
// callers; the only guarantee is byte-wise string comparison order.
//
// A key consists of an integer part and an optional fractional suffix.
// The first byte of the integer part encodes its length: 'a' means two
// bytes total, 'b' three, up to 'z'. Growing the length on overflow keeps
// longer keys sorting after shorter ones ("az" < "b00").
package orderkey

import (
	"errors"
	"fmt"
	"strings"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// First is the key allocated when a room has no pages yet.
const First = "a1"

var errExhausted = errors.New("orderkey: integer key space exhausted")

// KeysAbove returns n keys strictly greater than anchor, pairwise distinct
// and ascending. Keys produced for a later call anchored at the last key of
// this batch always sort after the whole batch. An empty anchor allocates
// from the start of the key space.
func KeysAbove(anchor string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	cur := strings.TrimSpace(anchor)
	if cur == "" {
		cur = "a0"
	}

	head, err := integerPart(cur)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		head, err = increment(head)
		if err != nil {
			return nil, err
		}
		keys = append(keys, head)
	}
	return keys, nil
}

// integerPart strips any fractional suffix from a key. The result compares
// at most one digit step below the full key, so incrementing it always
// produces a key above the original.
func integerPart(key string) (string, error) {
	head := key[0]
	if head < 'a' || head > 'z' {
		return "", fmt.Errorf("orderkey: malformed key %q", key)
	}

	length := int(head-'a') + 2
	if length > len(key) {
		return "", fmt.Errorf("orderkey: truncated key %q", key)
	}

	part := key[:length]
	for i := 1; i < len(part); i++ {
		if digitIndex(part[i]) < 0 {
			return "", fmt.Errorf("orderkey: malformed key %q", key)
		}
	}
	return part, nil
}

// increment adds one to an integer key, lengthening it on overflow.
func increment(x string) (string, error) {
	head := x[0]
	digs := []byte(x[1:])

	for i := len(digs) - 1; i >= 0; i-- {
		idx := digitIndex(digs[i])
		if idx < len(digits)-1 {
			digs[i] = digits[idx+1]
			return string(head) + string(digs), nil
		}
		digs[i] = digits[0]
	}

	// All digits carried over: move to the next length class.
	if head == 'z' {
		return "", errExhausted
	}
	head++
	return string(head) + strings.Repeat(string(digits[0]), int(head-'a')+1), nil
}

func digitIndex(b byte) int {
	return strings.IndexByte(digits, b)
}
