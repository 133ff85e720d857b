package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseVersion splits a version string on '.' and '-' and keeps only the
// numeric components, so "2.1-4" parses to [2 1 4] and "1.0-beta" to [1 0].
func ParseVersion(v string) []int {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == '.' || r == '-'
	})
	nums := make([]int, 0, len(fields))
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}

// CompareVersions orders two players for hero/villain assignment: higher
// version wins, comparing component-wise with missing trailing components
// treated as 0; equal versions fall back to case-sensitive name order
// (earlier name is the greater player). Returns >0 when the first player
// ranks higher, <0 when the second does.
func CompareVersions(nameA, verA, nameB, verB string) int {
	a := ParseVersion(verA)
	b := ParseVersion(verB)
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var va, vb int
		if i < len(a) {
			va = a[i]
		}
		if i < len(b) {
			vb = b[i]
		}
		if va != vb {
			return va - vb
		}
	}
	return strings.Compare(nameB, nameA)
}

// Move is one decoded board move.
type Move struct {
	X int `json:"x"`
	Y int `json:"y"`
	C int `json:"c"`
}

// EncodeMove renders a move as the "x,y,c" wire form used in the games
// table and in broadcast payloads.
func EncodeMove(x, y, c int) string {
	return fmt.Sprintf("%d,%d,%d", x, y, c)
}

// ParseMoves decodes a ";"-separated move list, skipping empty segments.
func ParseMoves(s string) []Move {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	moves := make([]Move, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		var m Move
		fields := strings.Split(p, ",")
		if len(fields) != 3 {
			continue
		}
		m.X, _ = strconv.Atoi(fields[0])
		m.Y, _ = strconv.Atoi(fields[1])
		m.C, _ = strconv.Atoi(fields[2])
		moves = append(moves, m)
	}
	return moves
}

// CountMoves counts the moves in an encoded move list without decoding it.
func CountMoves(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, p := range strings.Split(s, ";") {
		if p != "" {
			n++
		}
	}
	return n
}
