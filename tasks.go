package main

import (
	"errors"

	"taskfarm/farm"
)

// Tasks every member of a cluster started from this binary can run.
func init() {
	farm.Register("identity", func(b []byte) ([]byte, error) { return b, nil })
	farm.RegisterTyped("square", func(x int) (int, error) { return x * x, nil })
	farm.RegisterTypedFactory("reciprocal", func(numerator float64) (func(float64) (float64, error), error) {
		return func(x float64) (float64, error) {
			if x == 0 {
				return 0, errors.New("division by zero")
			}
			return numerator / x, nil
		}, nil
	})
	farm.RegisterTyped("words", splitWords)
}

// splitWords lower-cases line and splits it on anything that is not an
// ASCII letter or digit.
func splitWords(line string) ([]string, error) {
	words := make([]string, 0)
	start := -1
	lower := func(b byte) byte {
		if b >= 'A' && b <= 'Z' {
			return b - 'A' + 'a'
		}
		return b
	}
	isAlnum := func(b byte) bool {
		return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
	}
	for i := 0; i <= len(line); i++ {
		if i < len(line) && isAlnum(line[i]) {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			word := make([]byte, i-start)
			for j := start; j < i; j++ {
				word[j-start] = lower(line[j])
			}
			words = append(words, string(word))
			start = -1
		}
	}
	return words, nil
}
