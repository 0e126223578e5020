package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun(t *testing.T) {
	for _, pl := range []*Pool{nil, NewPool(4)} {
		results := make([]int, 50)
		pl.Run(len(results), func(i int) { results[i] = i * i })
		for i, r := range results {
			assert.Equal(t, i*i, r)
		}
		if pl != nil {
			pl.TearDown()
		}
	}
}

func TestFirstMatch(t *testing.T) {
	for _, pl := range []*Pool{nil, NewPool(0)} {
		assert.Equal(t, 7, pl.FirstMatch(100, func(i int) bool { return i >= 7 && i%7 == 0 }))
		assert.Equal(t, -1, pl.FirstMatch(100, func(int) bool { return false }))
		assert.Equal(t, -1, pl.FirstMatch(0, func(int) bool { return true }))
		if pl != nil {
			pl.TearDown()
		}
	}
}
