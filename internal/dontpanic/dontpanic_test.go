package dontpanic

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTry(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		fn       func()
		expected bool
	}{
		{desc: "no panic", fn: func() {}, expected: true},
		{desc: "panic with error", fn: func() { panic(errors.New("boom")) }, expected: false},
		{desc: "panic with string", fn: func() { panic("boom") }, expected: false},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.expected, Try(tc.fn))
		})
	}
}

func TestGo(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	Go(func() {
		defer wg.Done()
		panic("recovered in background")
	})

	wg.Wait()
}
