package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-nvmjit/tier"
)

func TestFuncAdaptsToCompiler(t *testing.T) {
	var called tier.Tier
	var c Compiler = Func(func(guestRIP uint64, t tier.Tier) (Result, error) {
		called = t
		return Result{Code: []byte{0x90}, GuestSize: 4}, nil
	})

	res, err := c.Compile(0x1000, tier.S2)
	require.NoError(t, err)
	require.Equal(t, tier.S2, called)
	require.Equal(t, []byte{0x90}, res.Code)
}
