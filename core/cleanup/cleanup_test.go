package cleanup_test

import (
	"errors"
	"testing"

	"github.com/usnistgov/l2reflector/core/cleanup"
	"github.com/usnistgov/l2reflector/core/testenv"
	"go.uber.org/multierr"
)

var makeAR = testenv.MakeAR

func TestUnwindOrder(t *testing.T) {
	assert, require := makeAR(t)

	var order []string
	var s cleanup.Stack
	errB := errors.New("B failed")
	s.Push("domain", "A", func() error { order = append(order, "A"); return nil })
	s.Push("table", "B", func() error { order = append(order, "B"); return errB })
	s.Push("rule", "", nil)
	s.Push("rule", "C", func() error { order = append(order, "C"); return nil })

	assert.Equal(4, s.Len())
	assert.Equal([]cleanup.Resource{{"domain", "A"}, {"table", "B"}, {"rule", ""}, {"rule", "C"}}, s.Resources())

	e := s.Unwind()
	require.Error(e)
	assert.Equal([]string{"C", "B", "A"}, order)
	assert.Zero(s.Len())
	assert.ErrorIs(e, errB)

	errs := multierr.Errors(e)
	require.Len(errs, 1)
	var re *cleanup.ReleaseError
	require.ErrorAs(errs[0], &re)
	assert.Equal(cleanup.Resource{Kind: "table", Name: "B"}, re.Resource)
	assert.Equal("release table(B): B failed", re.Error())

	assert.NoError(s.Unwind())
	assert.Equal(3, len(order))
}

func TestRollbackIf(t *testing.T) {
	assert, _ := makeAR(t)

	released := 0
	build := func(fail bool) (e error) {
		var s cleanup.Stack
		defer s.RollbackIf(&e)
		s.Push("cq", "1", func() error { released++; return nil })
		s.Push("sq", "1", func() error { released++; return errors.New("busy") })
		if fail {
			return errors.New("create mkey")
		}
		return nil
	}

	assert.NoError(build(false))
	assert.Zero(released)

	e := build(true)
	assert.EqualError(e, "create mkey")
	assert.Equal(2, released)
}
