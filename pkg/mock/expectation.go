package mock

import (
	"testing"

	"github.com/stretchr/testify/mock"
)

// Expectation represents an expectation of a method being called and its return values.
type Expectation struct {
	Method     string
	Args       []interface{}
	ReturnArgs []interface{}
}

// ApplyExpectations applies the specified expectations on a given mock.
func ApplyExpectations(t *testing.T, m interface{}, expectations ...*Expectation) {
	t.Helper()
	if len(expectations) == 0 || expectations[0] == nil {
		return
	}
	var target *mock.Mock
	switch v := m.(type) {
	case *Enqueuer:
		target = &v.Mock
	case *Store:
		target = &v.Mock
	case *Scanner:
		target = &v.Mock
	case *Lookup:
		target = &v.Mock
	case *Notifier:
		target = &v.Mock
	default:
		t.Fatalf("Unrecognized mock type: %T!", v)
	}
	for _, e := range expectations {
		target.On(e.Method, e.Args...).Return(e.ReturnArgs...)
	}
}
