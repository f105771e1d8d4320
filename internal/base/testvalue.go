package base

// EncodeTestValue implements the value-encoding convention the fuzz
// harness and its scenario table (spec.md §8, SPEC_FULL.md "supplemented
// features") use throughout: an odd value encodes to NULL, an even value
// encodes to itself. This is a test-only convention for driving the shadow
// model, not a schema constraint — production callers pick their own
// nullability.
func EncodeTestValue(v int32) (val int32, isNull bool) {
	if v%2 != 0 {
		return 0, true
	}
	return v, false
}
