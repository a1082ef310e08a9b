// Package variant holds the parameter value used by actions and state cells.
//
// A Value is either an uninterpreted string (as read from a command line) or a
// single typed value. The first typed read of a string converts it and the
// typed form replaces the string; later reads return the memoized value. A
// read for a different type than the one already materialized fails with
// ErrTypeMismatch, while a string that cannot be converted fails with
// ErrParse. Values are not safe for concurrent use; the owning action or state
// cell serializes access.
package variant
