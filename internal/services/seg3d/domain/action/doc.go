// Package action defines the typed command pattern every state change flows
// through.
//
// An Action is declared once with an Info (type name, ordered positional
// arguments, keyed parameters with defaults, flags) and carries its parameter
// values in Params. Actions serialize to and from a single command line:
//
//	Paint layer_0 slice_number=12 brush_radius=3
//
// Positional arguments keep their declared order on the wire; keys follow as
// name=value pairs. Values containing blanks, quotes or '=' are double quoted.
//
// Parsing is fail-fast: the first problem found aborts the import with a
// SYNTAX ERROR and leaves the caller to report it through its Context.
package action
