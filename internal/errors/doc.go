// Package errors provides coded, actionable errors for the sockchain
// command line.
//
// Each code maps to a registered template holding a category, a short
// message, a longer detail and a documentation link:
//
//	err := errors.New("E101").
//	    WithDetail("port 70000 is out of range").
//	    WithSuggestion("Use a port between 1 and 65535")
//
//	fmt.Fprint(os.Stderr, err.Format())
//	// ERROR E101: Invalid listen address
//	//
//	//   port 70000 is out of range
//	//
//	//   Hint: Use a port between 1 and 65535
//
// Codes are grouped by range:
//   - E100-E119: configuration values
//   - E120-E139: configuration files and environment
//   - E200-E219: command line usage
//   - E300-E339: runtime dependencies (relay, archive, listener)
package errors
