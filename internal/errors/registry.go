package errors

import "sort"

const docBase = "https://sockchain.dev/docs/errors/"

// Template defines a registered error code.
type Template struct {
	Category Category
	Message  string
	DocURL   string
}

var registry = map[string]Template{
	// Configuration values
	"E100": {Category: CategoryConfig, Message: "Invalid configuration"},
	"E101": {Category: CategoryConfig, Message: "Invalid listen address"},
	"E102": {Category: CategoryConfig, Message: "Invalid WebSocket path"},
	"E103": {Category: CategoryConfig, Message: "Invalid duration"},
	"E104": {Category: CategoryConfig, Message: "Invalid message size limit"},
	"E105": {Category: CategoryConfig, Message: "Invalid log level"},
	"E106": {Category: CategoryConfig, Message: "Invalid log format"},
	"E107": {Category: CategoryConfig, Message: "Invalid mode"},
	"E108": {Category: CategoryConfig, Message: "Invalid trusted proxy"},

	// Configuration sources
	"E120": {Category: CategoryConfig, Message: "Configuration file unreadable"},
	"E121": {Category: CategoryConfig, Message: "Configuration file is not valid JSON"},
	"E122": {Category: CategoryConfig, Message: "Environment configuration invalid"},

	// Command line
	"E200": {Category: CategoryCLI, Message: "Unknown command"},
	"E201": {Category: CategoryCLI, Message: "Invalid flag value"},

	// Runtime dependencies
	"E300": {Category: CategoryRuntime, Message: "Listener failed"},
	"E301": {Category: CategoryRuntime, Message: "Redis relay unavailable"},
	"E302": {Category: CategoryRuntime, Message: "Transcript archive unavailable"},
	"E303": {Category: CategoryRuntime, Message: "Shutdown did not complete"},
}

func init() {
	for code, t := range registry {
		if t.DocURL == "" {
			t.DocURL = docBase + code
			registry[code] = t
		}
	}
}

// Codes returns every registered code in order.
func Codes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Lookup returns the template registered for code.
func Lookup(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}
