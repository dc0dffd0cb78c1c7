package errors

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{"config value", "E101", "Invalid listen address", CategoryConfig},
		{"config source", "E121", "Configuration file is not valid JSON", CategoryConfig},
		{"cli", "E201", "Invalid flag value", CategoryCLI},
		{"runtime", "E301", "Redis relay unavailable", CategoryRuntime},
		{"unknown", "E999", "Unknown error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code)
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
			if err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMsg)
			}
			if err.Category != tt.wantCat {
				t.Errorf("Category = %q, want %q", err.Category, tt.wantCat)
			}
		})
	}
}

func TestNewDocURL(t *testing.T) {
	if got := New("E101").DocURL; got != docBase+"E101" {
		t.Errorf("DocURL = %q", got)
	}
	if got := New("E999").DocURL; got != "" {
		t.Errorf("unknown DocURL = %q, want empty", got)
	}
}

func TestNewf(t *testing.T) {
	err := Newf(CategoryCLI, "flag %q missing", "port")
	if err.Message != `flag "port" missing` {
		t.Errorf("Message = %q", err.Message)
	}
	if err.Category != CategoryCLI || err.Code != "" {
		t.Errorf("Category = %q Code = %q", err.Category, err.Code)
	}
}

func TestError_Error(t *testing.T) {
	cause := stderrors.New("connection refused")
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"code only", New("E101"), "E101: Invalid listen address"},
		{"detail", New("E101").WithDetail("port 0"), "E101: Invalid listen address: port 0"},
		{"wrapped", New("E301").Wrap(cause), "E301: Redis relay unavailable: connection refused"},
		{"detail hides cause", New("E301").Wrap(cause).WithDetailf("addr %s", "x:1"), "E301: Redis relay unavailable: addr x:1"},
		{"uncoded", &Error{Message: "plain"}, "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_UnwrapAndIs(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := fmt.Errorf("loading: %w", New("E121").Wrap(cause))

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	if !stderrors.Is(err, New("E121")) {
		t.Error("errors.Is(err, E121) = false")
	}
	if stderrors.Is(err, New("E120")) {
		t.Error("errors.Is(err, E120) = true")
	}
	if stderrors.Is(err, &Error{}) {
		t.Error("uncoded target matched")
	}
}

func TestFromError(t *testing.T) {
	if FromError(nil, "E100") != nil {
		t.Error("FromError(nil) != nil")
	}

	plain := stderrors.New("boom")
	got := FromError(plain, "E300")
	if got.Code != "E300" || got.Wrapped != plain {
		t.Errorf("FromError(plain) = %+v", got)
	}

	coded := New("E102")
	if FromError(fmt.Errorf("wrap: %w", coded), "E300") != coded {
		t.Error("FromError did not return the existing *Error")
	}
}

func TestCode(t *testing.T) {
	if got := Code(fmt.Errorf("x: %w", New("E107"))); got != "E107" {
		t.Errorf("Code() = %q, want E107", got)
	}
	if got := Code(stderrors.New("x")); got != "" {
		t.Errorf("Code(plain) = %q, want empty", got)
	}
}

func TestCodes(t *testing.T) {
	codes := Codes()
	if len(codes) != len(registry) {
		t.Fatalf("len(Codes()) = %d, want %d", len(codes), len(registry))
	}
	for i := 1; i < len(codes); i++ {
		if codes[i-1] >= codes[i] {
			t.Fatalf("Codes() not sorted at %d: %q >= %q", i, codes[i-1], codes[i])
		}
	}
	for _, code := range codes {
		tmpl, ok := Lookup(code)
		if !ok || tmpl.Message == "" || tmpl.Category == "" {
			t.Errorf("Lookup(%q) = %+v, %v", code, tmpl, ok)
		}
	}
	if _, ok := Lookup("E999"); ok {
		t.Error("Lookup(E999) ok = true")
	}
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	err := New("E101").
		WithDetail("port 70000 is out of range").
		WithSuggestion("Use a port between 1 and 65535")
	out := err.Format()

	for _, want := range []string{
		"ERROR E101: Invalid listen address",
		"  port 70000 is out of range",
		"Hint: Use a port between 1 and 65535",
		"Learn more: " + docBase + "E101",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("Format() contains ANSI codes with colors disabled")
	}
}

func TestFormat_CauseAsDetail(t *testing.T) {
	DisableColors()
	defer EnableColors()

	out := New("E300").Wrap(stderrors.New("address already in use")).Format()
	if !strings.Contains(out, "address already in use") {
		t.Errorf("Format() missing cause:\n%s", out)
	}
}

func TestFormatJSON(t *testing.T) {
	err := New("E301").Wrap(stderrors.New("dial tcp: refused")).WithSuggestion("check --redis-addr")

	var got map[string]string
	if jerr := json.Unmarshal([]byte(err.FormatJSON()), &got); jerr != nil {
		t.Fatalf("FormatJSON() is not JSON: %v", jerr)
	}
	want := map[string]string{
		"code":       "E301",
		"category":   "runtime",
		"message":    "Redis relay unavailable",
		"suggestion": "check --redis-addr",
		"cause":      "dial tcp: refused",
		"docUrl":     docBase + "E301",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got["detail"]; ok {
		t.Error("empty detail was not omitted")
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		text  string
		width int
		want  []string
	}{
		{"", 10, nil},
		{"short", 10, []string{"short"}},
		{"one two three four", 9, []string{"one two", "three", "four"}},
		{"averyveryverylongword x", 5, []string{"averyveryverylongword", "x"}},
	}
	for _, tt := range tests {
		got := wrapText(tt.text, tt.width)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("wrapText(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
		}
	}
}

func TestPrint(t *testing.T) {
	DisableColors()
	defer EnableColors()

	var buf bytes.Buffer
	Print(&buf, fmt.Errorf("ctx: %w", New("E107")))
	if !strings.Contains(buf.String(), "ERROR E107: Invalid mode") {
		t.Errorf("Print(coded) = %q", buf.String())
	}

	buf.Reset()
	Print(&buf, stderrors.New("plain failure"))
	if !strings.Contains(buf.String(), "ERROR: plain failure") {
		t.Errorf("Print(plain) = %q", buf.String())
	}
}
