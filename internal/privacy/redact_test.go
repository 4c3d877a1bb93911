package privacy

import (
	"testing"

	"github.com/ppiankov/feedsync/internal/feed"
)

func TestCompile_Valid(t *testing.T) {
	patterns, err := Compile([]string{`(?i)token`, `\bsecret\b`})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(patterns) != 2 {
		t.Errorf("got %d patterns, want 2", len(patterns))
	}
}

func TestCompile_Invalid(t *testing.T) {
	_, err := Compile([]string{`[invalid`})
	if err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestCompile_Empty(t *testing.T) {
	patterns, err := Compile(nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(patterns) != 0 {
		t.Errorf("got %d patterns, want 0", len(patterns))
	}
}

func TestApply_SinglePattern(t *testing.T) {
	patterns, _ := Compile([]string{`(?i)token`})
	result := Apply("My API Token is abc123", patterns)
	want := "My API [REDACTED] is abc123"
	if result != want {
		t.Errorf("got %q, want %q", result, want)
	}
}

func TestApply_MultiplePatterns(t *testing.T) {
	patterns, _ := Compile([]string{`(?i)token`, `(?i)secret`})
	result := Apply("Token and Secret values", patterns)
	want := "[REDACTED] and [REDACTED] values"
	if result != want {
		t.Errorf("got %q, want %q", result, want)
	}
}

func TestApply_MultipleMatches(t *testing.T) {
	patterns, _ := Compile([]string{`(?i)password`})
	result := Apply("password is password", patterns)
	want := "[REDACTED] is [REDACTED]"
	if result != want {
		t.Errorf("got %q, want %q", result, want)
	}
}

func TestApply_NoMatch(t *testing.T) {
	patterns, _ := Compile([]string{`(?i)token`})
	text := "nothing to redact here"
	result := Apply(text, patterns)
	if result != text {
		t.Errorf("got %q, want unchanged", result)
	}
}

func TestApply_EmptyPatterns(t *testing.T) {
	text := "should not change"
	result := Apply(text, nil)
	if result != text {
		t.Errorf("got %q, want unchanged", result)
	}
}

func TestRedactor_Entries(t *testing.T) {
	r, err := New([]string{`(?i)api[_-]?key=\w+`}, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	in := []feed.Entry{
		{Title: "leaked api_key=abc123", Link: "https://e.com/q?api_key=abc123", Summary: "see API-KEY=zzz"},
		{Title: "clean", Link: "https://e.com/2"},
	}
	out := r.Entries(in)

	if out[0].Title != "leaked [REDACTED]" {
		t.Errorf("title = %q", out[0].Title)
	}
	if out[0].Summary != "see [REDACTED]" {
		t.Errorf("summary = %q", out[0].Summary)
	}
	if out[0].Link != in[0].Link {
		t.Errorf("link changed without redactLinks: %q", out[0].Link)
	}
	if out[1] != in[1] {
		t.Errorf("clean entry changed: %+v", out[1])
	}
	if in[0].Title != "leaked api_key=abc123" {
		t.Error("input slice was modified")
	}
}

func TestRedactor_Links(t *testing.T) {
	r, err := New([]string{`token=\w+`}, true)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out := r.Entries([]feed.Entry{{Title: "t", Link: "https://e.com/?token=abc"}})
	if out[0].Link != "https://e.com/?[REDACTED]" {
		t.Errorf("link = %q", out[0].Link)
	}
}

func TestRedactor_NilAndEmpty(t *testing.T) {
	in := []feed.Entry{{Title: "secret", Link: "https://e.com"}}

	var nilRedactor *Redactor
	if got := nilRedactor.Entries(in); got[0] != in[0] {
		t.Errorf("nil redactor changed entry: %+v", got[0])
	}
	if nilRedactor.Len() != 0 {
		t.Error("nil redactor has patterns")
	}

	empty, err := New(nil, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := empty.Entries(in); got[0] != in[0] {
		t.Errorf("empty redactor changed entry: %+v", got[0])
	}
}

func TestRedactor_InvalidPattern(t *testing.T) {
	if _, err := New([]string{`(`}, false); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}
