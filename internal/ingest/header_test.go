package ingest

import (
	"strings"
	"testing"
)

func TestGroupHeaderParser_Match(t *testing.T) {
	h, ok := GroupHeaderParser{}.Parse("**+550000000 - Alice:**\n\nhello")
	if !ok {
		t.Fatal("expected header match")
	}
	if h.Phone != "+550000000" || h.Name != "Alice" || h.Body != "hello" {
		t.Errorf("unexpected header: %+v", h)
	}
}

func TestGroupHeaderParser_MultilineBodyAndCRLF(t *testing.T) {
	h, ok := GroupHeaderParser{}.Parse("**+44 20 7946 0958 - Maria Silva:**\r\n\r\nline one\nline two")
	if !ok {
		t.Fatal("expected header match")
	}
	if h.Phone != "+44 20 7946 0958" || h.Name != "Maria Silva" {
		t.Errorf("unexpected header: %+v", h)
	}
	if h.Body != "line one\nline two" {
		t.Errorf("body should keep inner newlines, got %q", h.Body)
	}
}

func TestGroupHeaderParser_NoMatch(t *testing.T) {
	cases := []string{
		"hello",
		"**bold** text",
		"**+550000000 - Alice:** hello",       // no blank line
		"prefix **+550000000 - Alice:**\n\nhi", // header not at start
		"",
	}
	for _, c := range cases {
		if _, ok := (GroupHeaderParser{}).Parse(c); ok {
			t.Errorf("unexpected match for %q", c)
		}
	}
}

func TestChainParser_FirstMatchWins(t *testing.T) {
	upper := HeaderParserFunc(func(raw string) (Header, bool) {
		if !strings.HasPrefix(raw, "FROM ") {
			return Header{}, false
		}
		return Header{Name: "upper", Body: strings.TrimPrefix(raw, "FROM ")}, true
	})
	chain := ChainParser{nil, upper, GroupHeaderParser{}}

	h, ok := chain.Parse("FROM hi")
	if !ok || h.Name != "upper" || h.Body != "hi" {
		t.Errorf("custom strategy should match first: %+v", h)
	}
	h, ok = chain.Parse("**1 - Bob:**\n\nyo")
	if !ok || h.Name != "Bob" {
		t.Errorf("fallback to group parser failed: %+v", h)
	}
	if _, ok := chain.Parse("plain"); ok {
		t.Error("plain content must not match")
	}
}
