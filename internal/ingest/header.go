package ingest

import (
	"regexp"
	"strings"
)

// Header is the sender metadata a provider flattened into a message body.
type Header struct {
	Phone string
	Name  string
	Body  string
}

// HeaderParser extracts a synthetic sender header from raw content. A false
// return means no header was found; it is never an error.
type HeaderParser interface {
	Parse(raw string) (Header, bool)
}

// HeaderParserFunc adapts a function to HeaderParser.
type HeaderParserFunc func(raw string) (Header, bool)

func (f HeaderParserFunc) Parse(raw string) (Header, bool) { return f(raw) }

// groupHeaderRe matches "**<phone> - <name>:**", a blank line, then the body.
var groupHeaderRe = regexp.MustCompile(`(?s)^\*\*\s*([^*\n]+?)\s+-\s+([^*\n]+?)\s*:\*\*\r?\n\r?\n(.*)$`)

// GroupHeaderParser handles the header WhatsApp group messages get when
// relayed through Chatwoot.
type GroupHeaderParser struct{}

func (GroupHeaderParser) Parse(raw string) (Header, bool) {
	m := groupHeaderRe.FindStringSubmatch(raw)
	if m == nil {
		return Header{}, false
	}
	return Header{
		Phone: strings.TrimSpace(m[1]),
		Name:  strings.TrimSpace(m[2]),
		Body:  m[3],
	}, true
}

// ChainParser tries each parser in order and returns the first match.
type ChainParser []HeaderParser

func (c ChainParser) Parse(raw string) (Header, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if h, ok := p.Parse(raw); ok {
			return h, true
		}
	}
	return Header{}, false
}
