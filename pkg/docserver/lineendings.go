package docserver

import "strings"

// normalizeLineEndings maps CRLF and bare CR to LF. Every piece of content
// entering the core from outside it (a loaded snapshot, a blob read, a raw
// full-content sync) passes through this first, so the document's content
// never carries a line-ending convention a client's OT position math
// didn't also assume.
func normalizeLineEndings(s string) string {
	if !strings.ContainsAny(s, "\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}
