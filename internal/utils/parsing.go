package utils

import (
	"regexp"
	"strings"

	"github.com/iuriikogan/rlm-repl/internal/types"
)

const (
	fence     = "```"
	openFence = "```repl"
)

var finalVarRegex = regexp.MustCompile(`FINAL_VAR\(\s*["']?([A-Za-z_][A-Za-z0-9_]*)["']?\s*\)`)

// Extraction is the result of splitting one LM response into executable
// fragments and the commentary around them.
type Extraction struct {
	Fragments  []types.Fragment
	Commentary string
	Warnings   []types.ParseWarning
}

// ExtractFragments scans text for ```repl fenced blocks in source order.
// An opening fence without a closing one is reported as a warning and the
// remainder of the text is kept as commentary.
func ExtractFragments(text string) Extraction {
	var (
		ext      Extraction
		comments []string
		pos      int
	)

	for pos < len(text) {
		open := findOpenFence(text, pos)
		if open < 0 {
			break
		}
		lead := text[pos:open]

		bodyStart, clean := endOfFenceLine(text, open+len(openFence))
		if bodyStart < 0 {
			ext.Warnings = append(ext.Warnings, types.ParseWarning{
				Offset:  open,
				Message: "opening ```repl marker is not followed by a code body",
			})
			break
		}
		if !clean {
			ext.Warnings = append(ext.Warnings, types.ParseWarning{
				Offset:  open,
				Message: "malformed ```repl fence line; treated as commentary",
			})
			comments = appendNonEmpty(comments, text[pos:bodyStart])
			pos = bodyStart
			continue
		}

		closeStart, after, reopen := findCloseFence(text, bodyStart)
		if reopen >= 0 {
			ext.Warnings = append(ext.Warnings, types.ParseWarning{
				Offset:  open,
				Message: "```repl block reopened before it was closed; treated as commentary",
			})
			comments = appendNonEmpty(comments, text[pos:reopen])
			pos = reopen
			continue
		}
		if closeStart < 0 {
			ext.Warnings = append(ext.Warnings, types.ParseWarning{
				Offset:  open,
				Message: "unterminated ```repl block; treated as commentary",
			})
			break
		}

		code := strings.TrimRight(text[bodyStart:bodyEnd(text, bodyStart, closeStart)], "\r")
		comments = appendNonEmpty(comments, lead)
		ext.Fragments = append(ext.Fragments, types.Fragment{
			Index:      len(ext.Fragments),
			Code:       code,
			Commentary: strings.TrimSpace(lead),
		})
		pos = after
	}

	if pos < len(text) {
		comments = appendNonEmpty(comments, text[pos:])
	}
	ext.Commentary = strings.Join(comments, "\n")
	return ext
}

// FindCodeBlocks returns just the code of every well-formed fragment.
func FindCodeBlocks(text string) []string {
	ext := ExtractFragments(text)
	var blocks []string
	for _, f := range ext.Fragments {
		blocks = append(blocks, f.Code)
	}
	return blocks
}

// FindFinalAnswer looks for FINAL(answer). Parentheses inside the answer are
// balanced; if the closing parenthesis is missing the last one in the text is
// used, or the rest of the text when there is none.
func FindFinalAnswer(text string) (string, bool) {
	start := findFinalCall(text)
	if start < 0 {
		return "", false
	}
	rest := text[start:]
	depth := 1
	for i, r := range rest {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return strings.TrimSpace(rest[:i]), true
			}
		}
	}
	if i := strings.LastIndex(rest, ")"); i >= 0 {
		return strings.TrimSpace(rest[:i]), true
	}
	return strings.TrimSpace(rest), true
}

// FindFinalVar returns the variable named by FINAL_VAR(name).
func FindFinalVar(text string) (string, bool) {
	m := finalVarRegex.FindStringSubmatch(text)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// findFinalCall returns the index just past "FINAL(" where FINAL is not the
// tail of a longer identifier.
func findFinalCall(text string) int {
	const marker = "FINAL("
	from := 0
	for {
		i := strings.Index(text[from:], marker)
		if i < 0 {
			return -1
		}
		i += from
		if i == 0 || !isIdentByte(text[i-1]) {
			return i + len(marker)
		}
		from = i + len(marker)
	}
}

// findOpenFence finds a ```repl fence that starts a line (leading blanks allowed).
func findOpenFence(text string, from int) int {
	for from < len(text) {
		i := strings.Index(text[from:], openFence)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(openFence)
		if atLineStart(text, i) && (end == len(text) || isBlank(text[end])) {
			return i
		}
		from = end
	}
	return -1
}

// endOfFenceLine returns the offset after the newline ending the fence line,
// or -1 when there is none. clean is false when anything but blanks follows
// the tag.
func endOfFenceLine(text string, from int) (next int, clean bool) {
	nl := strings.IndexByte(text[from:], '\n')
	if nl < 0 {
		return -1, false
	}
	return from + nl + 1, strings.TrimSpace(text[from:from+nl]) == ""
}

// findCloseFence locates a bare ``` line at or after bodyStart. It returns the
// fence offset and the offset just past its line. If another ```repl fence
// opens first, its offset is returned as reopen and closeStart is -1.
func findCloseFence(text string, bodyStart int) (closeStart, after, reopen int) {
	from := bodyStart
	for from <= len(text) {
		i := strings.Index(text[from:], fence)
		if i < 0 {
			return -1, 0, -1
		}
		i += from
		if atLineStart(text, i) {
			tailEnd := len(text)
			after = len(text)
			if nl := strings.IndexByte(text[i+len(fence):], '\n'); nl >= 0 {
				tailEnd = i + len(fence) + nl
				after = tailEnd + 1
			}
			tail := strings.TrimSpace(text[i+len(fence) : tailEnd])
			switch {
			case tail == "":
				return i, after, -1
			case strings.HasPrefix(text[i:], openFence) && tail == "repl":
				return -1, 0, i
			}
		}
		from = i + len(fence)
	}
	return -1, 0, -1
}

// bodyEnd returns the end of a fragment body: the newline before the line
// holding the closing fence, or bodyStart for an empty body.
func bodyEnd(text string, bodyStart, closeStart int) int {
	end := closeStart
	for end > bodyStart && text[end-1] != '\n' {
		end--
	}
	if end > bodyStart {
		end--
	}
	return end
}

func atLineStart(text string, i int) bool {
	for j := i - 1; j >= 0; j-- {
		switch text[j] {
		case '\n':
			return true
		case ' ', '\t':
			continue
		default:
			return false
		}
	}
	return true
}

func isBlank(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

func isIdentByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func appendNonEmpty(dst []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		return append(dst, s)
	}
	return dst
}
