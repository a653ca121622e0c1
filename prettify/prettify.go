// Package prettify re-indents minified JavaScript so it can be debugged as if
// it were an original source. It is not a full parser: a small tokenizer
// tracks strings, template literals, comments and regex literals, breaks
// lines on statement boundaries, and records how positions in the minified
// input correspond to positions in the reformatted output.
package prettify

import (
	"errors"
	"strings"

	"github.com/dapkit/dapkit/sourcemaps"
)

const indentUnit = "  "

var errUnterminated = errors.New("unterminated token")

// Reformat returns a pretty-printed rendition of content together with the
// mapping entries between the two: generated positions address the minified
// input, source positions the reformatted output. All positions are 0-based.
func Reformat(content string) (string, []sourcemaps.Entry, error) {
	p := &printer{src: content}
	if err := p.run(); err != nil {
		return "", nil, err
	}
	return p.out.String(), p.entries, nil
}

type printer struct {
	src string
	pos int
	// 0-based position in the minified input.
	line, col int

	out strings.Builder
	// 0-based position in the pretty output.
	outLine, outCol int
	indent          int
	needSpace       bool

	entries []sourcemaps.Entry
	// last emitted significant byte and word, for regex-vs-division
	// disambiguation
	prev     byte
	lastWord string
}

func (p *printer) run() error {
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			break
		}
		if err := p.token(); err != nil {
			return err
		}
	}
	if p.outCol != 0 {
		p.write("\n")
	}
	return nil
}

func (p *printer) token() error {
	c := p.src[p.pos]
	if c == '}' {
		if p.indent > 0 {
			p.indent--
		}
		if p.outCol != 0 {
			p.newline()
		}
	}
	p.mark(isWordByte(c))

	switch {
	case c == '"' || c == '\'':
		return p.copyString(c)
	case c == '`':
		return p.copyTemplate()
	case c == '/':
		return p.slash()
	case c == '{':
		p.write("{")
		p.indent++
		p.newline()
	case c == '}':
		p.write("}")
		// keep `} else`, `} catch`, `} while`, `, )` etc. on one line
		p.advance(1)
		p.skipSpace()
		if p.pos < len(p.src) {
			switch next := p.src[p.pos]; {
			case next == ')' || next == ']' || next == ',' || next == ';':
				p.prev = '}'
				return nil
			case isWordByte(next) && isContinuationKeyword(p.peekWord()):
				p.out.WriteByte(' ')
				p.outCol++
				p.prev = '}'
				return nil
			}
		}
		p.newline()
		p.prev = '}'
		return nil
	case c == ';':
		p.write(";")
		p.newline()
	case isWordByte(c):
		p.copyWord()
		return nil
	default:
		p.write(string(c))
	}
	p.prev = c
	p.advance(1)
	return nil
}

// mark records a mapping entry at the current input/output positions and
// inserts the word separator the minified form relied on whitespace for.
func (p *printer) mark(wordish bool) {
	if p.outCol == 0 && p.indent > 0 {
		pad := strings.Repeat(indentUnit, p.indent)
		p.out.WriteString(pad)
		p.outCol = len(pad)
	} else if p.needSpace && wordish {
		p.out.WriteByte(' ')
		p.outCol++
	}
	p.needSpace = false
	p.entries = append(p.entries, sourcemaps.Entry{
		GenLine:    p.line,
		GenCol:     p.col,
		SourceLine: p.outLine,
		SourceCol:  p.outCol,
	})
}

func (p *printer) copyWord() {
	start := p.pos
	for p.pos < len(p.src) && isWordByte(p.src[p.pos]) {
		p.advance(1)
	}
	word := p.src[start:p.pos]
	p.write(word)
	p.prev = word[len(word)-1]
	p.lastWord = word
	// a following word token needs a separating space
	if p.pos < len(p.src) && isSpaceByte(p.src[p.pos]) {
		p.needSpace = true
	}
}

func (p *printer) copyString(quote byte) error {
	start := p.pos
	p.advance(1)
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\\':
			p.advance(2)
		case quote:
			p.advance(1)
			p.write(p.src[start:p.pos])
			p.prev = quote
			return nil
		case '\n':
			return errUnterminated
		default:
			p.advance(1)
		}
	}
	return errUnterminated
}

func (p *printer) copyTemplate() error {
	start := p.pos
	p.advance(1)
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\\':
			p.advance(2)
		case '`':
			p.advance(1)
			p.write(p.src[start:p.pos])
			p.prev = '`'
			return nil
		default:
			p.advance(1)
		}
	}
	return errUnterminated
}

// slash handles comments, regex literals and plain division.
func (p *printer) slash() error {
	if p.pos+1 < len(p.src) {
		switch p.src[p.pos+1] {
		case '/':
			start := p.pos
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.advance(1)
			}
			p.write(p.src[start:p.pos])
			p.newline()
			p.prev = 0
			return nil
		case '*':
			start := p.pos
			p.advance(2)
			for {
				if p.pos >= len(p.src) {
					return errUnterminated
				}
				if p.src[p.pos] == '*' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '/' {
					p.advance(2)
					break
				}
				p.advance(1)
			}
			p.write(p.src[start:p.pos])
			p.prev = 0
			return nil
		}
	}
	if p.regexAllowed() {
		return p.copyRegex()
	}
	p.write("/")
	p.prev = '/'
	p.advance(1)
	return nil
}

// regexAllowed reports whether a '/' at the current position starts a regex
// literal rather than a division, judged by what preceded it.
func (p *printer) regexAllowed() bool {
	if isWordByte(p.prev) {
		switch p.lastWord {
		case "return", "typeof", "instanceof", "in", "of", "new", "delete", "void", "case", "do", "else":
			return true
		}
		return false
	}
	switch p.prev {
	case 0, '(', ',', '=', ':', '[', '!', '&', '|', '?', '{', ';', '<', '>', '+', '-', '*', '%', '^', '~':
		return true
	}
	return false
}

func (p *printer) copyRegex() error {
	start := p.pos
	p.advance(1)
	inClass := false
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '\\':
			p.advance(2)
			continue
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '\n':
			return errUnterminated
		case '/':
			if !inClass {
				p.advance(1)
				for p.pos < len(p.src) && isWordByte(p.src[p.pos]) { // flags
					p.advance(1)
				}
				p.write(p.src[start:p.pos])
				p.prev = '/'
				return nil
			}
		}
		p.advance(1)
	}
	return errUnterminated
}

func (p *printer) peekWord() string {
	end := p.pos
	for end < len(p.src) && isWordByte(p.src[end]) {
		end++
	}
	return p.src[p.pos:end]
}

func (p *printer) skipSpace() {
	for p.pos < len(p.src) && isSpaceByte(p.src[p.pos]) {
		p.advance(1)
	}
}

func (p *printer) advance(n int) {
	for i := 0; i < n && p.pos < len(p.src); i++ {
		if p.src[p.pos] == '\n' {
			p.line++
			p.col = 0
		} else {
			p.col++
		}
		p.pos++
	}
}

func (p *printer) write(s string) {
	p.out.WriteString(s)
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			p.outLine++
			p.outCol = 0
		} else {
			p.outCol++
		}
	}
}

func (p *printer) newline() {
	p.write("\n")
	p.needSpace = false
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c >= 0x80
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isContinuationKeyword(word string) bool {
	switch word {
	case "else", "catch", "finally", "while":
		return true
	}
	return false
}
