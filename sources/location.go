package sources

// Location is a resolved position: 1-based line and column, the display URL
// it belongs to and, unless it is a purely synthetic display location, the
// owning Source.
type Location struct {
	Line   int
	Column int
	URL    string
	Source *Source
}

// InlineScriptOffset is the 0-based line/column at which an inline script
// begins inside its containing document.
type InlineScriptOffset struct {
	Line   int
	Column int
}

// toScript converts a 1-based document position to a script-relative one.
// The column offset only matters on the first line of the script; results
// are clamped to stay 1-based.
func (o *InlineScriptOffset) toScript(line, col int) (int, int) {
	if o == nil {
		return line, col
	}
	if line <= o.Line+1 {
		col = max(1, col-o.Column)
	}
	return max(1, line-o.Line), col
}

// toDocument converts a 1-based script-relative position back to a document
// position.
func (o *InlineScriptOffset) toDocument(line, col int) (int, int) {
	if o == nil {
		return line, col
	}
	if line <= 1 {
		col += o.Column
	}
	return line + o.Line, col
}
