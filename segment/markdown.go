package segment

import "strings"

// parser state machine states
type mdState int

const (
	stateRouting mdState = iota // between blocks, classifying the next one
	stateParagraph
	stateHeader
	stateFenceTail // inside the opening fence line, past the backticks
	stateCodeBlock
)

const maxHeaderLevel = 6

// MarkdownParser is an incremental block-level markdown segmenter.
//
// It classifies the start of each line into one of three block kinds
// (fenced code block, ATX header, paragraph), emits a block-defining
// segment when a block opens, and streams the block's content as
// StatusStreaming text segments in arrival order. Inline mark parsing
// (bold, italic, links) is out of scope; text inside fenced blocks is
// tagged with a "code" mark.
//
// Driving methods (StartParsing/ParseToken/StopParsing/ForceReset) must be
// called from a single goroutine.
type MarkdownParser struct {
	subs  subscribers
	state mdState

	// lineBuf holds the chars of the current line while the block kind is
	// still ambiguous (routing) or while scanning for a closing fence.
	lineBuf strings.Builder

	// out accumulates content emitted at the end of the current ParseToken
	// call, so one incoming chunk produces at most one text segment per block.
	out strings.Builder

	headerLevel    int
	pendingNewline bool
}

// NewMarkdownParser returns a parser in the neutral routing state.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{}
}

// SubscribeToTokenParse registers cb for every emitted segment and returns an
// idempotent unsubscribe closure.
func (p *MarkdownParser) SubscribeToTokenParse(cb ParseCallback) func() {
	return p.subs.add(cb)
}

// StartParsing emits the StatusStartStream lifecycle segment.
func (p *MarkdownParser) StartParsing() {
	p.subs.emit(Segment{Status: StatusStartStream})
}

// ParseToken feeds one raw chunk through the state machine.
func (p *MarkdownParser) ParseToken(text string) {
	for _, r := range text {
		p.consume(r)
	}
	p.flushOut()
}

// StopParsing flushes buffered content, resets the state machine and emits
// the terminal StatusEndStream segment.
func (p *MarkdownParser) StopParsing() {
	p.flushPartial()
	p.flushOut()
	p.reset()
	p.subs.emit(Segment{Status: StatusEndStream})
}

// ForceReset flushes buffered partial block content and returns the state
// machine to routing without ending the stream.
func (p *MarkdownParser) ForceReset() {
	p.flushPartial()
	p.flushOut()
	p.reset()
}

func (p *MarkdownParser) reset() {
	p.state = stateRouting
	p.lineBuf.Reset()
	p.out.Reset()
	p.headerLevel = 0
	p.pendingNewline = false
}

func (p *MarkdownParser) consume(r rune) {
	switch p.state {
	case stateRouting:
		p.consumeRouting(r)
	case stateParagraph:
		p.consumeParagraph(r)
	case stateHeader:
		p.consumeHeader(r)
	case stateFenceTail:
		if r == '\n' {
			p.state = stateCodeBlock
		}
	case stateCodeBlock:
		p.consumeCode(r)
	}
}

// consumeRouting buffers the start of a line until the block kind is known.
func (p *MarkdownParser) consumeRouting(r rune) {
	buf := p.lineBuf.String()

	if r == '\n' {
		if strings.TrimSpace(buf) == "" {
			p.flushOut()
			p.emitBlock(Segment{
				Status:          StatusStreaming,
				IsBlockDefining: true,
				BlockType:       BlockLineBreak,
			})
		} else {
			// A short ambiguous prefix ("##", "``") followed by a newline
			// is just a tiny paragraph.
			p.openParagraph(buf)
			p.consumeParagraph('\n')
		}
		p.lineBuf.Reset()
		return
	}

	switch {
	case r == '#' && isRun(buf, '#') && len(buf) < maxHeaderLevel:
		p.lineBuf.WriteRune(r)
	case r == ' ' && isRun(buf, '#') && len(buf) >= 1:
		p.headerLevel = len(buf)
		p.lineBuf.Reset()
		p.emitBlock(Segment{
			Status:          StatusStreaming,
			IsBlockDefining: true,
			BlockType:       BlockHeader,
			HeaderLevel:     p.headerLevel,
		})
		p.state = stateHeader
	case r == '`' && isRun(buf, '`') && len(buf) < 2:
		p.lineBuf.WriteRune(r)
	case r == '`' && isRun(buf, '`') && len(buf) == 2:
		p.lineBuf.Reset()
		p.emitBlock(Segment{
			Status:          StatusStreaming,
			IsBlockDefining: true,
			BlockType:       BlockCode,
		})
		p.state = stateFenceTail
	default:
		p.openParagraph(buf + string(r))
	}
}

// openParagraph starts a paragraph block seeded with the chars that were
// buffered while the line start was still ambiguous.
func (p *MarkdownParser) openParagraph(seed string) {
	p.lineBuf.Reset()
	p.emitBlock(Segment{
		Status:          StatusStreaming,
		IsBlockDefining: true,
		BlockType:       BlockParagraph,
	})
	p.state = stateParagraph
	p.out.WriteString(seed)
}

func (p *MarkdownParser) consumeParagraph(r rune) {
	if r == '\n' {
		if p.pendingNewline {
			// Blank line: paragraph is done.
			p.flushOut()
			p.pendingNewline = false
			p.state = stateRouting
			p.emitBlock(Segment{
				Status:          StatusStreaming,
				IsBlockDefining: true,
				BlockType:       BlockLineBreak,
			})
			return
		}
		p.pendingNewline = true
		return
	}
	if p.pendingNewline {
		p.out.WriteRune('\n')
		p.pendingNewline = false
	}
	p.out.WriteRune(r)
}

func (p *MarkdownParser) consumeHeader(r rune) {
	if r == '\n' {
		// A single newline closes a header.
		p.flushOut()
		p.headerLevel = 0
		p.state = stateRouting
		return
	}
	p.out.WriteRune(r)
}

// consumeCode buffers code lines so a closing fence is never emitted as
// content. Completed lines stream with a "code" mark.
func (p *MarkdownParser) consumeCode(r rune) {
	if r != '\n' {
		p.lineBuf.WriteRune(r)
		return
	}
	line := p.lineBuf.String()
	p.lineBuf.Reset()
	if strings.TrimSpace(line) == "```" {
		p.flushOut()
		p.state = stateRouting
		return
	}
	p.out.WriteString(line)
	p.out.WriteRune('\n')
}

// flushPartial pushes any content that is still held by line-level buffers
// into the outgoing text buffer. Called on stop and forced reset so partial
// blocks are not lost.
func (p *MarkdownParser) flushPartial() {
	switch p.state {
	case stateRouting:
		if rest := p.lineBuf.String(); strings.TrimSpace(rest) != "" {
			p.openParagraph(rest)
		}
	case stateParagraph:
		if p.pendingNewline {
			p.pendingNewline = false
		}
	case stateCodeBlock:
		if rest := p.lineBuf.String(); rest != "" && strings.TrimSpace(rest) != "```" {
			p.out.WriteString(rest)
		}
	}
	p.lineBuf.Reset()
}

// flushOut emits the accumulated content of the current block as a single
// StatusStreaming text segment.
func (p *MarkdownParser) flushOut() {
	if p.out.Len() == 0 {
		return
	}
	seg := Segment{
		Status:    StatusStreaming,
		Text:      p.out.String(),
		BlockType: BlockText,
	}
	if p.state == stateCodeBlock {
		seg.Marks = []string{"code"}
	}
	p.out.Reset()
	p.subs.emit(seg)
}

func (p *MarkdownParser) emitBlock(seg Segment) {
	p.subs.emit(seg)
}

func isRun(s string, r byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != r {
			return false
		}
	}
	return true
}
