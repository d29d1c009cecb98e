package crew

import "strings"

// The model's output carries an inline tag protocol. The parser lifts
// tagged sections out of the token stream and hands the rest through as
// response text:
//
//	[THINKING] ... [/THINKING]      streamed as thinking text
//	[RESPONSE] ...                  marker only; response is the default
//	[SUMMARY] ... [/SUMMARY]        buffered, emitted whole
//	[PLAN] ... [/PLAN]              buffered, emitted whole
//	[FILE_READ] ... [/FILE_READ]    buffered, parsed into a FileOp
//	[FILE_WRITE] ... [/FILE_WRITE]
//	[FILE_EDIT] ... [/FILE_EDIT]
//
// Tag names are case-sensitive. Unknown bracketed tokens pass through
// as literal text. Parsing the final buffer in one Feed yields the same
// event sequence as feeding it chunk by chunk.

// TextRole distinguishes the two streaming text channels.
type TextRole string

const (
	TextThinking TextRole = "thinking"
	TextResponse TextRole = "response"
)

// TagEventKind identifies the kind of parser event.
type TagEventKind string

const (
	TagText    TagEventKind = "text"
	TagSummary TagEventKind = "summary"
	TagPlan    TagEventKind = "plan"
	TagFileOp  TagEventKind = "file-op"
)

// TagEvent is one parser output. Text events carry incremental chunks;
// summary, plan, and file-op events carry complete sections.
type TagEvent struct {
	Kind TagEventKind
	Role TextRole // set for TagText
	Text string   // text chunk, summary body, or plan body
	Op   *FileOp  // set for TagFileOp
}

// FileOpKind is the variant tag of a FileOperation.
type FileOpKind string

const (
	FileOpRead  FileOpKind = "read"
	FileOpWrite FileOpKind = "write"
	FileOpEdit  FileOpKind = "edit"
)

// FileOp is a file operation the model embedded in its response.
type FileOp struct {
	Kind    FileOpKind
	Path    string
	Content string // write
	Find    string // edit
	Replace string // edit
}

// Tool returns the ToolSpec that executes this operation.
func (op *FileOp) Tool() ToolSpec {
	switch op.Kind {
	case FileOpWrite:
		return ToolWriteFile
	case FileOpEdit:
		return ToolEditFile
	}
	return ToolReadFile
}

// Args returns the operation as tool arguments. Writes carry no
// overwrite flag; the dispatching agent sets it from its
// overwrite-warning policy.
func (op *FileOp) Args() map[string]any {
	switch op.Kind {
	case FileOpWrite:
		return map[string]any{"path": op.Path, "content": op.Content}
	case FileOpEdit:
		return map[string]any{"path": op.Path, "find": op.Find, "replace": op.Replace}
	}
	return map[string]any{"path": op.Path}
}

type parseMode int

const (
	modeText parseMode = iota
	modeThinking
	modeBuffered
)

// longest recognised token is [/FILE_WRITE]
const maxTagLen = 16

type bufferedTag struct {
	closer string
	kind   TagEventKind
	opKind FileOpKind
	opener string
}

var bufferedTags = map[string]bufferedTag{
	"[SUMMARY]":    {closer: "[/SUMMARY]", kind: TagSummary, opener: "[SUMMARY]"},
	"[PLAN]":       {closer: "[/PLAN]", kind: TagPlan, opener: "[PLAN]"},
	"[FILE_READ]":  {closer: "[/FILE_READ]", kind: TagFileOp, opKind: FileOpRead, opener: "[FILE_READ]"},
	"[FILE_WRITE]": {closer: "[/FILE_WRITE]", kind: TagFileOp, opKind: FileOpWrite, opener: "[FILE_WRITE]"},
	"[FILE_EDIT]":  {closer: "[/FILE_EDIT]", kind: TagFileOp, opKind: FileOpEdit, opener: "[FILE_EDIT]"},
}

// TagParser is an incremental state machine over the model's output
// buffer. It is not safe for concurrent use; each agent owns one.
type TagParser struct {
	emit    func(TagEvent)
	pending string
	mode    parseMode
	section bufferedTag // active buffered tag when mode == modeBuffered
}

// NewTagParser creates a parser delivering events to emit in order.
func NewTagParser(emit func(TagEvent)) *TagParser {
	return &TagParser{emit: emit}
}

// Feed appends a chunk of model output and emits any events that
// became complete.
func (p *TagParser) Feed(chunk string) {
	p.pending += chunk
	p.scan(false)
}

// Close flushes the parser at end of stream. An unterminated buffered
// section is emitted as literal response text, opener included, so no
// model output is lost.
func (p *TagParser) Close() {
	p.scan(true)
	if p.pending != "" {
		if p.mode == modeBuffered {
			p.emitText(TextResponse, p.section.opener+p.pending)
		} else {
			p.emitText(p.role(), p.pending)
		}
		p.pending = ""
	}
	p.mode = modeText
}

func (p *TagParser) role() TextRole {
	if p.mode == modeThinking {
		return TextThinking
	}
	return TextResponse
}

func (p *TagParser) emitText(role TextRole, text string) {
	if text == "" {
		return
	}
	p.emit(TagEvent{Kind: TagText, Role: role, Text: text})
}

func (p *TagParser) scan(final bool) {
	for {
		switch p.mode {
		case modeBuffered:
			idx := strings.Index(p.pending, p.section.closer)
			if idx < 0 {
				return // keep buffering (or leave for Close to flush)
			}
			body := p.pending[:idx]
			p.pending = p.pending[idx+len(p.section.closer):]
			p.dispatchSection(body)
			p.mode = modeText
		default:
			if !p.scanText(final) {
				return
			}
		}
	}
}

// scanText consumes text up to the next recognised tag and handles the
// tag. Returns false when no further progress is possible.
func (p *TagParser) scanText(final bool) bool {
	i := strings.IndexByte(p.pending, '[')
	if i < 0 {
		p.emitText(p.role(), p.pending)
		p.pending = ""
		return false
	}
	end := strings.IndexByte(p.pending[i:], ']')
	if end < 0 {
		if !final && len(p.pending)-i <= maxTagLen {
			// possible tag split across chunks: hold from '['
			p.emitText(p.role(), p.pending[:i])
			p.pending = p.pending[i:]
			return false
		}
		// not a tag: pass the bracket through
		p.emitText(p.role(), p.pending[:i+1])
		p.pending = p.pending[i+1:]
		return true
	}
	token := p.pending[i : i+end+1]
	if end+1 > maxTagLen || !p.handleToken(token) {
		// unknown token is literal text
		p.emitText(p.role(), p.pending[:i+1])
		p.pending = p.pending[i+1:]
		return true
	}
	p.emitText(p.role(), p.pending[:i])
	p.pending = p.pending[i+len(token):]
	return true
}

// handleToken reports whether token is recognised in the current mode.
// Recognised tokens are consumed by the caller.
func (p *TagParser) handleToken(token string) bool {
	if p.mode == modeThinking {
		if token == "[/THINKING]" {
			p.modeAfter(token)
			return true
		}
		return false
	}
	switch token {
	case "[THINKING]", "[RESPONSE]", "[/RESPONSE]":
		p.modeAfter(token)
		return true
	}
	if _, ok := bufferedTags[token]; ok {
		p.modeAfter(token)
		return true
	}
	return false
}

// modeAfter applies the state change for a recognised token. Called
// after the caller flushed preceding text.
func (p *TagParser) modeAfter(token string) {
	switch token {
	case "[THINKING]":
		p.mode = modeThinking
	case "[/THINKING]", "[RESPONSE]", "[/RESPONSE]":
		p.mode = modeText
	default:
		p.section = bufferedTags[token]
		p.mode = modeBuffered
	}
}

func (p *TagParser) dispatchSection(body string) {
	switch p.section.kind {
	case TagSummary:
		p.emit(TagEvent{Kind: TagSummary, Text: strings.TrimSpace(body)})
	case TagPlan:
		p.emit(TagEvent{Kind: TagPlan, Text: body})
	case TagFileOp:
		op, ok := parseFileOp(p.section.opKind, body)
		if !ok {
			// malformed body surfaces as plain text rather than vanishing
			p.emitText(TextResponse, p.section.opener+body+p.section.closer)
			return
		}
		p.emit(TagEvent{Kind: TagFileOp, Op: op})
	}
}

// parseFileOp extracts the fields of a file-operation section:
//
//	path: <p>
//	content: ```...```          (write)
//	find: |<lines> replace: |<lines>   (edit)
func parseFileOp(kind FileOpKind, body string) (*FileOp, bool) {
	op := &FileOp{Kind: kind}
	lines := strings.Split(body, "\n")
	for _, ln := range lines {
		t := strings.TrimSpace(ln)
		if rest, ok := strings.CutPrefix(t, "path:"); ok {
			op.Path = strings.TrimSpace(rest)
			break
		}
	}
	if op.Path == "" {
		return nil, false
	}
	switch kind {
	case FileOpWrite:
		content, ok := cutFencedBlock(body, "content:")
		if !ok {
			return nil, false
		}
		op.Content = content
	case FileOpEdit:
		find, replace, ok := cutEditBlocks(lines)
		if !ok {
			return nil, false
		}
		op.Find, op.Replace = find, replace
	}
	return op, true
}

// cutFencedBlock returns the text inside the first ``` fence following
// the marker line. A language hint on the opening fence is skipped.
func cutFencedBlock(body, marker string) (string, bool) {
	at := strings.Index(body, marker)
	if at < 0 {
		return "", false
	}
	rest := body[at+len(marker):]
	open := strings.Index(rest, "```")
	if open < 0 {
		return "", false
	}
	rest = rest[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSuffix(rest[:end], "\n"), true
}

// cutEditBlocks extracts the find/replace pipe blocks of a FILE_EDIT
// section. Single-line forms without the pipe are accepted too.
func cutEditBlocks(lines []string) (find, replace string, ok bool) {
	var findLines, replaceLines []string
	mode := 0 // 0 scanning, 1 in find, 2 in replace
	for _, ln := range lines {
		t := strings.TrimSpace(ln)
		switch {
		case strings.HasPrefix(t, "find:"):
			rest := strings.TrimSpace(strings.TrimPrefix(t, "find:"))
			if rest == "|" {
				mode = 1
			} else if rest != "" {
				findLines = append(findLines, rest)
				mode = 0
			}
		case strings.HasPrefix(t, "replace:"):
			rest := strings.TrimSpace(strings.TrimPrefix(t, "replace:"))
			if rest == "|" {
				mode = 2
			} else {
				replaceLines = append(replaceLines, rest)
				mode = 0
			}
		default:
			switch mode {
			case 1:
				findLines = append(findLines, ln)
			case 2:
				replaceLines = append(replaceLines, ln)
			}
		}
	}
	if len(findLines) == 0 {
		return "", "", false
	}
	return strings.Join(findLines, "\n"), strings.Join(replaceLines, "\n"), true
}
