// Package script implements the linker-script front end: lexer, recursive-
// descent parser and expression engine (spec §4.1-§4.3). Grounded on the
// teacher's Parser (current/peek token pair, saveState/restoreState for
// speculative parsing, formatError-style diagnostics), generalized from the
// Flap expression language to a GNU-ld-compatible scripting language.
package script

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError is one non-fatal parse problem; the parser keeps going after
// recording one, per §4.2/§7, so a single run can surface more than one
// mistake.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string { return fmt.Sprintf("line %d: %s", e.Line, e.Msg) }

// Parser is a recursive-descent parser over a Lexer. It keeps one token of
// lookahead (current + peek), exactly like the teacher's Parser, and
// supports save/restore for the speculative lookahead
// looksLikeOutputSectHeader needs.
type Parser struct {
	lex     *Lexer
	mode    LexState
	current Token
	peekTok Token

	errors []*ParseError
	fatal  error
}

// NewParser creates a parser over the named top-level script source.
func NewParser(name, src string) *Parser {
	p := &Parser{lex: NewLexer(name, src), mode: Default}
	p.advance()
	p.advance()
	return p
}

// Errors returns every non-fatal parse error recorded so far.
func (p *Parser) Errors() []*ParseError { return p.errors }

// Fatal returns the first fatal error (from the lexer, or an unrecoverable
// parse condition), if any.
func (p *Parser) Fatal() error { return p.fatal }

func (p *Parser) recordf(format string, args ...any) {
	p.errors = append(p.errors, &ParseError{Line: p.current.Line, Msg: fmt.Sprintf(format, args...)})
}

type parserState struct {
	lexState Lexer
	mode     LexState
	current  Token
	peekTok  Token
}

func (p *Parser) save() parserState {
	return parserState{lexState: *p.lex, mode: p.mode, current: p.current, peekTok: p.peekTok}
}

func (p *Parser) restore(s parserState) {
	*p.lex = s.lexState
	p.mode = s.mode
	p.current = s.current
	p.peekTok = s.peekTok
}

func (p *Parser) advance() {
	p.current = p.peekTok
	p.peekTok = p.lex.Next(p.mode)
}

// advanceMode is like advance, but used when the parser only now learns
// that the token about to become current (today's peek) must be read under
// a different LexState than the one it was originally scanned with — e.g.
// switching to SectionName mode right where an output-section header
// begins so its ':' isn't swallowed into the name. The stale peek was
// already scanned under the old mode, so it's re-lexed from its recorded
// start position rather than trusted as-is.
func (p *Parser) advanceMode(mode LexState) {
	p.mode = mode
	cur := p.peekTok
	if cur.buf != "" {
		if relexed, ok := p.lex.reLexAt(cur.buf, cur.pos, cur.Line, mode); ok {
			cur = relexed
		}
	}
	p.current = cur
	p.peekTok = p.lex.Next(mode)
}

// enterMode switches to mode for the token the parser is already holding
// as current (re-lexing it from its recorded start position, since it was
// scanned under whatever mode was ambient before the parser realized an
// expression starts here) and refetches peek under the new mode. Returns
// the previous mode so the caller can restore it via leaveMode once the
// embedded expression is fully parsed.
func (p *Parser) enterMode(mode LexState) LexState {
	prev := p.mode
	p.mode = mode
	if p.current.buf != "" {
		if relexed, ok := p.lex.reLexAt(p.current.buf, p.current.pos, p.current.Line, mode); ok {
			p.current = relexed
		}
	}
	p.peekTok = p.lex.Next(mode)
	return prev
}

// leaveMode restores the ambient LexState after an embedded expression by
// re-lexing the pending lookahead token, so the token after the expression
// (already fetched under Expr-mode rules) doesn't get promoted to current
// by a later plain advance() still tagged with Expr's character classes.
func (p *Parser) leaveMode(prev LexState) {
	p.mode = prev
	if p.peekTok.buf != "" {
		if relexed, ok := p.lex.reLexAt(p.peekTok.buf, p.peekTok.pos, p.peekTok.Line, prev); ok {
			p.peekTok = relexed
		}
	}
}

func (p *Parser) atEOF() bool { return p.current.Type == EOF }

func (p *Parser) isKw(kw string) bool {
	return p.current.Type == IDENT && p.current.Value == kw
}

func (p *Parser) expect(typ TokenType, what string) bool {
	if p.current.Type != typ {
		p.recordf("expected %s, got %q", what, p.current.Value)
		return false
	}
	p.advance()
	return true
}

func (p *Parser) expectKw(kw string) bool {
	if !p.isKw(kw) {
		p.recordf("expected %q, got %q", kw, p.current.Value)
		return false
	}
	p.advance()
	return true
}

// consume advances past a token of type/value typ if present, reporting
// whether it did.
func (p *Parser) consume(typ TokenType) bool {
	if p.current.Type == typ {
		p.advance()
		return true
	}
	return false
}

// ParseProgram parses the whole script and returns the resulting Program.
// It keeps going after non-fatal errors so callers can report everything
// wrong with a script in one pass, per §4.2.
func (p *Parser) ParseProgram() *Program {
	prog := &Program{}
	for !p.atEOF() && p.fatal == nil {
		if p.lex.Err() != nil {
			p.fatal = p.lex.Err()
			break
		}
		cmd := p.parseTopLevel()
		if cmd != nil {
			prog.Commands = append(prog.Commands, cmd)
		}
	}
	return prog
}

func (p *Parser) parseTopLevel() ScriptCommand {
	switch {
	case p.isKw(KwEntry):
		return p.parseEntry()
	case p.isKw(KwSections):
		return p.parseSections()
	case p.isKw(KwMemory):
		return p.parseMemory()
	case p.isKw(KwPhdrs):
		return p.parsePhdrs()
	case p.isKw(KwInput):
		return p.parseInputLike(false)
	case p.isKw(KwGroup):
		return p.parseInputLike(true)
	case p.isKw(KwOutput):
		return p.parseParenString(func(s string) ScriptCommand { return &OutputCmd{Path: s} })
	case p.isKw(KwOutputArch):
		return p.parseParenString(func(s string) ScriptCommand { return &OutputArchCmd{Arch: s} })
	case p.isKw(KwSearchDir):
		return p.parseParenString(func(s string) ScriptCommand { return &SearchDirCmd{Path: s} })
	case p.isKw(KwOutputFormat):
		return p.parseOutputFormat()
	case p.isKw(KwExtern):
		return p.parseExtern()
	case p.isKw(KwRegionAlias):
		return p.parseRegionAlias()
	case p.isKw(KwNoCrossRefs):
		return p.parseNoCrossRefs()
	case p.isKw(KwVersion):
		return p.parseVersion()
	case p.isKw(KwInclude):
		return p.parseInclude(false)
	case p.isKw(KwIncludeOpt):
		return p.parseInclude(true)
	case p.current.Type == IDENT && strings.HasPrefix(p.current.Value, "PLUGIN"):
		return p.parsePlugin()
	case p.isKw("LINKER_PLUGIN"):
		return p.parsePlugin()
	case p.current.Type == IDENT:
		return p.parseAssignStatement()
	default:
		p.recordf("unexpected token %q at top level", p.current.Value)
		p.advance()
		return nil
	}
}

func (p *Parser) parseEntry() ScriptCommand {
	p.advance() // ENTRY
	p.expect(LPAREN, "(")
	name := p.current.Value
	p.advance()
	p.expect(RPAREN, ")")
	return &EntryCmd{Symbol: name}
}

func (p *Parser) parseParenString(make func(string) ScriptCommand) ScriptCommand {
	p.advance() // keyword
	p.expect(LPAREN, "(")
	s := p.current.Value
	p.advance()
	p.expect(RPAREN, ")")
	return make(s)
}

func (p *Parser) parseOutputFormat() ScriptCommand {
	p.advance()
	p.expect(LPAREN, "(")
	var names []string
	for p.current.Type != RPAREN && !p.atEOF() {
		names = append(names, p.current.Value)
		p.advance()
		p.consume(COMMA)
	}
	p.expect(RPAREN, ")")
	return &OutputFormatCmd{Names: names}
}

func (p *Parser) parseExtern() ScriptCommand {
	p.advance()
	p.expect(LPAREN, "(")
	var syms []string
	for p.current.Type != RPAREN && !p.atEOF() {
		syms = append(syms, p.current.Value)
		p.advance()
	}
	p.expect(RPAREN, ")")
	return &ExternCmd{Symbols: syms}
}

func (p *Parser) parseRegionAlias() ScriptCommand {
	p.advance()
	p.expect(LPAREN, "(")
	alias := trimQuotes(p.current.Value)
	p.advance()
	p.consume(COMMA)
	region := trimQuotes(p.current.Value)
	p.advance()
	p.expect(RPAREN, ")")
	return &RegionAliasCmd{Alias: alias, Region: region}
}

func (p *Parser) parseNoCrossRefs() ScriptCommand {
	p.advance()
	p.expect(LPAREN, "(")
	var secs []string
	for p.current.Type != RPAREN && !p.atEOF() {
		secs = append(secs, p.current.Value)
		p.advance()
	}
	p.expect(RPAREN, ")")
	return &NoCrossRefsCmd{Sections: secs}
}

func (p *Parser) parseInclude(optional bool) ScriptCommand {
	p.advance()
	path := trimQuotes(p.current.Value)
	p.advance()
	return &IncludeCmd{Path: path, Optional: optional}
}

func (p *Parser) parsePlugin() ScriptCommand {
	name := p.current.Value
	p.advance()
	var args []string
	if p.current.Type == LPAREN {
		p.advance()
		for p.current.Type != RPAREN && !p.atEOF() {
			args = append(args, p.current.Value)
			p.advance()
			p.consume(COMMA)
		}
		p.expect(RPAREN, ")")
	}
	return &PluginCmd{Name: name, Args: args}
}

func (p *Parser) parseInputSpecList() []InputSpec {
	p.expect(LPAREN, "(")
	var files []InputSpec
	for p.current.Type != RPAREN && !p.atEOF() {
		spec := InputSpec{}
		switch {
		case p.isKw("AS_NEEDED"):
			p.advance()
			p.expect(LPAREN, "(")
			for p.current.Type != RPAREN && !p.atEOF() {
				s := InputSpec{Name: p.current.Value, AsNeeded: true}
				if strings.HasPrefix(s.Name, "-l") {
					s.Name, s.IsLibrary = s.Name[2:], true
				}
				files = append(files, s)
				p.advance()
			}
			p.expect(RPAREN, ")")
			continue
		default:
			spec.Name = p.current.Value
			if strings.HasPrefix(spec.Name, "-l") {
				spec.Name, spec.IsLibrary = spec.Name[2:], true
			}
			p.advance()
		}
		files = append(files, spec)
	}
	p.expect(RPAREN, ")")
	return files
}

func (p *Parser) parseInputLike(isGroup bool) ScriptCommand {
	p.advance()
	files := p.parseInputSpecList()
	if isGroup {
		return &GroupCmd{Files: files}
	}
	return &InputCmd{Files: files}
}

func trimQuotes(s string) string {
	return strings.Trim(s, `"`)
}

// --- SECTIONS ----------------------------------------------------------

func (p *Parser) parseSections() ScriptCommand {
	p.advance() // SECTIONS
	p.expect(LBRACE, "{")
	cmd := &SectionsCmd{}
	for p.current.Type != RBRACE && !p.atEOF() {
		if p.current.Type == DISCARD {
			p.advanceMode(SectionName) // re-lex the ':' after /DISCARD/ as a separator
			p.consume(COLON)
			p.leaveMode(Default)
			p.expect(LBRACE, "{")
			for p.current.Type != RBRACE && !p.atEOF() {
				cmd.Items = append(cmd.Items, p.parseInputSectDesc())
			}
			p.expect(RBRACE, "}")
			continue
		}
		if p.looksLikeOutputSectHeader() {
			cmd.Items = append(cmd.Items, p.parseOutputSect())
			continue
		}
		cmd.Items = append(cmd.Items, p.parseAssignStatement())
	}
	p.expect(RBRACE, "}")
	return cmd
}

// looksLikeOutputSectHeader disambiguates "name : { ... }" (output section)
// from "name = expr;" (assignment) using one token of extra lookahead: an
// output section header always has ':' as its next significant token
// (after an optional VMA expression), while assignments never do at the
// top of a SECTIONS body in this grammar subset.
func (p *Parser) looksLikeOutputSectHeader() bool {
	if p.current.Type != IDENT {
		return false
	}
	save := p.save()
	defer p.restore(save)

	p.advanceMode(SectionName)
	// Skip an optional VMA expression up to the ':'.
	depth := 0
	for !p.atEOF() {
		if p.current.Type == COLON && depth == 0 {
			return true
		}
		if p.current.Type == ASSIGN || p.current.Type == SEMI {
			return false
		}
		if p.current.Type == LPAREN {
			depth++
		}
		if p.current.Type == RPAREN {
			depth--
		}
		if p.current.Type == LBRACE || p.current.Type == RBRACE {
			return false
		}
		p.advanceMode(SectionName)
	}
	return false
}

func (p *Parser) parseOutputSect() *OutputSectCmd {
	out := &OutputSectCmd{}
	prev := p.enterMode(SectionName)
	out.Name = p.current.Value
	p.advance()

	// Optional VMA expression before '('/':'.
	if p.current.Type != COLON && p.current.Type != LPAREN {
		out.Prolog.VMA = p.parseExpression()
	}
	if p.current.Type == LPAREN {
		p.advance()
		out.Prolog.Type = p.current.Value
		p.advance()
		if p.consume(COMMA) {
			out.Prolog.Permissions = p.current.Value
			p.advance()
		}
		p.expect(RPAREN, ")")
	}
	p.expect(COLON, ":")

	for p.isKw(KwAt) || p.isKw(KwAlign) || p.isKw(KwSubAlign) || p.isKw(KwOnlyIfRO) || p.isKw(KwOnlyIfRW) {
		switch {
		case p.isKw(KwAt):
			p.advance()
			p.expect(LPAREN, "(")
			out.Prolog.AtExpr = p.parseExpression()
			p.expect(RPAREN, ")")
		case p.isKw(KwAlign):
			p.advance()
			p.expect(LPAREN, "(")
			out.Prolog.AlignExpr = p.parseExpression()
			p.expect(RPAREN, ")")
		case p.isKw(KwSubAlign):
			p.advance()
			p.expect(LPAREN, "(")
			out.Prolog.SubAlignExpr = p.parseExpression()
			p.expect(RPAREN, ")")
		case p.isKw(KwOnlyIfRO):
			p.advance()
			out.Prolog.OnlyIfRO = true
		case p.isKw(KwOnlyIfRW):
			p.advance()
			out.Prolog.OnlyIfRW = true
		}
	}

	p.expect(LBRACE, "{")
	// The header above reads under SectionName mode so the output section's
	// own name doesn't swallow its trailing ':'; the body is back to
	// ordinary file/section patterns (archive:member, wildcards), which
	// need Default mode's wider identifier-character set.
	p.enterMode(Default)
	for p.current.Type != RBRACE && !p.atEOF() {
		out.Body = append(out.Body, p.parseOutputSectBodyItem())
	}
	// The epilog's ":phdr" entries need ':' as a separator again.
	p.leaveMode(SectionName)
	p.expect(RBRACE, "}")

	// Epilog
	if p.consume(GT) {
		out.Epilog.VMARegion = p.current.Value
		p.advance()
	}
	if p.isKw(KwAt) && p.peekTok.Type == GT {
		p.advance()
		p.advance()
		out.Epilog.LMARegion = p.current.Value
		p.advance()
	}
	for p.current.Type == COLON {
		p.advance()
		out.Epilog.Phdrs = append(out.Epilog.Phdrs, p.current.Value)
		p.advance()
	}
	if p.current.Type == ASSIGN {
		p.advance() // consume '='; parseExpression switches into Expr mode itself
		out.Epilog.FillExpr = p.parseExpression()
	}
	p.leaveMode(prev)
	return out
}

func (p *Parser) parseOutputSectBodyItem() ScriptCommand {
	switch {
	case p.isKw(KwFill):
		p.advance()
		p.expect(LPAREN, "(")
		v := p.parseExpression()
		p.expect(RPAREN, ")")
		p.consume(SEMI)
		return &FillCmd{Value: v}
	case p.isKw(KwByte), p.isKw(KwShort), p.isKw(KwLong), p.isKw(KwQuad), p.isKw(KwSquad):
		width := map[string]int{KwByte: 1, KwShort: 2, KwLong: 4, KwQuad: 8, KwSquad: 8}[p.current.Value]
		p.advance()
		p.expect(LPAREN, "(")
		v := p.parseExpression()
		p.expect(RPAREN, ")")
		p.consume(SEMI)
		return &DataCmd{Width: width, Value: v}
	case p.isKw(KwKeep), p.isKw(KwDontMove), p.isKw(KwKeepDontMove), p.isKw(KwExcludeFile), p.current.Type == STAR, p.current.Type == IDENT && p.isSectionDescStart():
		return p.parseInputSectDesc()
	default:
		return p.parseAssignStatement()
	}
}

func (p *Parser) isSectionDescStart() bool {
	// Heuristic: an identifier immediately followed by '(' (a file/archive
	// pattern with a section-pattern list) is a section description, not
	// an assignment (which is followed by an operator).
	return p.peekTok.Type == LPAREN || p.peekTok.Type == COLON
}

// parseInputSectDesc parses one rule: optional KEEP()/DONTMOVE() wrapper,
// optional EXCLUDE_FILE(...), file[:member] pattern, optional section
// pattern list, per §4.2's input-section description grammar.
func (p *Parser) parseInputSectDesc() *InputSectDesc {
	d := &InputSectDesc{}
	for {
		switch {
		case p.isKw(KwKeep):
			d.Keep = true
			p.advance()
			p.expect(LPAREN, "(")
			inner := p.parseInputSectDesc()
			*d = *inner
			d.Keep = true
			p.expect(RPAREN, ")")
			return d
		case p.isKw(KwDontMove):
			d.DontMove = true
			p.advance()
			p.expect(LPAREN, "(")
			inner := p.parseInputSectDesc()
			*d = *inner
			d.DontMove = true
			p.expect(RPAREN, ")")
			return d
		case p.isKw(KwKeepDontMove):
			d.Keep, d.DontMove = true, true
			p.advance()
			p.expect(LPAREN, "(")
			inner := p.parseInputSectDesc()
			inner.Keep, inner.DontMove = true, true
			p.expect(RPAREN, ")")
			return inner
		}
		break
	}

	for p.isKw(KwExcludeFile) {
		p.advance()
		p.expect(LPAREN, "(")
		for p.current.Type != RPAREN && !p.atEOF() {
			d.GlobalExclude = append(d.GlobalExclude, p.current.Value)
			p.advance()
		}
		p.expect(RPAREN, ")")
	}

	d.FilePattern = p.current.Value
	if idx := strings.IndexByte(d.FilePattern, ':'); idx >= 0 {
		d.IsArchive = true
		d.MemberPattern = d.FilePattern[idx+1:]
		d.FilePattern = d.FilePattern[:idx]
	}
	p.advance()

	if p.current.Type == LPAREN {
		p.advance()
		for p.current.Type != RPAREN && !p.atEOF() {
			d.Patterns = append(d.Patterns, p.parseSectionPattern())
		}
		p.expect(RPAREN, ")")
	}
	p.consume(SEMI)
	return d
}

// parseSectionPattern parses one (possibly SORT-wrapped, possibly
// EXCLUDE_FILE-prefixed) section-name glob, implementing the nested
// sort-policy composition rules of §4.2: SORT_BY_NAME(SORT_BY_ALIGNMENT(x))
// -> NAME_ALIGNMENT, the symmetric nesting -> ALIGNMENT_NAME, anything else
// nested two deep is a parse error.
func (p *Parser) parseSectionPattern() SectionPattern {
	sp := SectionPattern{}
	for p.isKw(KwExcludeFile) {
		p.advance()
		p.expect(LPAREN, "(")
		for p.current.Type != RPAREN && !p.atEOF() {
			sp.ExcludeFiles = append(sp.ExcludeFiles, p.current.Value)
			p.advance()
		}
		p.expect(RPAREN, ")")
	}

	outer := p.sortKeyword()
	if outer != SortNone {
		p.advance()
		p.expect(LPAREN, "(")
		inner := p.sortKeyword()
		if inner != SortNone {
			p.advance()
			p.expect(LPAREN, "(")
			sp.Pattern = p.current.Value
			p.advance()
			p.expect(RPAREN, ")")
			sp.Sort = composeSortPolicy(outer, inner, &p.errors, p.current.Line)
		} else {
			sp.Pattern = p.current.Value
			p.advance()
			sp.Sort = outer
		}
		p.expect(RPAREN, ")")
		return sp
	}

	sp.Pattern = p.current.Value
	p.advance()
	return sp
}

func (p *Parser) sortKeyword() SortPolicy {
	switch {
	case p.isKw(KwSortByName):
		return SortByName
	case p.isKw(KwSortByAlign):
		return SortByAlignment
	case p.isKw(KwSortByInit):
		return SortByInitPriority
	case p.isKw(KwSortNone):
		return SortNone
	case p.isKw(KwSort):
		return SortByName // bare SORT means SORT_BY_NAME
	}
	return SortNone
}

func composeSortPolicy(outer, inner SortPolicy, errs *[]*ParseError, line int) SortPolicy {
	switch {
	case outer == SortByName && inner == SortByAlignment:
		return SortNameAlignment
	case outer == SortByAlignment && inner == SortByName:
		return SortAlignmentName
	default:
		*errs = append(*errs, &ParseError{Line: line, Msg: "invalid nested sort-policy combination"})
		return outer
	}
}

// --- MEMORY / PHDRS ------------------------------------------------------

func (p *Parser) parseMemory() ScriptCommand {
	p.advance()
	// SectionName mode so ':' separates and '=' is read on its own.
	prev := p.enterMode(SectionName)
	p.expect(LBRACE, "{")
	cmd := &MemoryCmd{}
	for p.current.Type != RBRACE && !p.atEOF() {
		decl := MemoryRegionDecl{Name: p.current.Value}
		p.advance()
		if p.current.Type == LPAREN {
			p.advance()
			decl.Attributes = p.current.Value
			p.advance()
			p.expect(RPAREN, ")")
		}
		p.expect(COLON, ":")
		if p.isKw("ORIGIN") {
			p.advance()
			if p.current.Value == "=" {
				p.advance()
			}
			decl.Origin = p.parseExpression()
		}
		p.consume(COMMA)
		if p.isKw("LENGTH") {
			p.advance()
			if p.current.Value == "=" {
				p.advance()
			}
			decl.Length = p.parseExpression()
		}
		cmd.Regions = append(cmd.Regions, decl)
	}
	p.leaveMode(prev)
	p.expect(RBRACE, "}")
	return cmd
}

func (p *Parser) parsePhdrs() ScriptCommand {
	p.advance()
	p.expect(LBRACE, "{")
	cmd := &PhdrsCmd{}
	for p.current.Type != RBRACE && !p.atEOF() {
		decl := PhdrDecl{Name: p.current.Value}
		p.advance()
		decl.Type = p.current.Value
		p.advance()
		for p.current.Type != SEMI && !p.atEOF() {
			switch {
			case p.isKw("FILEHDR"):
				decl.Filehdr = true
				p.advance()
			case p.isKw("PHDRS"):
				decl.Phdrs = true
				p.advance()
			case p.isKw(KwAt):
				p.advance()
				p.expect(LPAREN, "(")
				decl.AtExpr = p.parseExpression()
				p.expect(RPAREN, ")")
			case p.isKw("FLAGS"):
				p.advance()
				p.expect(LPAREN, "(")
				decl.Flags = p.parseExpression()
				p.expect(RPAREN, ")")
			default:
				p.recordf("invalid PHDRS attribute %q", p.current.Value)
				p.advance()
			}
		}
		p.consume(SEMI)
		cmd.Phdrs = append(cmd.Phdrs, decl)
	}
	p.expect(RBRACE, "}")
	return cmd
}

// --- VERSION -------------------------------------------------------------

func (p *Parser) parseVersion() ScriptCommand {
	p.advance()
	// SectionName mode so "global:"/"local:" split at the ':'.
	prev := p.enterMode(SectionName)
	p.expect(LBRACE, "{")
	cmd := &VersionCmd{}
	sawAnonymous := false
	for p.current.Type != RBRACE && !p.atEOF() {
		node := VersionNode{}
		if p.current.Type != LBRACE {
			node.Name = p.current.Value
			p.advance()
		}
		if node.Name == "" {
			if len(cmd.Nodes) > 0 {
				p.recordf("anonymous version node must be the only node in the script")
			}
			sawAnonymous = true
		} else if sawAnonymous {
			p.recordf("anonymous version node forbids any other node in the same script")
		}
		p.expect(LBRACE, "{")
		section := ""
		for p.current.Type != RBRACE && !p.atEOF() {
			switch {
			case p.isKw("global"):
				p.advance()
				p.expect(COLON, ":")
				section = "global"
			case p.isKw("local"):
				p.advance()
				p.expect(COLON, ":")
				section = "local"
			case p.isKw("extern"):
				p.advance()
				lang := trimQuotes(p.current.Value)
				p.advance()
				p.expect(LBRACE, "{")
				block := ExternBlock{Lang: lang}
				for p.current.Type != RBRACE && !p.atEOF() {
					block.Symbols = append(block.Symbols, p.current.Value)
					p.advance()
					p.consume(SEMI)
				}
				p.expect(RBRACE, "}")
				node.Externs = append(node.Externs, block)
			default:
				name := p.current.Value
				p.advance()
				switch section {
				case "local":
					node.Local = append(node.Local, name)
				default:
					node.Global = append(node.Global, name)
				}
				p.consume(SEMI)
			}
		}
		p.expect(RBRACE, "}")
		for p.current.Type == IDENT && p.peekTok.Type != LBRACE && p.current.Type != SEMI {
			node.Deps = append(node.Deps, p.current.Value)
			p.advance()
		}
		p.consume(SEMI)
		cmd.Nodes = append(cmd.Nodes, node)
	}
	p.leaveMode(prev)
	p.expect(RBRACE, "}")
	return cmd
}

// --- Assignments ----------------------------------------------------------

func (p *Parser) parseAssignStatement() ScriptCommand {
	wrap := WrapNone
	switch {
	case p.isKw(KwProvide):
		wrap = WrapProvide
	case p.isKw(KwHidden):
		wrap = WrapHidden
	case p.isKw(KwProvideHide):
		wrap = WrapProvideHidden
	case p.isKw(KwAssert):
		return p.parseAssertStatement()
	}
	if wrap != WrapNone {
		p.advance()
		p.expect(LPAREN, "(")
		inner := p.parseBareAssign()
		p.expect(RPAREN, ")")
		p.consume(SEMI)
		inner.Wrap = wrap
		return inner
	}
	cmd := p.parseBareAssign()
	p.consume(SEMI)
	return cmd
}

func (p *Parser) parseAssertStatement() ScriptCommand {
	p.advance()
	p.expect(LPAREN, "(")
	cond := p.parseExpression()
	p.consume(COMMA)
	msg := trimQuotes(p.current.Value)
	p.advance()
	p.expect(RPAREN, ")")
	p.consume(SEMI)
	return &AssertCmd{Cond: cond, Message: msg}
}

var assignOps = map[string]AssignOp{
	"=": OpAssign, "+=": OpAddEq, "-=": OpSubEq, "*=": OpMulEq, "/=": OpDivEq,
	"<<=": OpShlEq, ">>=": OpShrEq, "&=": OpAndEq, "|=": OpOrEq, "^=": OpXorEq,
}

func (p *Parser) parseBareAssign() *AssignCmd {
	name := p.current.Value
	p.advance()
	op, ok := assignOps[p.current.Value]
	if !ok {
		p.recordf("expected assignment operator, got %q", p.current.Value)
		op = OpAssign
	}
	p.advance() // consume the operator; parseExpression switches into Expr mode itself
	rhs := p.parseExpression()
	return &AssignCmd{Name: name, Op: op, RHS: rhs}
}

// --- Expressions -----------------------------------------------------------
// Operator-precedence sub-parser, highest to lowest: unary, * / %, + -,
// << >>, < <= > >=, == !=, &, ^, |, &&, ||, ?: . Grounded on the teacher's
// parseUnary/parsePrimary chain, generalized to the linker-script operator
// set and the Expr lex state.

func (p *Parser) parseExpression() Expr {
	prev := p.enterMode(Expr)
	e := p.parseTernary()
	p.leaveMode(prev)
	return e
}

func (p *Parser) parseTernary() Expr {
	cond := p.parseLogicalOr()
	if p.current.Type == QUESTION {
		line := p.current.Line
		p.advance()
		then := p.parseTernary()
		if !p.expect(COLON, ":") {
			return cond
		}
		els := p.parseTernary()
		return &TernaryExpr{Cond: cond, Then: then, Else: els, Line: line}
	}
	return cond
}

func (p *Parser) parseLogicalOr() Expr {
	left := p.parseLogicalAnd()
	for p.current.Type == OROR {
		line := p.current.Line
		p.advance()
		right := p.parseLogicalAnd()
		left = &BinaryExpr{Op: OpLOr, Left: left, Right: right, Line: line}
	}
	return left
}

func (p *Parser) parseLogicalAnd() Expr {
	left := p.parseBitOr()
	for p.current.Type == ANDAND {
		line := p.current.Line
		p.advance()
		right := p.parseBitOr()
		left = &BinaryExpr{Op: OpLAnd, Left: left, Right: right, Line: line}
	}
	return left
}

func (p *Parser) parseBitOr() Expr {
	left := p.parseBitXor()
	for p.current.Type == PIPE {
		line := p.current.Line
		p.advance()
		right := p.parseBitXor()
		left = &BinaryExpr{Op: OpOr, Left: left, Right: right, Line: line}
	}
	return left
}

func (p *Parser) parseBitXor() Expr {
	left := p.parseBitAnd()
	for p.current.Type == CARET {
		line := p.current.Line
		p.advance()
		right := p.parseBitAnd()
		left = &BinaryExpr{Op: OpXor, Left: left, Right: right, Line: line}
	}
	return left
}

func (p *Parser) parseBitAnd() Expr {
	left := p.parseEquality()
	for p.current.Type == AMP {
		line := p.current.Line
		p.advance()
		right := p.parseEquality()
		left = &BinaryExpr{Op: OpAnd, Left: left, Right: right, Line: line}
	}
	return left
}

func (p *Parser) parseEquality() Expr {
	left := p.parseRelational()
	for p.current.Type == EQ || p.current.Type == NE {
		op, line := OpEq, p.current.Line
		if p.current.Type == NE {
			op = OpNe
		}
		p.advance()
		right := p.parseRelational()
		left = &BinaryExpr{Op: op, Left: left, Right: right, Line: line}
	}
	return left
}

func (p *Parser) parseRelational() Expr {
	left := p.parseShift()
	for p.current.Type == LT || p.current.Type == LE || p.current.Type == GT || p.current.Type == GE {
		var op BinOp
		switch p.current.Type {
		case LT:
			op = OpLt
		case LE:
			op = OpLe
		case GT:
			op = OpGt
		case GE:
			op = OpGe
		}
		line := p.current.Line
		p.advance()
		right := p.parseShift()
		left = &BinaryExpr{Op: op, Left: left, Right: right, Line: line}
	}
	return left
}

func (p *Parser) parseShift() Expr {
	left := p.parseAdditive()
	for p.current.Type == SHL || p.current.Type == SHR {
		op, line := OpShl, p.current.Line
		if p.current.Type == SHR {
			op = OpShr
		}
		p.advance()
		right := p.parseAdditive()
		left = &BinaryExpr{Op: op, Left: left, Right: right, Line: line}
	}
	return left
}

func (p *Parser) parseAdditive() Expr {
	left := p.parseMultiplicative()
	for p.current.Type == PLUS || p.current.Type == MINUS {
		op, line := OpAdd, p.current.Line
		if p.current.Type == MINUS {
			op = OpSub
		}
		p.advance()
		right := p.parseMultiplicative()
		left = &BinaryExpr{Op: op, Left: left, Right: right, Line: line}
	}
	return left
}

func (p *Parser) parseMultiplicative() Expr {
	left := p.parseUnary()
	for p.current.Type == STAR || p.current.Type == SLASH || p.current.Type == PERCENT {
		var op BinOp
		switch p.current.Type {
		case STAR:
			op = OpMul
		case SLASH:
			op = OpDiv
		case PERCENT:
			op = OpMod
		}
		line := p.current.Line
		p.advance()
		right := p.parseUnary()
		left = &BinaryExpr{Op: op, Left: left, Right: right, Line: line}
	}
	return left
}

func (p *Parser) parseUnary() Expr {
	switch p.current.Type {
	case TILDE:
		line := p.current.Line
		p.advance()
		return &UnaryExpr{Op: OpBitNot, Operand: p.parseUnary(), Line: line}
	case BANG:
		line := p.current.Line
		p.advance()
		return &UnaryExpr{Op: OpNot, Operand: p.parseUnary(), Line: line}
	case MINUS:
		line := p.current.Line
		p.advance()
		return &UnaryExpr{Op: OpNeg, Operand: p.parseUnary(), Line: line}
	case PLUS:
		line := p.current.Line
		p.advance()
		return &UnaryExpr{Op: OpPos, Operand: p.parseUnary(), Line: line}
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() Expr {
	line := p.current.Line
	switch p.current.Type {
	case LPAREN:
		p.advance()
		e := p.parseTernary()
		p.expect(RPAREN, ")")
		return e
	case NUMBER:
		v := parseNumberLiteral(p.current.Value)
		p.advance()
		return &NumberExpr{Value: v, Line: line}
	case IDENT:
		name := p.current.Value
		if name == "." {
			p.advance()
			if op, ok := assignOps[p.current.Value]; ok {
				p.advance()
				rhs := p.parseTernary()
				return &AssignExpr{Name: "", RHS: foldCompound(&DotExpr{Line: line}, op, rhs), Line: line}
			}
			return &DotExpr{Line: line}
		}
		if isBuiltinFunc(name) && p.peekTok.Type == LPAREN {
			return p.parseCall(name, line)
		}
		p.advance()
		if op, ok := assignOps[p.current.Value]; ok {
			p.advance()
			rhs := p.parseTernary()
			return &AssignExpr{Name: name, RHS: foldCompound(&SymbolExpr{Name: name, Line: line}, op, rhs), Line: line}
		}
		return &SymbolExpr{Name: name, Line: line}
	case STRING:
		// A quoted string in expression position only ever appears as an
		// opaque label argument (e.g. SEGMENT_START's segment name); it
		// carries no numeric value of its own.
		name := p.current.Value
		p.advance()
		return &SymbolExpr{Name: name, Line: line}
	default:
		p.recordf("unexpected token %q in expression", p.current.Value)
		p.advance()
		return &NumberExpr{Value: 0, Line: line}
	}
}

// foldCompound turns "x += rhs" into "x + rhs" so an AssignExpr always
// carries a plain replacement value, matching how the teacher's
// compound-assignment tokens (+=, -=, ...) are desugared before codegen.
// Statement-level AssignCmds are not folded: parseBareAssign keeps the
// compound Op and the raw RHS, and layout applies the operator.
func foldCompound(cur Expr, op AssignOp, rhs Expr) Expr {
	binop, ok := map[AssignOp]BinOp{
		OpAddEq: OpAdd, OpSubEq: OpSub, OpMulEq: OpMul, OpDivEq: OpDiv,
		OpShlEq: OpShl, OpShrEq: OpShr, OpAndEq: OpAnd, OpOrEq: OpOr, OpXorEq: OpXor,
	}[op]
	if !ok {
		return rhs
	}
	return &BinaryExpr{Op: binop, Left: cur, Right: rhs}
}

var builtinFuncs = map[string]bool{
	KwAbsolute: true, KwAddr: true, KwAlign: true, KwAlignOf: true, KwAssert: true,
	KwConstant: true, KwDataSegAlign: true, KwDataSegEnd: true, KwDataSegRelro: true,
	KwDefined: true, KwLength: true, KwLoadAddr: true, KwLog2Ceil: true, KwMax: true,
	KwMin: true, KwOrigin: true, KwSegStart: true, KwSizeOf: true, KwSizeOfHdrs: true,
}

func isBuiltinFunc(name string) bool { return builtinFuncs[name] }

func (p *Parser) parseCall(name string, line int) Expr {
	p.advance() // name
	p.expect(LPAREN, "(")
	c := &CallExpr{Name: name, Line: line}
	if name == KwAssert {
		c.Args = append(c.Args, p.parseTernary())
		p.consume(COMMA)
		c.Msg = trimQuotes(p.current.Value)
		p.advance()
	} else if name == KwSizeOfHdrs {
		// no arguments
	} else {
		for p.current.Type != RPAREN && !p.atEOF() {
			if p.current.Type == IDENT && (name == KwAddr || name == KwAlignOf || name == KwLength ||
				name == KwLoadAddr || name == KwOrigin || name == KwSizeOf || name == KwDefined ||
				(name == KwSegStart && len(c.Args) == 0) || name == KwConstant) {
				c.Args = append(c.Args, &SymbolExpr{Name: p.current.Value, Line: p.current.Line})
				p.advance()
			} else {
				c.Args = append(c.Args, p.parseTernary())
			}
			p.consume(COMMA)
		}
	}
	p.expect(RPAREN, ")")
	return c
}

func parseNumberLiteral(s string) uint64 {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, _ := strconv.ParseUint(s[2:], 16, 64)
		return v
	}
	if strings.HasSuffix(s, "H") || strings.HasSuffix(s, "h") {
		v, _ := strconv.ParseUint(s[:len(s)-1], 16, 64)
		return v
	}
	mult := uint64(1)
	if strings.HasSuffix(s, "K") {
		mult, s = 1024, s[:len(s)-1]
	} else if strings.HasSuffix(s, "M") {
		mult, s = 1024*1024, s[:len(s)-1]
	}
	v, _ := strconv.ParseUint(s, 10, 64)
	return v * mult
}
