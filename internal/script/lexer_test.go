package script

import "testing"

func tokens(l *Lexer, mode LexState) []Token {
	var out []Token
	for {
		tok := l.Next(mode)
		out = append(out, tok)
		if tok.Type == EOF {
			return out
		}
	}
}

func TestLexerBasicTokens(t *testing.T) {
	l := NewLexer("t", "SECTIONS { . = 0x1000; .text : { *(.text) } }")
	toks := tokens(l, Default)

	want := []string{"SECTIONS", "{", ".", "=", "0x1000", ";", ".text", ":", "{", "*", "(", ".text", ")", "}", "}"}
	if len(toks)-1 != len(want) { // -1 for trailing EOF
		t.Fatalf("got %d tokens, want %d: %#v", len(toks)-1, len(want), toks)
	}
	for i, w := range want {
		if toks[i].Value != w {
			t.Errorf("token %d = %q, want %q", i, toks[i].Value, w)
		}
	}
}

func TestLexerComments(t *testing.T) {
	l := NewLexer("t", "ENTRY(_start) /* c comment */ # hash comment\n// slash comment\nOUTPUT(a.out)")
	toks := tokens(l, Default)

	var idents []string
	for _, tok := range toks {
		if tok.Type == IDENT {
			idents = append(idents, tok.Value)
		}
	}
	want := []string{"ENTRY", "_start", "OUTPUT", "a.out"}
	if len(idents) != len(want) {
		t.Fatalf("idents = %v, want %v", idents, want)
	}
	for i := range want {
		if idents[i] != want[i] {
			t.Errorf("ident %d = %q, want %q", i, idents[i], want[i])
		}
	}
}

func TestLexerUnclosedComment(t *testing.T) {
	l := NewLexer("t", "SECTIONS /* never closed")
	tokens(l, Default)
	if l.Err() == nil {
		t.Fatal("expected unclosed-comment error")
	}
}

func TestLexerUnclosedQuote(t *testing.T) {
	l := NewLexer("t", `OUTPUT("a.out)`)
	tokens(l, Default)
	if l.Err() == nil {
		t.Fatal("expected unclosed-quote error")
	}
}

func TestLexerSectionNameModeExcludesColon(t *testing.T) {
	l := NewLexer("t", ".text:")
	tok := l.Next(SectionName)
	if tok.Value != ".text" {
		t.Fatalf("SectionName-mode token = %q, want %q", tok.Value, ".text")
	}
	colon := l.Next(SectionName)
	if colon.Type != COLON {
		t.Fatalf("expected COLON after .text, got %v %q", colon.Type, colon.Value)
	}
}

func TestLexerDefaultModeIncludesColon(t *testing.T) {
	l := NewLexer("t", "archive.a:member.o")
	tok := l.Next(Default)
	if tok.Value != "archive.a:member.o" {
		t.Fatalf("Default-mode token = %q, want whole archive:member spec", tok.Value)
	}
}

func TestLexerExprModeMultiCharOps(t *testing.T) {
	l := NewLexer("t", "a <<= b >> c == d")
	var types []TokenType
	for {
		tok := l.Next(Expr)
		if tok.Type == EOF {
			break
		}
		types = append(types, tok.Type)
	}
	want := []TokenType{IDENT, SHL_EQ, IDENT, SHR, IDENT, EQ, IDENT}
	if len(types) != len(want) {
		t.Fatalf("got %d tokens %v, want %d", len(types), types, len(want))
	}
	for i, w := range want {
		if types[i] != w {
			t.Errorf("token %d type = %v, want %v", i, types[i], w)
		}
	}
}

func TestLexerDiscardTokenInExprMode(t *testing.T) {
	l := NewLexer("t", "/DISCARD/")
	tok := l.Next(Expr)
	if tok.Type != DISCARD {
		t.Fatalf("expected DISCARD token, got %v %q", tok.Type, tok.Value)
	}
}

func TestLexerPeekCachesPerMode(t *testing.T) {
	l := NewLexer("t", ".text:")
	p1 := l.Peek(SectionName)
	p2 := l.Peek(SectionName)
	if p1 != p2 {
		t.Fatalf("Peek should be idempotent under the same mode: %v != %v", p1, p2)
	}
	// Peeking under a different mode must re-scan rather than return the
	// cached SectionName-mode token.
	p3 := l.Peek(Default)
	if p3.Value != ".text:" {
		t.Fatalf("Default-mode peek after SectionName-mode peek = %q, want %q", p3.Value, ".text:")
	}
}

func TestLexerIncludeStack(t *testing.T) {
	l := NewLexer("outer", "A")
	if err := l.PushInclude("inner", "B"); err != nil {
		t.Fatalf("PushInclude failed: %v", err)
	}
	toks := tokens(l, Default)
	var vals []string
	for _, tok := range toks {
		if tok.Type == IDENT {
			vals = append(vals, tok.Value)
		}
	}
	if len(vals) != 2 || vals[0] != "B" || vals[1] != "A" {
		t.Fatalf("expected included file's tokens (B) before resuming outer (A), got %v", vals)
	}
}

func TestLexerIncludeCycle(t *testing.T) {
	l := NewLexer("a.ld", "")
	if err := l.PushInclude("a.ld", ""); err == nil {
		t.Fatal("expected include-cycle error when re-including the active file")
	}
}

func TestLexerAtEOF(t *testing.T) {
	l := NewLexer("t", "x")
	if l.AtEOF() {
		t.Fatal("AtEOF should be false before consuming input")
	}
	l.Next(Default)
	if !l.AtEOF() {
		t.Fatal("AtEOF should be true once input is exhausted")
	}
}
