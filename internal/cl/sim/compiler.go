package sim

import (
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
)

// The simulated compiler only does what the host side can observe: it
// runs the preprocessor, checks that the token stream is well formed and
// records the signature of every kernel. It never generates code.

const sourceName = "<source>"

type param struct {
	pointer bool
	space   string
	typ     string
}

type signature []param

// size returns the byte size of a scalar parameter, or 0 if unknown.
func (p param) size() int {
	switch p.typ {
	case "char", "uchar", "unsigned char", "bool":
		return 1
	case "short", "ushort", "unsigned short", "half":
		return 2
	case "int", "uint", "unsigned int", "unsigned", "float":
		return 4
	case "long", "ulong", "unsigned long", "double", "size_t":
		return 8
	}
	return 0
}

type compileOutput struct {
	ok      bool
	log     string
	kernels map[string]signature
	order   []string
}

type diagnostics struct {
	b strings.Builder
	n int
}

func (d *diagnostics) errorf(line, col int, format string, args ...any) {
	fmt.Fprintf(&d.b, "%s:%d:%d: error: %s\n", sourceName, line, col, fmt.Sprintf(format, args...))
	d.n++
}

func compile(source string, macros map[string]string) compileOutput {
	var diag diagnostics
	defs := maps.Clone(macros)

	lines := preprocess(source, defs, &diag)
	toks := lex(lines, &diag)
	if diag.n == 0 {
		checkDelimiters(toks, &diag)
	}
	var out compileOutput
	if diag.n == 0 {
		out.kernels, out.order = extractKernels(toks, defs, &diag)
	}
	if diag.n > 0 {
		plural := ""
		if diag.n > 1 {
			plural = "s"
		}
		fmt.Fprintf(&diag.b, "%d error%s generated.\n", diag.n, plural)
		return compileOutput{log: diag.b.String()}
	}
	out.ok = true
	return out
}

// parseOptions extracts -D definitions from a build option string.
// Options that only affect code generation are accepted and ignored.
func parseOptions(options string) (map[string]string, error) {
	defs := make(map[string]string)
	fields := strings.Fields(options)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "-D" || f == "-I":
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("missing argument to %s", f)
			}
			i++
			if f == "-D" {
				addDefine(defs, fields[i])
			}
		case strings.HasPrefix(f, "-D"):
			addDefine(defs, f[2:])
		case strings.HasPrefix(f, "-I"),
			strings.HasPrefix(f, "-cl-"),
			f == "-w", f == "-Werror", f == "-g":
		default:
			return nil, fmt.Errorf("unknown build option %q", f)
		}
	}
	return defs, nil
}

func addDefine(defs map[string]string, def string) {
	name, value, ok := strings.Cut(def, "=")
	if !ok {
		value = "1"
	}
	defs[name] = value
}

type conditional struct {
	parent  bool
	active  bool
	taken   bool
	sawElse bool
	line    int
}

// preprocess evaluates directives and returns the source lines with every
// inactive line and directive blanked, so positions stay stable.
func preprocess(source string, macros map[string]string, diag *diagnostics) []string {
	lines := strings.Split(source, "\n")
	out := make([]string, len(lines))
	var stack []conditional
	active := func() bool {
		return len(stack) == 0 || stack[len(stack)-1].active
	}

	for i, raw := range lines {
		ln := i + 1
		trimmed := strings.TrimSpace(raw)
		if !strings.HasPrefix(trimmed, "#") {
			if active() {
				out[i] = raw
			}
			continue
		}
		col := strings.IndexByte(raw, '#') + 1
		directive, rest := splitDirective(trimmed[1:])

		switch directive {
		case "if", "ifdef", "ifndef":
			c := conditional{parent: active(), line: ln}
			if c.parent {
				c.active = evalCondition(directive, rest, macros, diag, ln, col)
				c.taken = c.active
			}
			stack = append(stack, c)
		case "elif":
			if len(stack) == 0 {
				diag.errorf(ln, col, "#elif without #if")
				continue
			}
			c := &stack[len(stack)-1]
			if c.sawElse {
				diag.errorf(ln, col, "#elif after #else")
				continue
			}
			c.active = false
			if c.parent && !c.taken {
				c.active = evalCondition("if", rest, macros, diag, ln, col)
				c.taken = c.active
			}
		case "else":
			if len(stack) == 0 {
				diag.errorf(ln, col, "#else without #if")
				continue
			}
			c := &stack[len(stack)-1]
			if c.sawElse {
				diag.errorf(ln, col, "#else after #else")
				continue
			}
			c.sawElse = true
			c.active = c.parent && !c.taken
			c.taken = true
		case "endif":
			if len(stack) == 0 {
				diag.errorf(ln, col, "#endif without #if")
				continue
			}
			stack = stack[:len(stack)-1]
		default:
			if !active() {
				continue
			}
			switch directive {
			case "define":
				name, value := parseDefine(rest)
				if name == "" {
					diag.errorf(ln, col, "macro name missing")
					continue
				}
				macros[name] = value
			case "undef":
				delete(macros, rest)
			case "error":
				diag.errorf(ln, col, "%s", rest)
			case "pragma", "include", "line", "warning", "":
			default:
				diag.errorf(ln, col, "invalid preprocessing directive")
			}
		}
	}
	for _, c := range stack {
		diag.errorf(c.line, 2, "unterminated conditional directive")
	}
	return out
}

func splitDirective(s string) (string, string) {
	s = strings.TrimLeft(s, " \t")
	n := 0
	for n < len(s) && isIdent(s[n]) {
		n++
	}
	rest := s[n:]
	if i := strings.Index(rest, "//"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.Index(rest, "/*"); i >= 0 {
		rest = rest[:i]
	}
	return s[:n], strings.TrimSpace(rest)
}

func parseDefine(rest string) (string, string) {
	n := 0
	for n < len(rest) && isIdent(rest[n]) {
		n++
	}
	if n == 0 || isDigit(rest[0]) {
		return "", ""
	}
	name, value := rest[:n], rest[n:]
	if strings.HasPrefix(value, "(") {
		if i := strings.IndexByte(value, ')'); i >= 0 {
			value = value[i+1:]
		}
	}
	return name, strings.TrimSpace(value)
}

func evalCondition(kind, expr string, macros map[string]string, diag *diagnostics, line, col int) bool {
	switch kind {
	case "ifdef", "ifndef":
		if expr == "" {
			diag.errorf(line, col, "macro name missing")
			return false
		}
		_, ok := macros[expr]
		return ok == (kind == "ifdef")
	}
	v, err := evalExpr(expr, macros, 0)
	if err != nil {
		diag.errorf(line, col, "%v", err)
		return false
	}
	return v != 0
}

var exprToken = regexp.MustCompile(`^(\s+|[0-9][A-Za-z0-9_]*|[A-Za-z_][A-Za-z0-9_]*|&&|\|\||==|!=|<=|>=|<<|>>|[!()+\-*/%<>~&|^])`)

func tokenizeExpr(s string) ([]string, error) {
	var toks []string
	for len(s) > 0 {
		m := exprToken.FindString(s)
		if m == "" {
			return nil, fmt.Errorf("invalid token at start of a preprocessor expression")
		}
		s = s[len(m):]
		if strings.TrimSpace(m) != "" {
			toks = append(toks, m)
		}
	}
	return toks, nil
}

const maxExpansion = 16

func evalExpr(expr string, macros map[string]string, depth int) (int64, error) {
	if depth > maxExpansion {
		return 0, fmt.Errorf("macro expansion too deep")
	}
	toks, err := tokenizeExpr(expr)
	if err != nil {
		return 0, err
	}
	if len(toks) == 0 {
		if depth == 0 {
			return 0, fmt.Errorf("expected value in expression")
		}
		return 0, nil
	}
	p := &exprParser{toks: toks, macros: macros, depth: depth}
	v, err := p.binary(1)
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.toks) {
		return 0, fmt.Errorf("token is not a valid binary operator in a preprocessor subexpression")
	}
	return v, nil
}

var binaryPrec = map[string]int{
	"||": 1, "&&": 2, "|": 3, "^": 4, "&": 5,
	"==": 6, "!=": 6,
	"<": 7, ">": 7, "<=": 7, ">=": 7,
	"<<": 8, ">>": 8,
	"+": 9, "-": 9,
	"*": 10, "/": 10, "%": 10,
}

type exprParser struct {
	toks   []string
	pos    int
	macros map[string]string
	depth  int
}

func (p *exprParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *exprParser) next() string {
	t := p.peek()
	if t != "" {
		p.pos++
	}
	return t
}

func (p *exprParser) binary(minPrec int) (int64, error) {
	lhs, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		prec, ok := binaryPrec[op]
		if !ok || prec < minPrec {
			return lhs, nil
		}
		p.pos++
		rhs, err := p.binary(prec + 1)
		if err != nil {
			return 0, err
		}
		if lhs, err = applyBinary(op, lhs, rhs); err != nil {
			return 0, err
		}
	}
}

func (p *exprParser) unary() (int64, error) {
	t := p.next()
	switch {
	case t == "":
		return 0, fmt.Errorf("expected value in expression")
	case t == "!" || t == "-" || t == "+" || t == "~":
		v, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch t {
		case "!":
			return boolInt(v == 0), nil
		case "-":
			return -v, nil
		case "~":
			return ^v, nil
		}
		return v, nil
	case t == "(":
		v, err := p.binary(1)
		if err != nil {
			return 0, err
		}
		if p.next() != ")" {
			return 0, fmt.Errorf("expected ')' in preprocessor expression")
		}
		return v, nil
	case t == "defined":
		paren := p.peek() == "("
		if paren {
			p.pos++
		}
		name := p.next()
		if name == "" || !isIdentStart(name[0]) {
			return 0, fmt.Errorf("macro name must be an identifier")
		}
		if paren && p.next() != ")" {
			return 0, fmt.Errorf("missing ')' after 'defined'")
		}
		_, ok := p.macros[name]
		return boolInt(ok), nil
	case isDigit(t[0]):
		n, err := strconv.ParseInt(strings.TrimRight(t, "uUlL"), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer literal %q", t)
		}
		return n, nil
	case isIdentStart(t[0]):
		value, ok := p.macros[t]
		if !ok {
			return 0, nil
		}
		return evalExpr(value, p.macros, p.depth+1)
	}
	return 0, fmt.Errorf("invalid token at start of a preprocessor expression")
}

func applyBinary(op string, a, b int64) (int64, error) {
	switch op {
	case "||":
		return boolInt(a != 0 || b != 0), nil
	case "&&":
		return boolInt(a != 0 && b != 0), nil
	case "|":
		return a | b, nil
	case "^":
		return a ^ b, nil
	case "&":
		return a & b, nil
	case "==":
		return boolInt(a == b), nil
	case "!=":
		return boolInt(a != b), nil
	case "<":
		return boolInt(a < b), nil
	case ">":
		return boolInt(a > b), nil
	case "<=":
		return boolInt(a <= b), nil
	case ">=":
		return boolInt(a >= b), nil
	case "<<":
		return a << uint64(b&63), nil
	case ">>":
		return a >> uint64(b&63), nil
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/", "%":
		if b == 0 {
			return 0, fmt.Errorf("division by zero in preprocessor expression")
		}
		if op == "/" {
			return a / b, nil
		}
		return a % b, nil
	}
	return 0, fmt.Errorf("unknown operator %q", op)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokPunct
	tokLiteral
)

type token struct {
	kind      tokenKind
	text      string
	line, col int
}

// lex tokenizes the preprocessed lines. Comments are dropped and string
// and character literals become single tokens.
func lex(lines []string, diag *diagnostics) []token {
	var (
		toks      []token
		inComment bool
		cLine     int
		cCol      int
	)
	for i, s := range lines {
		ln := i + 1
		for j := 0; j < len(s); {
			c := s[j]
			switch {
			case inComment:
				if strings.HasPrefix(s[j:], "*/") {
					inComment = false
					j += 2
				} else {
					j++
				}
			case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
				j++
			case strings.HasPrefix(s[j:], "//"):
				j = len(s)
			case strings.HasPrefix(s[j:], "/*"):
				inComment, cLine, cCol = true, ln, j+1
				j += 2
			case c == '"' || c == '\'':
				end := j + 1
				for end < len(s) && s[end] != c {
					if s[end] == '\\' {
						end++
					}
					end++
				}
				if end >= len(s) {
					diag.errorf(ln, j+1, "missing terminating %c character", c)
					j = len(s)
					continue
				}
				toks = append(toks, token{tokLiteral, s[j : end+1], ln, j + 1})
				j = end + 1
			case isIdentStart(c):
				end := j
				for end < len(s) && isIdent(s[end]) {
					end++
				}
				toks = append(toks, token{tokIdent, s[j:end], ln, j + 1})
				j = end
			case isDigit(c) || (c == '.' && j+1 < len(s) && isDigit(s[j+1])):
				end := j
				for end < len(s) && (isIdent(s[end]) || s[end] == '.' ||
					((s[end] == '+' || s[end] == '-') && (s[end-1] == 'e' || s[end-1] == 'E'))) {
					end++
				}
				toks = append(toks, token{tokNumber, s[j:end], ln, j + 1})
				j = end
			case strings.IndexByte("{}()[];,.*&|^!~+-/%<>=?:", c) >= 0:
				toks = append(toks, token{tokPunct, string(c), ln, j + 1})
				j++
			default:
				diag.errorf(ln, j+1, "unexpected character '%c'", c)
				j++
			}
		}
	}
	if inComment {
		diag.errorf(cLine, cCol, "unterminated /* comment")
	}
	return toks
}

var closing = map[string]string{"(": ")", "[": "]", "{": "}"}

func checkDelimiters(toks []token, diag *diagnostics) {
	var stack []token
	for _, t := range toks {
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			stack = append(stack, t)
		case ")", "]", "}":
			if len(stack) == 0 {
				diag.errorf(t.line, t.col, "extraneous closing '%s'", t.text)
				return
			}
			open := stack[len(stack)-1]
			if closing[open.text] != t.text {
				diag.errorf(t.line, t.col, "expected '%s' to match '%s' at %d:%d",
					closing[open.text], open.text, open.line, open.col)
				return
			}
			stack = stack[:len(stack)-1]
		}
	}
	for _, open := range stack {
		diag.errorf(open.line, open.col, "expected '%s' at end of input", closing[open.text])
	}
}

// matching returns the index of the token closing the group opened at i.
func matching(toks []token, i int) int {
	depth := 0
	for j := i; j < len(toks); j++ {
		switch toks[j].text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return len(toks) - 1
}

func extractKernels(toks []token, macros map[string]string, diag *diagnostics) (map[string]signature, []string) {
	kernels := make(map[string]signature)
	var order []string

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokIdent || (t.text != "kernel" && t.text != "__kernel") {
			continue
		}
		j := i + 1
		for j+1 < len(toks) && toks[j].text == "__attribute__" && toks[j+1].text == "(" {
			j = matching(toks, j+1) + 1
		}
		if j >= len(toks) {
			diag.errorf(t.line, t.col, "expected function declaration after '%s'", t.text)
			break
		}
		if toks[j].text != "void" {
			diag.errorf(toks[j].line, toks[j].col, "kernel must have void return type")
			continue
		}
		j++
		if j >= len(toks) || toks[j].kind != tokIdent {
			diag.errorf(t.line, t.col, "expected kernel name")
			continue
		}
		name := toks[j]
		j++
		if j >= len(toks) || toks[j].text != "(" {
			diag.errorf(name.line, name.col, "expected '(' after kernel name '%s'", name.text)
			continue
		}
		end := matching(toks, j)
		sig, ok := parseParams(toks[j+1:end], macros, diag)
		j = end + 1
		if j < len(toks) && toks[j].text == ";" {
			i = j
			continue
		}
		if j >= len(toks) || toks[j].text != "{" {
			diag.errorf(name.line, name.col, "expected function body after kernel declarator")
			continue
		}
		i = j
		if !ok {
			continue
		}
		if _, dup := kernels[name.text]; dup {
			diag.errorf(name.line, name.col, "redefinition of '%s'", name.text)
			continue
		}
		kernels[name.text] = sig
		order = append(order, name.text)
	}
	return kernels, order
}

var (
	identRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	wordRe  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*|[0-9]+|\S`)
)

var addressSpaces = map[string]string{
	"global": "global", "__global": "global",
	"local": "local", "__local": "local",
	"constant": "constant", "__constant": "constant",
	"private": "private", "__private": "private",
}

var dropQualifiers = map[string]bool{
	"const": true, "restrict": true, "__restrict": true, "volatile": true,
	"read_only": true, "write_only": true, "__read_only": true, "__write_only": true,
}

func parseParams(toks []token, macros map[string]string, diag *diagnostics) (signature, bool) {
	if len(toks) == 0 || (len(toks) == 1 && toks[0].text == "void") {
		return signature{}, true
	}
	var (
		sig   signature
		start int
		depth int
		ok    = true
	)
	for i := 0; i <= len(toks); i++ {
		if i < len(toks) {
			switch toks[i].text {
			case "(", "[":
				depth++
				continue
			case ")", "]":
				depth--
				continue
			case ",":
				if depth > 0 {
					continue
				}
			default:
				continue
			}
		}
		piece := toks[start:i]
		pos := toks[min(start, len(toks)-1)]
		start = i + 1
		if len(piece) == 0 {
			diag.errorf(pos.line, pos.col, "expected parameter declarator")
			ok = false
			continue
		}
		p, err := parseParam(piece, macros)
		if err != nil {
			diag.errorf(piece[0].line, piece[0].col, "%v", err)
			ok = false
			continue
		}
		sig = append(sig, p)
	}
	return sig, ok
}

func parseParam(piece []token, macros map[string]string) (param, error) {
	parts := make([]string, len(piece))
	for i, t := range piece {
		parts[i] = t.text
	}
	text := strings.Join(parts, " ")
	for range maxExpansion {
		expanded := identRe.ReplaceAllStringFunc(text, func(id string) string {
			if v, ok := macros[id]; ok && v != "" {
				return v
			}
			return id
		})
		if expanded == text {
			break
		}
		text = expanded
	}

	var (
		p     param
		words []string
	)
	for _, w := range wordRe.FindAllString(text, -1) {
		switch {
		case w == "*":
			p.pointer = true
		case addressSpaces[w] != "":
			p.space = addressSpaces[w]
		case dropQualifiers[w]:
		default:
			words = append(words, w)
		}
	}
	// The last identifier is the parameter name.
	if len(words) > 1 && isIdentStart(words[len(words)-1][0]) {
		words = words[:len(words)-1]
	}
	p.typ = strings.Join(words, " ")
	if p.typ == "" {
		return param{}, fmt.Errorf("expected parameter type")
	}
	if p.pointer && (p.space == "" || p.space == "private") {
		return param{}, fmt.Errorf("pointer arguments to kernel functions must reside in '__global', '__constant', or '__local' address space")
	}
	if !p.pointer && p.space != "" && p.space != "private" {
		return param{}, fmt.Errorf("parameter may not be qualified with an address space")
	}
	return p, nil
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c|0x20 >= 'a' && c|0x20 <= 'z') }
func isIdent(c byte) bool      { return isIdentStart(c) || isDigit(c) }
