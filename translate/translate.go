// Package translate rewrites portable escape clauses embedded in SQL text
// into the engine's native dialect.
//
// An escape clause is a brace-delimited fragment such as {fn UCASE(name)},
// {oj t1 LEFT OUTER JOIN t2 ON ...}, {call proc(?)} or {ts '2024-01-02
// 03:04:05'}. Translation blanks the structural characters (braces and, for
// some clause kinds, the keyword) to spaces and leaves everything else in
// place, so the output always has exactly the same length as the input and
// byte offsets reported by the engine still point at the right spot in the
// original text.
//
// String literals, quoted identifiers, line and block comments and
// dollar-quoted blocks are skipped as opaque regions: brace characters
// inside them are never rewritten and never affect clause nesting.
package translate

import (
	"strings"

	"github.com/emberdb/ember"
)

// Clause keywords recognized after an opening brace, and how many leading
// characters of the clause body are blanked for each. A width of zero keeps
// the clause body untouched; only the braces are removed.
var keywords = []struct {
	word  string
	blank int
}{
	{"fn", 2},
	{"escape", 0},
	{"call", 0},
	{"oj", 2},
	{"ts", 0},
	{"t", 0},
	{"d", 0},
	{"params", len("params")},
}

// Statement translates SQL text with escape clauses into native SQL text.
//
// Text without a single '{' is returned unchanged without copying. The
// returned string always has the same length as the input. Translation fails
// with an error matching ember.ErrMalformedEscape on an unterminated
// literal, comment, dollar-quoted block or clause, and with
// ember.ErrUnbalancedEscape on mismatched braces.
func Statement(sql string) (string, error) {
	if strings.IndexByte(sql, '{') < 0 {
		return sql, nil
	}
	n := len(sql)
	chars := []byte(sql)
	level := 0
	for i := 0; i < n; i++ {
		switch c := sql[i]; c {
		case '\'', '"', '/', '-':
			j, err := skipEnd(sql, i, c)
			if err != nil {
				return "", err
			}
			i = j
		case '{':
			level++
			chars[i] = ' '
			for isSpace(chars[i]) {
				i++
				if i >= n {
					return "", ember.NewSyntaxError(sql, i)
				}
			}
			start := i
			if d := sql[i]; d >= '0' && d <= '9' {
				// Numeric placeholder clause: keep the brace and absorb
				// the whole clause, including anything nested in it.
				chars[start-1] = '{'
				j, err := skipNumericClause(sql, i)
				if err != nil {
					return "", err
				}
				i = j
				level--
				break
			} else if d == '?' {
				// Output parameter call: {? = call ...}.
				i++
				if i >= n {
					return "", ember.NewSyntaxError(sql, i)
				}
				for isSpace(sql[i]) {
					i++
					if i >= n {
						return "", ember.NewSyntaxError(sql, i)
					}
				}
				if sql[i] != '=' {
					return "", ember.NewSyntaxErrorExpected(sql, i, "=")
				}
				i++
				if i >= n {
					return "", ember.NewSyntaxError(sql, i)
				}
				for isSpace(sql[i]) {
					i++
					if i >= n {
						return "", ember.NewSyntaxError(sql, i)
					}
				}
			}
			for !isSpace(sql[i]) {
				i++
				if i >= n {
					return "", ember.NewSyntaxError(sql, i)
				}
			}
			blank := 0
			for _, kw := range keywords {
				if hasPrefixFold(sql, start, kw.word) {
					blank = kw.blank
					break
				}
			}
			for k := 0; k < blank; k++ {
				chars[start+k] = ' '
			}
			i = start + blank
		case '}':
			level--
			if level < 0 {
				return "", ember.NewUnbalancedError(sql, i)
			}
			chars[i] = ' '
		case '$':
			j, err := skipEnd(sql, i, c)
			if err != nil {
				return "", err
			}
			i = j
		}
	}
	if level != 0 {
		return "", ember.NewUnbalancedError(sql, n-1)
	}
	return string(chars), nil
}

// skipNumericClause consumes a numeric placeholder clause starting at the
// first digit and returns the index of its matching closing brace. Literals
// and comments inside the clause are skipped; nested braces are tracked so
// the clause is absorbed up to the brace that matches its own.
func skipNumericClause(sql string, i int) (int, error) {
	n := len(sql)
	depth := 1
	for {
		if i >= n {
			return 0, ember.NewSyntaxError(sql, i)
		}
		switch c := sql[i]; c {
		case '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		case '{':
			depth++
		case '\'', '"', '/', '-':
			j, err := skipEnd(sql, i, c)
			if err != nil {
				return 0, err
			}
			i = j
		}
		i++
	}
}

// skipEnd returns the index of the last character of the literal or comment
// opened by character c at position i, so that scanning can resume after it.
// When c does not actually open such a construct (a lone '/', '-' or '$'),
// the index i itself is returned.
func skipEnd(sql string, i int, c byte) (int, error) {
	n := len(sql)
	switch c {
	case '\'':
		j := strings.IndexByte(sql[i+1:], '\'')
		if j < 0 {
			return 0, ember.NewSyntaxErrorExpected(sql, i, "'")
		}
		return i + 1 + j, nil
	case '"':
		j := strings.IndexByte(sql[i+1:], '"')
		if j < 0 {
			return 0, ember.NewSyntaxErrorExpected(sql, i, `"`)
		}
		return i + 1 + j, nil
	case '/':
		if i+1 >= n {
			return 0, ember.NewSyntaxError(sql, i+1)
		}
		if sql[i+1] == '*' {
			// block comment
			j := strings.Index(sql[i+2:], "*/")
			if j < 0 {
				return 0, ember.NewSyntaxErrorExpected(sql, i, "*/")
			}
			return i + 2 + j + 1, nil
		}
		if sql[i+1] == '/' {
			// single line comment, terminated by end of line or input
			return lineEnd(sql, i+2), nil
		}
		return i, nil
	case '-':
		if i+1 >= n {
			return 0, ember.NewSyntaxError(sql, i+1)
		}
		if sql[i+1] == '-' {
			// single line comment, terminated by end of line or input
			return lineEnd(sql, i+2), nil
		}
		return i, nil
	case '$':
		// A dollar-quoted block starts with $$ preceded by the start of the
		// text or whitespace. Any other '$' is inert.
		if i < n-1 && sql[i+1] == '$' && (i == 0 || sql[i-1] <= ' ') {
			j := strings.Index(sql[i+2:], "$$")
			if j < 0 {
				return 0, ember.NewSyntaxErrorExpected(sql, i, "$$")
			}
			return i + 2 + j + 1, nil
		}
		return i, nil
	}
	return i, nil
}

// lineEnd returns the index of the first line terminator at or after i, or
// len(sql) when the line runs to the end of the input.
func lineEnd(sql string, i int) int {
	for i < len(sql) && sql[i] != '\r' && sql[i] != '\n' {
		i++
	}
	return i
}

// hasPrefixFold reports whether sql has the given keyword, ignoring case,
// starting at position start.
func hasPrefixFold(sql string, start int, word string) bool {
	end := start + len(word)
	return end <= len(sql) && strings.EqualFold(sql[start:end], word)
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	}
	return false
}

// CountParams returns the number of positional parameter markers ('?') in
// the SQL text, ignoring markers inside string literals, quoted identifiers,
// comments and dollar-quoted blocks. Malformed text is counted best-effort:
// scanning stops at the point of the problem.
func CountParams(sql string) int {
	count := 0
	for i := 0; i < len(sql); i++ {
		switch c := sql[i]; c {
		case '?':
			count++
		case '\'', '"', '/', '-', '$':
			j, err := skipEnd(sql, i, c)
			if err != nil {
				return count
			}
			i = j
		}
	}
	return count
}
