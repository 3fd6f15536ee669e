// Package shellformat renders agent launch command lines. It quotes
// arguments using mvdan.cc/sh/v3/syntax so the resulting string is valid
// shell, and reformats long one-liners for readable log output.
package shellformat

import (
	"bytes"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Join builds a shell command line from an argv slice, quoting each
// argument as needed. The result can be copy-pasted into a shell and
// executed as-is.
func Join(argv []string) (string, error) {
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		quoted, err := syntax.Quote(arg, syntax.LangBash)
		if err != nil {
			return "", fmt.Errorf("quote %q: %w", arg, err)
		}
		parts = append(parts, quoted)
	}
	return strings.Join(parts, " "), nil
}

// Format reformats a shell one-liner with the shfmt printer: binary
// operators (&&, ||, |) move to the start of continuation lines and
// redirects get surrounding spaces. On parse error the input is returned
// unchanged; the command may target a shell dialect the parser does not
// accept, and a launch command must never be lost to pretty-printing.
func Format(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(input), "")
	if err != nil {
		return input
	}

	printer := syntax.NewPrinter(
		syntax.Indent(2),
		syntax.BinaryNextLine(true),
		syntax.SpaceRedirects(true),
	)
	var buf bytes.Buffer
	if err := printer.Print(&buf, prog); err != nil {
		return input
	}
	return strings.TrimRight(buf.String(), "\n")
}
