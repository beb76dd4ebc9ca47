// Package manifest parses pip requirements files: one package specifier
// per line, comments, continuations, hash pins, and option lines.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var ErrInvalidRequirement = errors.New("invalid requirement")

// nameRe matches a PEP 508 distribution name at the start of a specifier.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?`)

// normalizeRe collapses name separators for PEP 503 canonical form.
var normalizeRe = regexp.MustCompile(`[-_.]+`)

// Requirement is one package specifier from the manifest.
type Requirement struct {
	// Raw is the specifier as written (continuations joined, comments stripped).
	Raw string
	// Name is the PEP 503 canonical distribution name.
	Name string
	// Hashed is true when the line carries --hash pins.
	Hashed bool
}

// Manifest is a parsed requirements file.
type Manifest struct {
	Requirements []Requirement

	// HasHashes is true when every requirement carries hash pins, which
	// allows strict install mode.
	HasHashes bool

	// HasRelativeIncludes is true when the file references other files by
	// relative path (-r/-c includes or editable installs). Such manifests
	// must be resolved from the payload root.
	HasRelativeIncludes bool
}

// ParseFile parses the requirements file at path.
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse parses a requirements file.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	allHashed := true

	process := func(line string, lineNo int) error {
		line = stripComment(line)
		line = strings.TrimSpace(line)
		if line == "" {
			return nil
		}

		if strings.HasPrefix(line, "-") {
			if isRelativeInclude(line) {
				m.HasRelativeIncludes = true
			}
			// Other option lines (--index-url etc.) pass through to pip.
			return nil
		}

		req, err := parseRequirement(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !req.Hashed {
			allHashed = false
		}
		m.Requirements = append(m.Requirements, req)
		return nil
	}

	scanner := bufio.NewScanner(r)
	var pending string
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		// Join continuation lines before any other handling.
		if strings.HasSuffix(line, `\`) {
			pending += strings.TrimSuffix(line, `\`)
			continue
		}
		if err := process(pending+line, lineNo); err != nil {
			return nil, err
		}
		pending = ""
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	// A continuation on the last line still carries a requirement.
	if pending != "" {
		if err := process(pending, lineNo); err != nil {
			return nil, err
		}
	}

	m.HasHashes = allHashed && len(m.Requirements) > 0
	return m, nil
}

// parseRequirement validates a single specifier line.
func parseRequirement(line string) (Requirement, error) {
	name := nameRe.FindString(line)
	if name == "" {
		return Requirement{}, fmt.Errorf("%w: %q", ErrInvalidRequirement, line)
	}

	rest := strings.TrimSpace(line[len(name):])
	if err := validateSpecifierRest(rest); err != nil {
		return Requirement{}, fmt.Errorf("%w: %q", ErrInvalidRequirement, line)
	}

	return Requirement{
		Raw:    line,
		Name:   CanonicalName(name),
		Hashed: strings.Contains(line, "--hash="),
	}, nil
}

// validateSpecifierRest checks everything after the distribution name:
// extras, version clauses, a direct reference, per-requirement options.
// Bare words that belong to none of those are rejected rather than passed
// through to pip.
func validateSpecifierRest(rest string) error {
	if rest == "" {
		return nil
	}
	// Marker text after ';' is an arbitrary PEP 508 expression; pip owns
	// its grammar.
	if i := strings.Index(rest, ";"); i >= 0 {
		rest = rest[:i]
	}

	expectOperand := false
	for _, tok := range strings.Fields(rest) {
		switch {
		case expectOperand:
			// Version or URL completing the previous operator.
			expectOperand = false
		case strings.HasPrefix(tok, "--"):
			// --hash pins and other per-requirement options.
		case tok == "@":
			expectOperand = true
		case strings.IndexAny(tok, "=<>~!,[(@") == 0:
			// Version clause, extras, or direct reference. A trailing
			// comma or a bare operator continues on the next token.
			if strings.HasSuffix(tok, ",") || isOperatorOnly(tok) {
				expectOperand = true
			}
		default:
			return fmt.Errorf("unexpected token %q", tok)
		}
	}
	return nil
}

// isOperatorOnly reports whether tok is a bare comparison operator.
func isOperatorOnly(tok string) bool {
	for _, r := range tok {
		switch r {
		case '=', '<', '>', '~', '!':
		default:
			return false
		}
	}
	return len(tok) > 0
}

// CanonicalName returns the PEP 503 normalized distribution name.
func CanonicalName(name string) string {
	return strings.ToLower(normalizeRe.ReplaceAllString(name, "-"))
}

// stripComment removes a trailing comment. pip treats an unescaped "#"
// preceded by whitespace (or at line start) as a comment.
func stripComment(line string) string {
	if strings.HasPrefix(strings.TrimSpace(line), "#") {
		return ""
	}
	if i := strings.Index(line, " #"); i >= 0 {
		return line[:i]
	}
	if i := strings.Index(line, "\t#"); i >= 0 {
		return line[:i]
	}
	return line
}

// isRelativeInclude reports whether an option line pulls in another file
// by relative path.
func isRelativeInclude(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		// "-e ." style may have the path attached: -e. is invalid anyway
		return false
	}
	switch fields[0] {
	case "-r", "--requirement", "-c", "--constraint", "-e", "--editable":
		path := fields[1]
		return !strings.Contains(path, "://") && !strings.HasPrefix(path, "/")
	}
	return false
}

// Names returns the canonical names of all requirements, in file order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		names = append(names, r.Name)
	}
	return names
}
