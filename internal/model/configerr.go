package model

import (
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigError is returned by LoadConfig when the file does not match the
// schema. Details contain one entry per reported position.
type ConfigError struct {
	Err     error
	Details []CueErrorDetail
}

func (e *ConfigError) Error() string {
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func newConfigError(err error, root cue.Value) *ConfigError {
	return &ConfigError{
		Err:     err,
		Details: humanize(err, root),
	}
}

type CueErrorDetail struct {
	Path    string // server.stop_timeout
	Code    string // missing_required | unknown_field | conflicting_values | type_mismatch | validation_error
	Message string // Human text
	Pos     CueErrorPosition
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|out of bound|does not match`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

func humanize(err error, root cue.Value) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := format
		if len(args) > 0 {
			raw = e.Error()
		}
		path := normalizePath(e.Path())
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		code, msg := classify(raw, path)
		if dflt, ok := defaultOf(root, path); ok {
			msg += " (default " + dflt + ")"
		}
		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
		})
	}
	return out
}

func defaultOf(root cue.Value, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	v := root.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return "", false
	}
	d, ok := v.Default()
	if !ok {
		return "", false
	}
	b, err := d.MarshalJSON()
	if err != nil {
		return "", false
	}
	return string(b), true
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", "Field " + last(path) + " is not allowed"
	case reIncomplete.MatchString(raw):
		return "missing_required", "Field " + last(path) + " is required"
	case reConflict.MatchString(raw):
		return "conflicting_values", "Field " + last(path) + " has invalid value"
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", "Field " + last(path) + " has wrong type"
	default:
		return "validation_error", raw
	}
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
