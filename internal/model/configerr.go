package model

import (
	"fmt"
	"log/slog"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem found in a configuration file.
type CueErrorDetail struct {
	Path    string // service.cancel_grace, synthesis.path
	Code    string // missing | unknown_field | invalid
	Message string
	Pos     CueErrorPosition
	Raw     string // message reported by CUE
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

func (c CueErrorDetail) String() string {
	if c.Path == "" {
		return c.Message
	}
	return c.Path + ": " + c.Message
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

const durationHint = "expects a duration like 10s, 5m or 1d2h"

// hints describe what a field expects. Keys are config paths with both
// stages folded into "stage".
var hints = map[string]string{
	"version":                  "only version 0 is supported",
	"service.addr":             "expects a listen address like :5000",
	"service.workers":          "expects the number of concurrent jobs, at least 1",
	"service.queue_size":       "expects the number of waiting jobs, at least 1",
	"service.max_upload_mb":    "expects the upload limit in MB, at least 1",
	"service.job_timeout":      durationHint,
	"service.cancel_grace":     durationHint,
	"service.keepalive":        durationHint,
	"staging.root":             "expects a directory for job staging",
	"staging.output":           "expects a directory for job results",
	"stage.path":               "expects the program running the stage",
	"stage.timeout":            durationHint,
	"stage.args":               "expects a list of argument templates",
	"stage.env":                "expects a map of environment variables",
	"retention.ttl":            durationHint,
	"retention.sweep":          "expects either cron or duration",
	"retention.sweep.cron":     "expects a 5 field cron expression",
	"retention.sweep.duration": durationHint,
}

// CueErrDetails turns a LoadConfig error into a list of human readable
// problems, one per config path. Errors not coming from CUE are returned as
// a single detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var out []CueErrorDetail
	seen := make(map[string]struct{})
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := configPath(e.Path())
		code := errCode(raw)
		if _, ok := seen[path+"/"+code]; ok {
			continue
		}
		seen[path+"/"+code] = struct{}{}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: message(path, code, raw),
			Pos:     position(e),
			Raw:     raw,
		})
	}
	if len(out) == 0 {
		return []CueErrorDetail{{Code: "invalid", Message: err.Error(), Raw: err.Error()}}
	}
	return out
}

func errCode(raw string) string {
	switch {
	case strings.Contains(raw, "field is required"), strings.Contains(raw, "incomplete value"):
		return "missing"
	case strings.Contains(raw, "not allowed"):
		return "unknown_field"
	default:
		return "invalid"
	}
}

func message(path, code, raw string) string {
	if code == "unknown_field" {
		return "unknown field"
	}
	hint, ok := hints[hintKey(path)]
	if values, dflt := enumStrings(schema.LookupPath(cue.ParsePath(path))); len(values) > 1 {
		hint, ok = "expects one of "+strings.Join(values, ", "), true
		if dflt != nil {
			hint += ", default " + *dflt
		}
	}
	if !ok {
		return raw
	}
	if code == "missing" {
		return "is required, " + hint
	}
	return hint
}

// configPath drops the #Config definition and list indexes.
func configPath(p []string) string {
	ret := make([]string, 0, len(p))
	for _, s := range p {
		if strings.HasPrefix(s, "#") || strings.Trim(s, "0123456789") == "" {
			continue
		}
		ret = append(ret, s)
	}
	return strings.Join(ret, ".")
}

func hintKey(path string) string {
	for _, stage := range []string{"detection.", "synthesis."} {
		if rest, ok := strings.CutPrefix(path, stage); ok {
			return "stage." + rest
		}
	}
	return path
}

// enumStrings lists the string alternatives of a disjunction such as
// service.log.
func enumStrings(v cue.Value) (values []string, def *string) {
	if !v.Exists() {
		return nil, nil
	}
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			def = &s
		}
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, def
	}
	for _, a := range args {
		if s, err := a.String(); err == nil {
			values = append(values, s)
		}
	}
	return values, def
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{
				Filename: p.Filename(),
				Line:     p.Line(),
				Column:   p.Column(),
			}
		}
	}
	return CueErrorPosition{}
}
