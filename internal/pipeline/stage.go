package pipeline

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/CZERTAINLY/Camelia/internal/model"
	"github.com/CZERTAINLY/Camelia/internal/staging"
)

// Stage is one configured external program of the pipeline. Its arguments
// are templates expanded with staging.Dirs, for example
// "--input_dir {{.Input}}".
type Stage struct {
	Name    string
	Path    string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
	args    []*template.Template
}

func NewStage(name string, cfg model.Stage) (Stage, error) {
	if cfg.Path == "" {
		return Stage{}, fmt.Errorf("%s: path is empty", name)
	}
	timeout, err := model.OptionalDuration(cfg.Timeout)
	if err != nil {
		return Stage{}, fmt.Errorf("%s.timeout: %w", name, err)
	}
	s := Stage{
		Name:    name,
		Path:    cfg.Path,
		Env:     maps.Clone(cfg.Env),
		Dir:     cfg.Dir,
		Timeout: timeout,
		args:    make([]*template.Template, len(cfg.Args)),
	}
	for i, arg := range cfg.Args {
		t, err := template.New(fmt.Sprintf("%s.args[%d]", name, i)).
			Option("missingkey=error").
			Parse(arg)
		if err != nil {
			return Stage{}, err
		}
		s.args[i] = t
	}
	return s, nil
}

// Command binds the stage to the directories of one run.
func (s Stage) Command(d staging.Dirs) (Command, error) {
	args := make([]string, len(s.args))
	var sb strings.Builder
	for i, t := range s.args {
		sb.Reset()
		if err := t.Execute(&sb, d); err != nil {
			return Command{}, fmt.Errorf("expanding %s: %w", t.Name(), err)
		}
		args[i] = sb.String()
	}
	env := make([]string, 0, len(s.Env))
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		env = append(env, k+"="+s.Env[k])
	}
	return Command{
		Path:    s.Path,
		Args:    args,
		Env:     env,
		Dir:     s.Dir,
		Timeout: s.Timeout,
	}, nil
}
