package model

import (
	"context"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int        `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service    `json:"service" yaml:"service"`
	Staging   Staging    `json:"staging" yaml:"staging"`
	Detection Stage      `json:"detection" yaml:"detection"`
	Synthesis Stage      `json:"synthesis" yaml:"synthesis"`
	Retention *Retention `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// Service holds the HTTP and job scheduling settings. Durations use the
// 1d2h3m4s notation, see ParseCueDuration.
type Service struct {
	Addr        string `json:"addr" yaml:"addr"`
	Verbose     bool   `json:"verbose" yaml:"verbose"`
	Log         string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"
	Workers     int    `json:"workers" yaml:"workers"`
	QueueSize   int    `json:"queue_size" yaml:"queue_size"`
	JobTimeout  string `json:"job_timeout,omitempty" yaml:"job_timeout,omitempty"`
	CancelGrace string `json:"cancel_grace" yaml:"cancel_grace"`
	KeepAlive   string `json:"keepalive" yaml:"keepalive"`
	MaxUploadMB int    `json:"max_upload_mb" yaml:"max_upload_mb"`
}

// Staging is the filesystem layout shared by all jobs. Each job gets its own
// sub-tree below Root and its own results directory below Output.
type Staging struct {
	Root   string `json:"root" yaml:"root"`
	Output string `json:"output" yaml:"output"`
}

// Stage describes one external pipeline program. Args are text/template
// strings expanded with the job directories.
type Stage struct {
	Path        string            `json:"path" yaml:"path"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir         string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Timeout     string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	FallbackDir string            `json:"fallback_dir,omitempty" yaml:"fallback_dir,omitempty"` // synthesis only
}

// Retention evicts finished jobs and their files.
type Retention struct {
	TTL   string   `json:"ttl" yaml:"ttl"`
	Sweep Schedule `json:"sweep" yaml:"sweep"`
}

// Schedule is either a cron expression or a fixed interval.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig mirrors the layout of the reference deployment: the
// segmentation model and the inpainting model checked out next to the
// service and run with python.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			Addr:        ":5000",
			Log:         LogStderr,
			Workers:     1,
			QueueSize:   64,
			CancelGrace: "10s",
			KeepAlive:   "1s",
			MaxUploadMB: 256,
		},
		Staging: Staging{
			Root:   "camelia-decensor/temp",
			Output: "camelia-decensor/output",
		},
		Detection: Stage{
			Path: "python",
			Args: []string{
				"run_segmentation.py",
				"--model_type", "{{.Variant}}",
				"--input_dir", "{{.Input}}",
				"--output_dir", "{{.Root}}",
			},
			Dir: "smp-segmentation",
		},
		Synthesis: Stage{
			Path: "python",
			Args: []string{
				"bin/uncen.py",
				"--in_dir", "{{.Images}}",
				"--mask_dir", "{{.Masks}}",
				"--out_dir", "{{.Output}}",
				"--debug_dir", "{{.Debug}}",
				"--checkpoint", "pretrained/best",
			},
			Env: map[string]string{
				"PYTHONPATH": ".",
			},
			Dir: "lama-inpainting",
		},
		Retention: &Retention{
			TTL:   "1d",
			Sweep: Schedule{Duration: "10m"},
		},
	}
}
