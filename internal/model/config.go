package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
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

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int      `json:"version" yaml:"version"` // fixed 0 for now
	Verbose bool     `json:"verbose" yaml:"verbose"`
	Server  Server   `json:"server" yaml:"server"`
	Backup  *Backup  `json:"backup,omitempty" yaml:"backup,omitempty"`
	Remote  *Remote  `json:"remote,omitempty" yaml:"remote,omitempty"`
	Metrics *Metrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Server is the supervised game server.
type Server struct {
	Executable string   `json:"executable" yaml:"executable"`
	Args       []string `json:"args" yaml:"args"`
	Dir        string   `json:"dir" yaml:"dir"`
	Env        []string `json:"env,omitempty" yaml:"env,omitempty"` // appended to warden's own environment

	StopCommand  string `json:"stop_command" yaml:"stop_command"`
	SaveCommand  string `json:"save_command" yaml:"save_command"`
	StopTimeout  string `json:"stop_timeout" yaml:"stop_timeout"`   // e.g. 5m or 300s
	DrainTimeout string `json:"drain_timeout" yaml:"drain_timeout"` // wait for output pumps after the server died
}

// Backup of a server directory.
type Backup struct {
	Source      string    `json:"source" yaml:"source"`
	Destination string    `json:"destination" yaml:"destination"`
	Name        string    `json:"name" yaml:"name"` // strftime template
	Schedule    *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule of automatic backups: a cron expression or an interval.
type Schedule struct {
	Cron  string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every string `json:"every,omitempty" yaml:"every,omitempty"`
}

// Remote chat gateway settings.
type Remote struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Token        string `json:"token" yaml:"token"`
	AuthorizedID int64  `json:"authorized_id" yaml:"authorized_id"`
	APIURL       string `json:"api_url" yaml:"api_url"`
	Buffer       int    `json:"buffer" yaml:"buffer"`
}

type Metrics struct {
	Listen string `json:"listen" yaml:"listen"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Validation failures are returned as *ConfigError.
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
		return nil, newConfigError(err, unified)
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	if err := out.check(); err != nil {
		return nil, err
	}
	return &out, nil
}

// check validates what the schema cannot express
func (c Config) check() error {
	var errs []error
	if _, err := ParseDuration(c.Server.StopTimeout); err != nil {
		errs = append(errs, Explainf("server.stop_timeout: %v", err))
	}
	if _, err := ParseDuration(c.Server.DrainTimeout); err != nil {
		errs = append(errs, Explainf("server.drain_timeout: %v", err))
	}
	if c.Backup != nil && c.Backup.Schedule != nil {
		s := c.Backup.Schedule
		switch {
		case s.Cron != "" && s.Every != "":
			errs = append(errs, Explainf("backup.schedule: cron and every are mutually exclusive"))
		case s.Cron != "":
			if err := ParseCron(s.Cron); err != nil {
				errs = append(errs, Explainf("backup.schedule.cron: %v", err))
			}
		case s.Every != "":
			d, err := ParseDuration(s.Every)
			if err != nil {
				errs = append(errs, Explainf("backup.schedule.every: %v", err))
			} else if d < time.Minute {
				errs = append(errs, Explainf("backup.schedule.every: %s is shorter than a minute", d))
			}
		default:
			errs = append(errs, Explainf("backup.schedule: either cron or every must be set"))
		}
	}
	return errors.Join(errs...)
}

// StopTimeoutDuration returns the graceful stop timeout.
func (s Server) StopTimeoutDuration() time.Duration {
	d, err := ParseDuration(s.StopTimeout)
	if err != nil {
		return DefaultStopTimeout
	}
	return d
}

// DrainTimeoutDuration returns how long are output pumps allowed to drain.
func (s Server) DrainTimeoutDuration() time.Duration {
	d, err := ParseDuration(s.DrainTimeout)
	if err != nil {
		return DefaultDrainTimeout
	}
	return d
}

const (
	DefaultStopTimeout  = 300 * time.Second
	DefaultDrainTimeout = 5 * time.Second
)

// Explained is a configuration or protocol failure with a free-form message.
type Explained struct {
	Msg string
}

func (e *Explained) Error() string {
	return e.Msg
}

func Explainf(format string, args ...any) error {
	return &Explained{Msg: fmt.Sprintf(format, args...)}
}
