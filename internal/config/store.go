package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"go.uber.org/multierr"
	billy "gopkg.in/src-d/go-billy.v4"
	"gopkg.in/src-d/go-billy.v4/osfs"
	"gopkg.in/yaml.v3"
)

// Section names one file in the configuration directory.
type Section string

const (
	SectionController Section = "controller"
	SectionInputs     Section = "inputs"
	SectionOutputs    Section = "outputs"
	SectionLogs       Section = "logs"
	SectionPrograms   Section = "programs"
)

// Sections lists every section in load order.
var Sections = []Section{SectionController, SectionInputs, SectionOutputs, SectionLogs, SectionPrograms}

func (s Section) File() string { return string(s) + ".yaml" }

// Logs and programs may be absent.
func (s Section) optional() bool { return s == SectionLogs || s == SectionPrograms }

type inputsFile struct {
	Inputs []InputConfig `yaml:"inputs"`
}

type outputsFile struct {
	Outputs []OutputConfig `yaml:"outputs"`
}

type logsFile struct {
	Logs []LogConfig `yaml:"logs"`
}

type programsFile struct {
	Programs []ProgramConfig `yaml:"programs"`
}

// Store reads and writes configuration sections in a directory.
type Store struct {
	fs billy.Filesystem

	// Serializes read-modify-write cycles from this process.
	mu sync.Mutex
}

func NewStore(fs billy.Filesystem) *Store {
	return &Store{fs: fs}
}

// OpenDir returns a Store rooted at dir on the host filesystem.
func OpenDir(dir string) *Store {
	return NewStore(osfs.New(dir))
}

func (s *Store) Filesystem() billy.Filesystem { return s.fs }

// Load reads every section and returns a validated snapshot.
func (s *Store) Load() (Config, error) {
	var cfg Config
	var in inputsFile
	var out outputsFile
	var logs logsFile
	var progs programsFile

	targets := map[Section]any{
		SectionController: &cfg.Controller,
		SectionInputs:     &in,
		SectionOutputs:    &out,
		SectionLogs:       &logs,
		SectionPrograms:   &progs,
	}
	for _, sec := range Sections {
		if err := s.LoadSection(sec, targets[sec]); err != nil {
			return Config{}, err
		}
	}
	cfg.Inputs = in.Inputs
	cfg.Outputs = out.Outputs
	cfg.Logs = logs.Logs
	cfg.Programs = progs.Programs

	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadSection strictly decodes one section into v. Unknown fields are errors
// so typos do not silently fall back to defaults.
func (s *Store) LoadSection(sec Section, v any) error {
	f, err := s.fs.Open(sec.File())
	if err != nil {
		if os.IsNotExist(err) && sec.optional() {
			return nil
		}
		return fmt.Errorf("%s: %w", sec.File(), err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("%s: %w", sec.File(), err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%s: %w", sec.File(), err)
	}
	return nil
}

// SaveSection writes v atomically: a temp file in the same directory is
// renamed over the section so readers never see a partial file.
func (s *Store) SaveSection(sec Section, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", sec.File(), err)
	}
	return WriteFileAtomic(s.fs, sec.File(), b)
}

// UpdateOutputs loads outputs.yaml, lets fn edit it, validates the result
// against the rest of the configuration and saves it. fn returns false to
// skip the write.
func (s *Store) UpdateOutputs(fn func(outputs []OutputConfig) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Load()
	if err != nil {
		return err
	}
	var raw outputsFile
	if err := s.LoadSection(SectionOutputs, &raw); err != nil {
		return err
	}
	changed, err := fn(raw.Outputs)
	if err != nil || !changed {
		return err
	}

	check := cfg
	check.Outputs = append([]OutputConfig(nil), raw.Outputs...)
	if err := DefaultAndValidate(&check); err != nil {
		return err
	}
	return s.SaveSection(SectionOutputs, raw)
}

// WriteFileAtomic writes data to name on fs via temp file and rename.
func WriteFileAtomic(fs billy.Filesystem, name string, data []byte) error {
	if dir := path.Dir(name); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := fs.TempFile(path.Dir(name), path.Base(name)+".tmp.")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	err = multierr.Append(err, tmp.Close())
	if err != nil {
		return multierr.Append(err, fs.Remove(tmpName))
	}
	if err := fs.Rename(tmpName, name); err != nil {
		return multierr.Append(err, fs.Remove(tmpName))
	}
	return nil
}

// ErrNotFound is returned by lookups on a loaded Config.
var ErrNotFound = errors.New("config: not found")

// Output returns the named output from cfg.
func (c Config) Output(name string) (OutputConfig, error) {
	for _, o := range c.Outputs {
		if o.Name == name {
			return o, nil
		}
	}
	return OutputConfig{}, fmt.Errorf("output %q: %w", name, ErrNotFound)
}
