package harness

import (
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed scenarios/*.yaml
var builtinFS embed.FS

var knownActions = map[string]map[Actor]bool{
	"status":     {ActorAgent: true, ActorBuyer: true},
	"submit":     {ActorAgent: true},
	"confirm":    {ActorBuyer: true},
	"checklist":  {ActorBuyer: true},
	"check-all":  {ActorBuyer: true},
	"pay":        {ActorBuyer: true},
	"supplement": {ActorAgent: true, ActorBuyer: true},
	"reset":      {ActorAgent: true, ActorSystem: true},
	"wake":       {ActorAgent: true, ActorBuyer: true, ActorSystem: true},
	"close":      {ActorAgent: true, ActorSystem: true},
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario YAML: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks that every step names a known action for its actor.
func (sc *Scenario) Validate() error {
	if sc.Name == "" {
		return fmt.Errorf("scenario has no name")
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario %s has no steps", sc.Name)
	}
	for i, st := range sc.Steps {
		actors, ok := knownActions[st.Action]
		if !ok {
			return fmt.Errorf("scenario %s step %d: unknown action %q", sc.Name, i+1, st.Action)
		}
		if !actors[st.As] {
			return fmt.Errorf("scenario %s step %d: %s cannot perform %s", sc.Name, i+1, st.As, st.Action)
		}
	}
	return nil
}

// LoadScenario loads a scenario from a YAML file.
func LoadScenario(file string) (*Scenario, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ListScenarios lists all scenario files in a directory.
func ListScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenarios directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}

// LoadAllScenarios loads all scenarios from a directory.
func LoadAllScenarios(dir string) ([]*Scenario, error) {
	files, err := ListScenarios(dir)
	if err != nil {
		return nil, err
	}

	var scenarios []*Scenario
	for _, file := range files {
		sc, err := LoadScenario(file)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", file, err)
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

// Builtin returns the scenarios compiled into the binary, sorted by file name.
func Builtin() ([]*Scenario, error) {
	entries, err := builtinFS.ReadDir("scenarios")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	scenarios := make([]*Scenario, 0, len(names))
	for _, name := range names {
		data, err := builtinFS.ReadFile(path.Join("scenarios", name))
		if err != nil {
			return nil, err
		}
		sc, err := ParseScenario(data)
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", name, err)
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

func itoa(n int) string { return strconv.Itoa(n) }
