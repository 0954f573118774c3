package detection

import (
	"fmt"
	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	"sort"
)

// Result is a single secret finding in a tool argument.
type Result struct {
	Argument    string
	RuleID      string
	Description string
}

type Engine struct {
	detector *detect.Detector
}

// NewEngine creates a detection engine. An empty rulesPath uses the
// rules gitleaks ships with; otherwise the toml file at rulesPath is loaded.
func NewEngine(rulesPath string) (*Engine, error) {
	if rulesPath == "" {
		detector, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load default rules: %w", err)
		}
		return &Engine{detector: detector}, nil
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(rulesPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Parse into gitleaks config format
	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate config: %w", err)
	}

	return &Engine{
		detector: detect.NewDetector(cfg),
	}, nil
}

// Detect scans every string argument, including ones nested in maps and
// lists, and returns the findings ordered by argument name.
func (e *Engine) Detect(arguments map[string]interface{}) []Result {
	names := make([]string, 0, len(arguments))
	for name := range arguments {
		names = append(names, name)
	}
	sort.Strings(names)

	var results []Result
	for _, name := range names {
		results = e.detectValue(name, arguments[name], results)
	}
	return results
}

func (e *Engine) detectValue(name string, value interface{}, results []Result) []Result {
	switch v := value.(type) {
	case string:
		for _, f := range e.detector.DetectString(v) {
			results = append(results, Result{
				Argument:    name,
				RuleID:      f.RuleID,
				Description: f.Description,
			})
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			results = e.detectValue(name+"."+k, v[k], results)
		}
	case []interface{}:
		for i, item := range v {
			results = e.detectValue(fmt.Sprintf("%s[%d]", name, i), item, results)
		}
	}
	return results
}
