package predictor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ekisa-team/detserve/internal/backend"
	"github.com/ekisa-team/detserve/internal/ndarray"
	"github.com/ekisa-team/detserve/internal/xfs"
)

const baseKey = "_BASE_"

// Config is the subset of a Detectron2 style detection config the predictor
// reads, plus the RUNTIME section binding it to an inference runtime.
type Config struct {
	Model    ModelConfig    `yaml:"MODEL"`
	Input    InputConfig    `yaml:"INPUT"`
	Datasets DatasetsConfig `yaml:"DATASETS"`
	Runtime  RuntimeConfig  `yaml:"RUNTIME"`

	merged map[string]any
}

// ModelConfig holds the MODEL section.
type ModelConfig struct {
	MetaArchitecture string          `yaml:"META_ARCHITECTURE"`
	Weights          string          `yaml:"WEIGHTS"`
	Device           string          `yaml:"DEVICE"`
	ROIHeads         ROIHeadsConfig  `yaml:"ROI_HEADS"`
	RetinaNet        RetinaNetConfig `yaml:"RETINANET"`
}

// ROIHeadsConfig holds MODEL.ROI_HEADS.
type ROIHeadsConfig struct {
	NumClasses     int     `yaml:"NUM_CLASSES"`
	ScoreThreshold float32 `yaml:"SCORE_THRESH_TEST"`
}

// RetinaNetConfig holds MODEL.RETINANET.
type RetinaNetConfig struct {
	NumClasses     int     `yaml:"NUM_CLASSES"`
	ScoreThreshold float32 `yaml:"SCORE_THRESH_TEST"`
}

// InputConfig holds the INPUT section.
type InputConfig struct {
	MinSizeTest int    `yaml:"MIN_SIZE_TEST"`
	MaxSizeTest int    `yaml:"MAX_SIZE_TEST"`
	Format      string `yaml:"FORMAT"`
}

// DatasetsConfig holds the DATASETS section.
type DatasetsConfig struct {
	Train DatasetNames `yaml:"TRAIN"`
	Test  DatasetNames `yaml:"TEST"`
}

// DatasetNames accepts a YAML sequence or a Python tuple literal such as
// ("coco_2017_val",).
type DatasetNames []string

func (d *DatasetNames) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		*d = names
		return nil
	case yaml.ScalarNode:
		s := strings.TrimSpace(value.Value)
		if len(s) >= 2 && (s[0] == '(' && s[len(s)-1] == ')' || s[0] == '[' && s[len(s)-1] == ']') {
			s = s[1 : len(s)-1]
		}
		names := DatasetNames{}
		for _, part := range strings.Split(s, ",") {
			part = strings.Trim(strings.TrimSpace(part), `"'`)
			if part != "" {
				names = append(names, part)
			}
		}
		*d = names
		return nil
	default:
		return fmt.Errorf("line %d: dataset names must be a list or tuple", value.Line)
	}
}

// RuntimeConfig binds the model to a backend.
type RuntimeConfig struct {
	Backend        string   `yaml:"BACKEND"`
	ImageName      string   `yaml:"IMAGE"`
	BoxesName      string   `yaml:"BOXES"`
	ClassesName    string   `yaml:"CLASSES"`
	ScoresName     string   `yaml:"SCORES"`
	NumThreads     int      `yaml:"NUM_THREADS"`
	Sessions       int      `yaml:"SESSIONS"`
	Command        string   `yaml:"COMMAND"`
	Args           []string `yaml:"ARGS"`
	TimeoutSeconds int      `yaml:"TIMEOUT_SECONDS"`
	NetConfig      string   `yaml:"NET_CONFIG"`
}

// DefaultConfig returns the Detectron2 test-time defaults.
func DefaultConfig() *Config {
	names := backend.DefaultTensorNames()
	return &Config{
		Model: ModelConfig{
			MetaArchitecture: "GeneralizedRCNN",
			Device:           "cpu",
			ROIHeads:         ROIHeadsConfig{NumClasses: 80, ScoreThreshold: 0.05},
			RetinaNet:        RetinaNetConfig{NumClasses: 80, ScoreThreshold: 0.05},
		},
		Input: InputConfig{
			MinSizeTest: 800,
			MaxSizeTest: 1333,
			Format:      "BGR",
		},
		Runtime: RuntimeConfig{
			ImageName:   names.Image,
			BoxesName:   names.Boxes,
			ClassesName: names.Classes,
			ScoresName:  names.Scores,
			Sessions:    1,
		},
	}
}

// LoadConfig reads the config at path, resolving _BASE_ inheritance, on top
// of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	merged, err := loadMerged(path, map[string]bool{})
	if err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	cfg.merged = merged

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadMerged(path string, visiting map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visiting[abs] {
		return nil, fmt.Errorf("%w: %s", ErrBaseCycle, path)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read detection config: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	base, ok := doc[baseKey].(string)
	delete(doc, baseKey)
	if !ok || base == "" {
		return doc, nil
	}

	if strings.Contains(base, "://") {
		return nil, fmt.Errorf("%w: remote _BASE_ %q is not supported", ErrInvalidConfig, base)
	}
	base = xfs.ExpandTilde(base)
	if !filepath.IsAbs(base) {
		base = filepath.Join(filepath.Dir(abs), base)
	}

	parent, err := loadMerged(base, visiting)
	if err != nil {
		return nil, err
	}
	return mergeMaps(parent, doc), nil
}

// mergeMaps merges src into dst recursively, src values win.
func mergeMaps(dst, src map[string]any) map[string]any {
	for k, v := range src {
		sv, srcIsMap := v.(map[string]any)
		dv, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = mergeMaps(dv, sv)
			continue
		}
		dst[k] = v
	}
	return dst
}

// Validate checks the fields the predictor depends on.
func (c *Config) Validate() error {
	if _, err := ndarray.ParseChannelOrder(c.Input.Format); err != nil {
		return fmt.Errorf("%w: INPUT.FORMAT: %w", ErrInvalidConfig, err)
	}
	if c.Input.MinSizeTest < 0 || c.Input.MaxSizeTest < 0 {
		return fmt.Errorf("%w: negative INPUT size", ErrInvalidConfig)
	}
	if c.Runtime.Sessions < 0 || c.Runtime.NumThreads < 0 {
		return fmt.Errorf("%w: negative RUNTIME value", ErrInvalidConfig)
	}
	return nil
}

// ChannelOrder returns the parsed INPUT.FORMAT.
func (c *Config) ChannelOrder() ndarray.ChannelOrder {
	order, _ := ndarray.ParseChannelOrder(c.Input.Format)
	return order
}

// ScoreThreshold returns the test-time threshold of the configured
// architecture.
func (c *Config) ScoreThreshold() float32 {
	if c.Model.MetaArchitecture == "RetinaNet" {
		return c.Model.RetinaNet.ScoreThreshold
	}
	return c.Model.ROIHeads.ScoreThreshold
}

// NumClasses returns the class count of the configured architecture.
func (c *Config) NumClasses() int {
	if c.Model.MetaArchitecture == "RetinaNet" {
		return c.Model.RetinaNet.NumClasses
	}
	return c.Model.ROIHeads.NumClasses
}

// TestDataset returns the first DATASETS.TEST entry, if any.
func (c *Config) TestDataset() string {
	if len(c.Datasets.Test) == 0 {
		return ""
	}
	return c.Datasets.Test[0]
}

// BackendSpec builds the runtime spec for the given files.
func (c *Config) BackendSpec(configPath, weightsPath string) *backend.Spec {
	netConfig := c.Runtime.NetConfig
	if netConfig != "" && !filepath.IsAbs(netConfig) {
		netConfig = filepath.Join(filepath.Dir(configPath), netConfig)
	}

	return &backend.Spec{
		ConfigPath:  configPath,
		WeightsPath: weightsPath,
		Names: backend.TensorNames{
			Image:   c.Runtime.ImageName,
			Boxes:   c.Runtime.BoxesName,
			Classes: c.Runtime.ClassesName,
			Scores:  c.Runtime.ScoresName,
		},
		NumThreads: c.Runtime.NumThreads,
		Command:    c.Runtime.Command,
		Args:       c.Runtime.Args,
		Timeout:    time.Duration(c.Runtime.TimeoutSeconds) * time.Second,
		NetConfig:  netConfig,
	}
}

// String renders the merged config as YAML with the effective weights.
func (c *Config) String() string {
	out := map[string]any{}
	for k, v := range c.merged {
		out[k] = v
	}
	model := map[string]any{}
	if m, ok := out["MODEL"].(map[string]any); ok {
		for k, v := range m {
			model[k] = v
		}
	}
	model["WEIGHTS"] = c.Model.Weights
	out["MODEL"] = model

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}
