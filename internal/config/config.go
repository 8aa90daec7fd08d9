package config

import (
	"errors"
	"time"
)

// SourceType represents the type of model source.
type SourceType string

const (
	// SourceTypeLocal is a model directory already present on disk.
	SourceTypeLocal SourceType = "local"

	// SourceTypeHuggingFace represents a Hugging Face model repository source.
	SourceTypeHuggingFace SourceType = "huggingface"
)

// Config holds the main configuration for the application.
type Config struct {
	Version   string          `json:"version"             yaml:"version"`
	Server    ServerConfig    `json:"server,omitempty"    yaml:"server,omitempty"`
	Model     ModelConfig     `json:"model"               yaml:"model"`
	Inference InferenceConfig `json:"inference,omitempty" yaml:"inference,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"   yaml:"storage,omitempty"`
	Audit     AuditConfig     `json:"audit,omitempty"     yaml:"audit,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"   yaml:"logging,omitempty"`
}

// ServerConfig holds the listeners.
type ServerConfig struct {
	HTTPPort            int `json:"http_port,omitempty"             yaml:"http_port,omitempty"`
	GRPCPort            int `json:"grpc_port,omitempty"             yaml:"grpc_port,omitempty"`
	ReadTimeoutSeconds  int `json:"read_timeout_seconds,omitempty"  yaml:"read_timeout_seconds,omitempty"`
	WriteTimeoutSeconds int `json:"write_timeout_seconds,omitempty" yaml:"write_timeout_seconds,omitempty"`
	MaxBodyMB           int `json:"max_body_mb,omitempty"           yaml:"max_body_mb,omitempty"`
}

// ReadTimeout returns the HTTP read timeout.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the HTTP write timeout.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// StorageConfig holds configuration for caching and auto-download.
type StorageConfig struct {
	ModelsDir string `json:"models_dir,omitempty" yaml:"models_dir,omitempty"`
}

// ModelConfig holds configuration for the served model.
type ModelConfig struct {
	ID                    string       `json:"id,omitempty"                      yaml:"id,omitempty"`
	Source                SourceConfig `json:"source,omitempty"                  yaml:"source,omitempty"`
	Sessions              int          `json:"sessions,omitempty"                yaml:"sessions,omitempty"`
	AcquireTimeoutSeconds int          `json:"acquire_timeout_seconds,omitempty" yaml:"acquire_timeout_seconds,omitempty"`
	OnnxRuntimeLibrary    string       `json:"onnxruntime_library,omitempty"     yaml:"onnxruntime_library,omitempty"`
}

// AcquireTimeout returns how long a request waits for a runtime session.
func (m ModelConfig) AcquireTimeout() time.Duration {
	return time.Duration(m.AcquireTimeoutSeconds) * time.Second
}

// SourceConfig wraps optional sources (only one should be set).
type SourceConfig struct {
	Local       *LocalSource       `json:"local,omitempty"       yaml:"local,omitempty"`
	HuggingFace *HuggingFaceSource `json:"huggingface,omitempty" yaml:"huggingface,omitempty"`
}

// InferenceConfig holds request handling defaults.
type InferenceConfig struct {
	DefaultAccept  string   `json:"default_accept,omitempty"  yaml:"default_accept,omitempty"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty" yaml:"score_threshold,omitempty"`
}

// AuditConfig controls the invocation log.
type AuditConfig struct {
	Enabled bool   `json:"enabled"        yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"   yaml:"level,omitempty"`
	ToFile bool   `json:"to_file,omitempty" yaml:"to_file,omitempty"`
	File   string `json:"file,omitempty"    yaml:"file,omitempty"`
}

// -------------------------
// Source definitions
// -------------------------

// ModelSource represents a source for a model.
type ModelSource interface {
	Type() SourceType
}

// LocalSource is a directory holding the config and weights files.
type LocalSource struct {
	Path string `json:"path" yaml:"path"`
}

// Type returns the local source type.
func (l LocalSource) Type() SourceType {
	return SourceTypeLocal
}

// HuggingFaceSource represents a Hugging Face model repository source.
type HuggingFaceSource struct {
	Repo          string   `json:"repo"                     yaml:"repo"`
	Revision      string   `json:"revision,omitempty"       yaml:"revision,omitempty"`
	RepoType      string   `json:"repo_type,omitempty"      yaml:"repo_type,omitempty"`
	Token         string   `json:"token,omitempty"          yaml:"token,omitempty"`
	Include       []string `json:"include,omitempty"        yaml:"include,omitempty"`
	Exclude       []string `json:"exclude,omitempty"        yaml:"exclude,omitempty"`
	MaxWorkers    int      `json:"max_workers,omitempty"    yaml:"max_workers,omitempty"`
	ForceDownload bool     `json:"force_download,omitempty" yaml:"force_download,omitempty"`
}

// Type returns the Hugging Face source type.
func (h HuggingFaceSource) Type() SourceType {
	return SourceTypeHuggingFace
}

// GetSource returns the active source for the model.
func (m *ModelConfig) GetSource() (ModelSource, error) {
	switch {
	case m.Source.Local != nil && m.Source.HuggingFace != nil:
		return nil, errors.New("only one model source may be configured")
	case m.Source.HuggingFace != nil:
		return *m.Source.HuggingFace, nil
	case m.Source.Local != nil:
		return *m.Source.Local, nil
	}

	return nil, errors.New("no source configured for model")
}

// SetLocalSource sets the local directory source.
func (m *ModelConfig) SetLocalSource(path string) {
	m.Source.HuggingFace = nil
	m.Source.Local = &LocalSource{Path: path}
}

// SetHuggingFaceSource sets the Hugging Face source.
func (m *ModelConfig) SetHuggingFaceSource(source HuggingFaceSource) {
	m.Source.Local = nil
	m.Source.HuggingFace = &source
}
