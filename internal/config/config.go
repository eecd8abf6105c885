// Package config loads the run configuration: built-in defaults, an optional
// YAML (or JSON) file, and LSTO_* environment overrides, validated with
// struct tags and cross-field checks.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/lsto/internal/evolve"
	"github.com/cwbudde/lsto/internal/fea"
	"github.com/cwbudde/lsto/internal/resource"
	"github.com/cwbudde/lsto/internal/sensitivity"
	"github.com/cwbudde/lsto/internal/suboptim"
	"github.com/cwbudde/lsto/internal/telemetry"
)

// Store backends.
const (
	StoreFS     = "fs"
	StoreBadger = "badger"
)

// Config is the complete configuration of one optimization run.
type Config struct {
	Mesh          MeshConfig          `yaml:"mesh" json:"mesh"`
	Material      fea.Material        `yaml:"material" json:"material"`
	Problem       ProblemConfig       `yaml:"problem" json:"problem"`
	LevelSet      LevelSetConfig      `yaml:"level_set" json:"level_set"`
	SubOptim      SubOptimConfig      `yaml:"suboptim" json:"suboptim"`
	Run           RunConfig           `yaml:"run" json:"run"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// MeshConfig sets the structured grid in elements of unit size.
type MeshConfig struct {
	Nelx int `yaml:"nelx" json:"nelx" validate:"gte=1"`
	Nely int `yaml:"nely" json:"nely" validate:"gte=1"`
}

// ProblemConfig selects the objective and its loads.
type ProblemConfig struct {
	Objective     string            `yaml:"objective" json:"objective" validate:"oneof=compliance stress conduction coupled_heat"`
	Load          float64           `yaml:"load" json:"load" validate:"gt=0"`
	LoadHalfWidth float64           `yaml:"load_half_width" json:"load_half_width" validate:"gt=0"`
	Weight        float64           `yaml:"weight" json:"weight" validate:"gte=0,lte=1"`
	PNorm         float64           `yaml:"pnorm" json:"pnorm" validate:"gte=1"`
	Solver        fea.SolverOptions `yaml:"solver" json:"solver"`
}

// Hole is one circular void of the initial design.
type Hole struct {
	X      float64 `yaml:"x" json:"x"`
	Y      float64 `yaml:"y" json:"y"`
	Radius float64 `yaml:"r" json:"r" validate:"gt=0"`
}

// LevelSetConfig configures the geometry engine.
type LevelSetConfig struct {
	MoveLimit float64 `yaml:"move_limit" json:"move_limit" validate:"gt=0"`
	BandWidth float64 `yaml:"band_width" json:"band_width" validate:"gt=0"`
	Holes     []Hole  `yaml:"holes" json:"holes" validate:"dive"`
}

// SubOptimConfig configures the velocity sub-problem.
type SubOptimConfig struct {
	suboptim.Options `yaml:",inline"`

	ClampMin float64 `yaml:"clamp_min" json:"clamp_min"`
	ClampMax float64 `yaml:"clamp_max" json:"clamp_max"`

	// TargetVolumeFraction is the solid fraction the constraint drives to.
	TargetVolumeFraction float64 `yaml:"target_volume_fraction" json:"target_volume_fraction" validate:"gt=0,lte=1"`
	// StepFraction scales the most negative admissible budget.
	StepFraction float64 `yaml:"step_fraction" json:"step_fraction" validate:"gt=0,lte=1"`
}

// RunConfig controls the outer loop and its persistence.
type RunConfig struct {
	MaxIterations int                      `yaml:"max_iterations" json:"max_iterations" validate:"gte=1"`
	DataDir       string                   `yaml:"data_dir" json:"data_dir" validate:"required"`
	Store         string                   `yaml:"store" json:"store" validate:"oneof=fs badger"`
	MemoryFloorGB float64                  `yaml:"memory_floor_gb" json:"memory_floor_gb" validate:"gte=0"`
	Reinitialize  bool                     `yaml:"reinitialize" json:"reinitialize"`
	Convergence   evolve.ConvergenceConfig `yaml:"convergence" json:"convergence"`
}

// ObservabilityConfig selects log verbosity and the metric exporter.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
	Metrics  string `yaml:"metrics" json:"metrics" validate:"oneof=none stdout"`
}

// DefaultHoles returns the starting design for a grid size. Only the
// 160x80 and 80x40 grids have a preset; any other grid starts fully solid.
func DefaultHoles(nelx, nely int) []Hole {
	var centres [][2]float64
	var radius float64
	switch {
	case nelx == 160 && nely == 80:
		radius = 5
		centres = [][2]float64{
			{16, 14}, {48, 14}, {80, 14}, {112, 14}, {144, 14},
			{32, 27}, {128, 27},
			{16, 40}, {48, 40}, {112, 40}, {144, 40},
			{32, 53}, {128, 53},
			{16, 66}, {48, 66}, {80, 66}, {112, 66}, {144, 66},
		}
	case nelx == 80 && nely == 40:
		radius = 2.5
		centres = [][2]float64{
			{8, 7}, {24, 7}, {40, 7}, {56, 7}, {72, 7},
			{16, 13.5}, {32, 13.5}, {48, 13.5}, {64, 13.5},
			{8, 20}, {24, 20}, {40, 20}, {56, 20}, {72, 20},
			{16, 26.5}, {32, 26.5}, {48, 26.5}, {64, 26.5},
			{8, 33}, {24, 33}, {40, 33}, {56, 33}, {72, 33},
		}
	default:
		return []Hole{}
	}
	holes := make([]Hole, len(centres))
	for i, c := range centres {
		holes[i] = Hole{X: c[0], Y: c[1], Radius: radius}
	}
	return holes
}

// Default returns the thermoelastic reference run.
func Default() *Config {
	s := fea.DefaultSettings()
	clamp := sensitivity.DefaultClampPolicy()
	return &Config{
		Mesh:     MeshConfig{Nelx: 160, Nely: 80},
		Material: s.Material,
		Problem: ProblemConfig{
			Objective:     s.Objective.String(),
			Load:          s.Load,
			LoadHalfWidth: s.LoadHalfWidth,
			Weight:        s.Weight,
			PNorm:         s.PNorm,
			Solver:        s.Solver,
		},
		LevelSet: LevelSetConfig{
			MoveLimit: 0.5,
			BandWidth: 2,
			Holes:     DefaultHoles(160, 80),
		},
		SubOptim: SubOptimConfig{
			Options:              suboptim.DefaultOptions(),
			ClampMin:             clamp.Min,
			ClampMax:             clamp.Max,
			TargetVolumeFraction: 0.4,
			StepFraction:         0.9,
		},
		Run: RunConfig{
			MaxIterations: 300,
			DataDir:       "./save",
			Store:         StoreFS,
			MemoryFloorGB: resource.DefaultThresholdGB,
			Reinitialize:  true,
			Convergence:   evolve.DisabledConvergenceConfig(),
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Metrics:  telemetry.ExporterNone,
		},
	}
}

// Load builds a config from the defaults, the file at path (skipped when
// path is empty) and the environment, then validates it. Without an explicit
// hole list the preset of the final grid size is used.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.LevelSet.Holes = nil
	if path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	if err := loadConfigFromEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.presetHoles()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML (or JSON) over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.LevelSet.Holes = nil
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	cfg.presetHoles()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// presetHoles fills in the grid's preset when no hole list was given. An
// explicit empty list is kept.
func (c *Config) presetHoles() {
	if c.LevelSet.Holes == nil {
		c.LevelSet.Holes = DefaultHoles(c.Mesh.Nelx, c.Mesh.Nely)
	}
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return decode(data, cfg)
}

func decode(data []byte, cfg *Config) error {
	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

var validate = validator.New()

// ValidationError reports the first invalid field of a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

// Validate checks field constraints and the relations between sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: fmt.Sprintf("failed %q (value %v)", fe.Tag(), fe.Value()),
			}
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := c.Clamp().Validate(); err != nil {
		return &ValidationError{Field: "SubOptim.ClampMin", Message: err.Error()}
	}
	for i, h := range c.LevelSet.Holes {
		if h.X < 0 || h.X > float64(c.Mesh.Nelx) || h.Y < 0 || h.Y > float64(c.Mesh.Nely) {
			return &ValidationError{
				Field:   fmt.Sprintf("LevelSet.Holes[%d]", i),
				Message: fmt.Sprintf("centre (%g, %g) outside the %dx%d domain", h.X, h.Y, c.Mesh.Nelx, c.Mesh.Nely),
			}
		}
	}
	if c.Problem.LoadHalfWidth > float64(c.Mesh.Nelx)/2 {
		return &ValidationError{Field: "Problem.LoadHalfWidth", Message: "wider than the domain"}
	}
	return nil
}

// Clamp returns the constraint sensitivity bracket.
func (c *Config) Clamp() sensitivity.ClampPolicy {
	return sensitivity.ClampPolicy{Min: c.SubOptim.ClampMin, Max: c.SubOptim.ClampMax}
}

// Settings converts the problem section into physics settings.
func (c *Config) Settings() (fea.Settings, error) {
	obj, err := fea.ParseObjective(c.Problem.Objective)
	if err != nil {
		return fea.Settings{}, err
	}
	return fea.Settings{
		Objective:     obj,
		Material:      c.Material,
		Solver:        c.Problem.Solver,
		Load:          c.Problem.Load,
		LoadHalfWidth: c.Problem.LoadHalfWidth,
		Weight:        c.Problem.Weight,
		PNorm:         c.Problem.PNorm,
	}, nil
}

// HoleArrays splits the holes into the coordinate slices of levelset.AddHoles.
func (c *Config) HoleArrays() (x, y, r []float64) {
	n := len(c.LevelSet.Holes)
	x, y, r = make([]float64, n), make([]float64, n), make([]float64, n)
	for i, h := range c.LevelSet.Holes {
		x[i], y[i], r[i] = h.X, h.Y, h.Radius
	}
	return x, y, r
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(data), nil
}

// Digest returns a stable fingerprint of the rendered config.
func (c *Config) Digest() (string, error) {
	s, err := c.Marshal()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8]), nil
}
