package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// BuilderParams are the embedding-build parameters. The YAML file is
// optional; absent fields keep the env-derived defaults.
type BuilderParams struct {
	EmbedDimensions  int     `yaml:"embed_dimensions"`
	WalkLength       int     `yaml:"walk_length"`
	WalksPerNode     int     `yaml:"walks_per_node"`
	ReturnParam      float64 `yaml:"return_param"`
	InOutParam       float64 `yaml:"in_out_param"`
	Window           int     `yaml:"window"`
	NumTrees         int     `yaml:"num_trees"`
	ReciprocalWeight float64 `yaml:"reciprocal_weight"`
}

// BuilderDefaults returns the builder parameters from the env-derived config.
func (c *Config) BuilderDefaults() BuilderParams {
	return BuilderParams{
		EmbedDimensions:  c.EmbedDimensions,
		WalkLength:       c.WalkLength,
		WalksPerNode:     c.WalksPerNode,
		ReturnParam:      c.ReturnParam,
		InOutParam:       c.InOutParam,
		Window:           c.Window,
		NumTrees:         c.NumTrees,
		ReciprocalWeight: c.ReciprocalWeight,
	}
}

// LoadBuilderParams merges a YAML parameter file over the env-derived
// defaults. Zero-valued fields in the file are ignored.
func (c *Config) LoadBuilderParams() (BuilderParams, error) {
	params := c.BuilderDefaults()
	if c.BuilderParamsPath == "" {
		return params, nil
	}

	f, err := os.Open(c.BuilderParamsPath)
	if err != nil {
		return params, fmt.Errorf("open builder params: %w", err)
	}
	defer f.Close()

	var file BuilderParams
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return params, fmt.Errorf("decode builder params: %w", err)
	}

	if file.EmbedDimensions > 0 {
		params.EmbedDimensions = file.EmbedDimensions
	}
	if file.WalkLength > 0 {
		params.WalkLength = file.WalkLength
	}
	if file.WalksPerNode > 0 {
		params.WalksPerNode = file.WalksPerNode
	}
	if file.ReturnParam > 0 {
		params.ReturnParam = file.ReturnParam
	}
	if file.InOutParam > 0 {
		params.InOutParam = file.InOutParam
	}
	if file.Window > 0 {
		params.Window = file.Window
	}
	if file.NumTrees > 0 {
		params.NumTrees = file.NumTrees
	}
	if file.ReciprocalWeight > 0 {
		params.ReciprocalWeight = file.ReciprocalWeight
	}
	return params, nil
}
