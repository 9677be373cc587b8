package configs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PipelineConfig mirrors the claims_normalized ETL config file. Only the
// fields that locate the ETL output are read here.
type PipelineConfig struct {
	WarehousePath string         `yaml:"warehouse_path"`
	DuckDBPath    string         `yaml:"duckdb_path"`
	Output        PipelineOutput `yaml:"output"`
}

type PipelineOutput struct {
	ParquetDir string `yaml:"parquet_dir"`
	TableName  string `yaml:"table_name"`
}

// LoadPipelineConfig reads the ETL config YAML at path.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}
	return &cfg, nil
}

// Apply fills warehouse settings that were not set through the environment.
func (p *PipelineConfig) Apply(cfg *WarehouseConfig) {
	path := p.WarehousePath
	if path == "" {
		path = p.DuckDBPath
	}
	if path != "" && os.Getenv("WAREHOUSE_PATH") == "" {
		cfg.Path = path
	}
	if p.Output.ParquetDir != "" && os.Getenv("PARQUET_DIR") == "" {
		cfg.ParquetDir = p.Output.ParquetDir
	}
	if p.Output.TableName != "" && os.Getenv("CLAIMS_TABLE") == "" {
		cfg.ClaimsTable = p.Output.TableName
	}
}
