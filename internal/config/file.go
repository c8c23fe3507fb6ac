package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IngestSettings tunes the splitter and the embedding client.
type IngestSettings struct {
	TargetSize     int `yaml:"target_size"`
	Overlap        int `yaml:"overlap"`
	MinSize        int `yaml:"min_size"`
	MaxSize        int `yaml:"max_size"`
	EmbedBatchSize int `yaml:"embed_batch_size"`
	EmbedRetries   int `yaml:"embed_retries"`
	OCRMinChars    int `yaml:"ocr_min_chars"`
}

func DefaultIngestSettings() IngestSettings {
	return IngestSettings{
		TargetSize:     800,
		Overlap:        160,
		MinSize:        200,
		MaxSize:        1500,
		EmbedBatchSize: 10,
		EmbedRetries:   3,
		OCRMinChars:    50,
	}
}

func (s IngestSettings) Validate() error {
	switch {
	case s.MinSize <= 0 || s.MinSize >= s.MaxSize:
		return fmt.Errorf("ingest: min_size %d must be in (0, max_size %d)", s.MinSize, s.MaxSize)
	case s.TargetSize <= 0 || s.TargetSize > s.MaxSize:
		return fmt.Errorf("ingest: target_size %d must be in (0, max_size %d]", s.TargetSize, s.MaxSize)
	case s.Overlap < 0 || s.Overlap >= s.TargetSize:
		return fmt.Errorf("ingest: overlap %d must be in [0, target_size %d)", s.Overlap, s.TargetSize)
	case s.EmbedBatchSize <= 0:
		return errors.New("ingest: embed_batch_size must be positive")
	}
	return nil
}

// fileConfig mirrors the subset of settings that may live in the YAML file.
// Zero values leave the environment-derived value untouched.
type fileConfig struct {
	VectorStore struct {
		Kind       string `yaml:"kind"`
		FilePath   string `yaml:"file_path"`
		QdrantURL  string `yaml:"qdrant_url"`
		Collection string `yaml:"collection"`
		Table      string `yaml:"table"`
	} `yaml:"vector_store"`
	OCR struct {
		Provider  string   `yaml:"provider"`
		Languages []string `yaml:"languages"`
		Workers   int      `yaml:"workers"`
		DPI       int      `yaml:"dpi"`
	} `yaml:"ocr"`
	Queue struct {
		Name   string `yaml:"name"`
		Events string `yaml:"events"`
	} `yaml:"queue"`
	Ingest IngestSettings `yaml:"ingest"`
}

func applyFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.VectorStore, fc.VectorStore.Kind)
	setString(&cfg.VectorFilePath, fc.VectorStore.FilePath)
	setString(&cfg.QdrantURL, fc.VectorStore.QdrantURL)
	setString(&cfg.QdrantCollection, fc.VectorStore.Collection)
	setString(&cfg.PgvectorTable, fc.VectorStore.Table)
	setString(&cfg.OCRProvider, fc.OCR.Provider)
	if len(fc.OCR.Languages) > 0 {
		cfg.OCRLanguages = fc.OCR.Languages
	}
	setInt(&cfg.OCRWorkers, fc.OCR.Workers)
	setInt(&cfg.RasterDPI, fc.OCR.DPI)
	setString(&cfg.QueueName, fc.Queue.Name)
	setString(&cfg.EventsQueue, fc.Queue.Events)

	setInt(&cfg.Ingest.TargetSize, fc.Ingest.TargetSize)
	setInt(&cfg.Ingest.Overlap, fc.Ingest.Overlap)
	setInt(&cfg.Ingest.MinSize, fc.Ingest.MinSize)
	setInt(&cfg.Ingest.MaxSize, fc.Ingest.MaxSize)
	setInt(&cfg.Ingest.EmbedBatchSize, fc.Ingest.EmbedBatchSize)
	setInt(&cfg.Ingest.EmbedRetries, fc.Ingest.EmbedRetries)
	setInt(&cfg.Ingest.OCRMinChars, fc.Ingest.OCRMinChars)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
