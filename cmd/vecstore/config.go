package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vecstore/blobstore"
	minioblob "github.com/hupe1980/vecstore/blobstore/minio"
	s3blob "github.com/hupe1980/vecstore/blobstore/s3"
)

// Config is the CLI configuration file.
//
//	targets:
//	  nightly:
//	    type: s3
//	    bucket: my-backups
//	    prefix: vecstore/
//	    region: eu-central-1
//	  lab:
//	    type: minio
//	    endpoint: localhost:9000
//	    bucket: backups
//	    accessKey: ${MINIO_ACCESS_KEY}
//	    secretKey: ${MINIO_SECRET_KEY}
//	  disk:
//	    type: local
//	    dir: ~/vecstore-backups
type Config struct {
	Targets map[string]TargetConfig `yaml:"targets"`
}

// TargetConfig describes one backup target.
type TargetConfig struct {
	Type      string `yaml:"type"` // local, s3 or minio
	Dir       string `yaml:"dir,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	PathStyle bool   `yaml:"pathStyle,omitempty"`
	AccessKey string `yaml:"accessKey,omitempty"`
	SecretKey string `yaml:"secretKey,omitempty"`
	Secure    bool   `yaml:"secure,omitempty"`
}

// LoadConfig reads a YAML config file. ${VAR} references are expanded from
// the environment.
func LoadConfig(path string) (*Config, error) {
	path, err := expandUserPath(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	for name, t := range cfg.Targets {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("config %s: target %q: %w", path, name, err)
		}
	}
	return &cfg, nil
}

// Target returns the named target.
func (c *Config) Target(name string) (TargetConfig, error) {
	t, ok := c.Targets[name]
	if !ok {
		names := make([]string, 0, len(c.Targets))
		for n := range c.Targets {
			names = append(names, n)
		}
		sort.Strings(names)
		return TargetConfig{}, fmt.Errorf("unknown target %q (known: %s)", name, strings.Join(names, ", "))
	}
	return t, nil
}

func (t TargetConfig) validate() error {
	switch t.Type {
	case "local":
		if t.Dir == "" {
			return fmt.Errorf("local target requires dir")
		}
	case "s3":
		if t.Bucket == "" {
			return fmt.Errorf("s3 target requires bucket")
		}
	case "minio":
		if t.Bucket == "" || t.Endpoint == "" {
			return fmt.Errorf("minio target requires bucket and endpoint")
		}
	default:
		return fmt.Errorf("unknown target type %q", t.Type)
	}
	return nil
}

// Open connects to the target.
func (t TargetConfig) Open(ctx context.Context) (blobstore.BlobStore, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	switch t.Type {
	case "s3":
		s, err := s3blob.New(ctx, t.Bucket, func(o *s3blob.Options) {
			o.Prefix = t.Prefix
			o.Region = t.Region
			o.Endpoint = t.Endpoint
			o.UsePathStyle = t.PathStyle
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "minio":
		s, err := minioblob.New(minioblob.Config{
			Endpoint:  t.Endpoint,
			AccessKey: t.AccessKey,
			SecretKey: t.SecretKey,
			Region:    t.Region,
			Secure:    t.Secure,
			Bucket:    t.Bucket,
			Prefix:    t.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		dir, err := expandUserPath(t.Dir)
		if err != nil {
			return nil, err
		}
		return blobstore.NewLocalStore(dir), nil
	}
}

func expandUserPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
