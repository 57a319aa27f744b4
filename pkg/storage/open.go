package storage

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/crystal-mush/gojails/pkg/boltstore"
	"github.com/crystal-mush/gojails/pkg/sqlstore"
	"github.com/crystal-mush/gojails/pkg/yamlstore"
)

// Kind names a backend implementation.
type Kind string

const (
	KindFile Kind = "file"
	KindSQL  Kind = "sql"
	KindBolt Kind = "bolt"
)

// ParseKind accepts a backend name in any case.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindFile, KindSQL, KindBolt:
		return k, nil
	case "yaml", "flatfile":
		return KindFile, nil
	case "sqlite":
		return KindSQL, nil
	case "bbolt":
		return KindBolt, nil
	default:
		return "", fmt.Errorf("storage: unknown backend %q (want file, sql or bolt)", s)
	}
}

// FileConfig configures the YAML backend.
type FileConfig struct {
	Dir string
}

// Config selects and configures exactly one backend.
type Config struct {
	Backend Kind
	File    FileConfig
	SQL     sqlstore.Config
	Bolt    BoltConfig
}

// BoltConfig configures the bbolt backend.
type BoltConfig struct {
	Path    string
	Options boltstore.Options
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case KindFile, "":
		b, err = yamlstore.Open(cfg.File.Dir)
		if err == nil {
			log.Printf("storage: using file backend in %s", cfg.File.Dir)
		}
	case KindSQL:
		b, err = sqlstore.Open(ctx, cfg.SQL)
		if err == nil {
			log.Printf("storage: using sql backend at %s", cfg.SQL.Path)
		}
	case KindBolt:
		b, err = boltstore.Open(cfg.Bolt.Path, cfg.Bolt.Options)
		if err == nil {
			log.Printf("storage: using bolt backend at %s", cfg.Bolt.Path)
		}
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}
