package confkit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeromicro/go-zero/core/conf"
)

// ResolvePath expands environment variables in file and, when it is relative,
// anchors it at base. Absolute paths are returned as-is after expansion.
func ResolvePath(base, file string) string {
	file = os.ExpandEnv(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// BaseDir returns the directory holding the main config file.
func BaseDir(mainPath string) string {
	return filepath.Dir(mainPath)
}

// LoadFile loads a configuration file into T via go-zero's conf loader,
// optionally substituting ${ENV} references.
func LoadFile[T any](path string, useEnv bool) (*T, error) {
	var cfg T
	var opts []conf.Option
	if useEnv {
		opts = append(opts, conf.UseEnv())
	}
	if err := conf.Load(path, &cfg, opts...); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &cfg, nil
}

// Section points at a sub-config file referenced from the main config.
// Hydrate loads it lazily through the supplied loader.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Hydrate resolves the section file against base and parses it with loader.
// A section with an empty File is left untouched.
func (s *Section[T]) Hydrate(base string, loader func(string) (*T, error)) error {
	if s.File == "" {
		return nil
	}
	p := ResolvePath(base, s.File)
	v, err := loader(p)
	if err != nil {
		return err
	}
	s.File, s.Value = p, v
	return nil
}
