package main

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sisatech/toml"
)

// poolRecord is one pool's durable record: the CLI has no resident
// daemon process, so everything a running pool needs to be reattached
// (the vdev leaves to reopen and the write-limit it was created with)
// is kept here rather than in memory, the same role
// vorteild's ~/.vorteild/conf.toml plays for cmd/vorteil.
type poolRecord struct {
	Guid       string   `toml:"guid"`
	VdevPaths  []string `toml:"vdev-paths"`
	WriteLimit uint64   `toml:"write-limit"`
}

type registryFile struct {
	Pools map[string]poolRecord `toml:"pools"`
}

func registryPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".zpoold", "pools.toml"), nil
}

func loadRegistry() (*registryFile, error) {
	path, err := registryPath()
	if err != nil {
		return nil, err
	}
	reg := &registryFile{Pools: make(map[string]poolRecord)}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("read pool registry %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("parse pool registry %s: %w", path, err)
	}
	if reg.Pools == nil {
		reg.Pools = make(map[string]poolRecord)
	}
	return reg, nil
}

func saveRegistry(reg *registryFile) error {
	path, err := registryPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(*reg); err != nil {
		return fmt.Errorf("encode pool registry: %w", err)
	}
	return ioutil.WriteFile(path, buf.Bytes(), 0600)
}
