package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

type metadata struct {
	Identifier string `json:"identifier"`
}

// MetadataPath returns the sidecar path for a data file.
func MetadataPath(dataPath string) string {
	return dataPath + MetadataExt
}

// WriteMetadata persists the logical artifact identifier next to a data file.
func WriteMetadata(dataPath, identifier string) error {
	data, err := json.Marshal(metadata{Identifier: identifier})
	if err != nil {
		return err
	}
	return os.WriteFile(MetadataPath(dataPath), data, 0o644)
}

// ReadMetadata recovers the logical artifact identifier from a sidecar.
func ReadMetadata(dataPath string) (string, error) {
	raw, err := os.ReadFile(MetadataPath(dataPath))
	if err != nil {
		return "", err
	}
	var meta metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", err
	}
	return meta.Identifier, nil
}

// DiskArtifact is one data file recovered during a disk scan.
type DiskArtifact struct {
	FileName string
	Path     string
}

// ScanVersionDirs walks a channel directory and returns, per version
// directory, the artifacts recovered from metadata sidecars keyed by
// logical identifier. Orphans are deleted on sight: a data file without a
// sidecar, a sidecar without a data file, and version directories left
// empty afterwards.
func ScanVersionDirs(channelDir string, log logrus.FieldLogger) (map[string]map[string]DiskArtifact, error) {
	entries, err := os.ReadDir(channelDir)
	if err != nil {
		return nil, err
	}

	versions := make(map[string]map[string]DiskArtifact)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(channelDir, entry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}

		dataFiles := make(map[string]string)
		metaFiles := make(map[string]string)
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			name := f.Name()
			if strings.HasSuffix(name, MetadataExt) {
				metaFiles[strings.TrimSuffix(name, MetadataExt)] = filepath.Join(dir, name)
			} else {
				dataFiles[name] = filepath.Join(dir, name)
			}
		}

		for name, metaPath := range metaFiles {
			if _, ok := dataFiles[name]; !ok {
				log.Warnf("removing orphan sidecar %s", metaPath)
				_ = os.Remove(metaPath)
			}
		}

		artifacts := make(map[string]DiskArtifact)
		for name, dataPath := range dataFiles {
			if _, ok := metaFiles[name]; !ok {
				log.Warnf("removing orphan data file %s", dataPath)
				_ = os.Remove(dataPath)
				continue
			}
			identifier, err := ReadMetadata(dataPath)
			if err != nil {
				log.Warnf("removing %s, unreadable sidecar: %v", dataPath, err)
				_ = os.Remove(dataPath)
				_ = os.Remove(MetadataPath(dataPath))
				continue
			}
			artifacts[identifier] = DiskArtifact{FileName: name, Path: dataPath}
		}

		if len(artifacts) == 0 {
			_ = os.Remove(dir)
			continue
		}
		versions[entry.Name()] = artifacts
	}
	return versions, nil
}

// RemoveVersionDir deletes every artifact file and sidecar beneath a
// version directory, then the directory itself if nothing else remains.
func RemoveVersionDir(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, f.Name())); err != nil {
			return err
		}
	}
	return os.Remove(dir)
}
