package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Peer is a remote device this device pulls from.
type Peer struct {
	DeviceID string `yaml:"device_id"`
	URL      string `yaml:"url"`
	// Token overrides sync.token for this peer.
	Token string `yaml:"token,omitempty"`
}

type peersFile struct {
	Peers []Peer `yaml:"peers"`
}

func peersFilePath() string {
	return filepath.Join(configDir(), "peers.yaml")
}

// PeersFilePath returns where the peers file is read from.
func PeersFilePath() string { return peersFilePath() }

// loadPeers reads the peers file. A missing file means no peers.
func loadPeers(path string) ([]Peer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading peers file: %w", err)
	}

	var f peersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing peers file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Peers))
	for i, p := range f.Peers {
		if p.DeviceID == "" {
			return nil, fmt.Errorf("peers file %s: entry %d has no device_id", path, i)
		}
		if seen[p.DeviceID] {
			return nil, fmt.Errorf("peers file %s: duplicate device_id %q", path, p.DeviceID)
		}
		seen[p.DeviceID] = true

		u, err := url.Parse(p.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("peers file %s: peer %s has invalid url %q", path, p.DeviceID, p.URL)
		}
	}
	return f.Peers, nil
}

// SavePeers writes peers to the peers file.
func SavePeers(peers []Peer) error {
	return savePeers(peersFilePath(), peers)
}

func savePeers(path string, peers []Peer) error {
	data, err := yaml.Marshal(peersFile{Peers: peers})
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
