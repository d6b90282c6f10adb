package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Bootstrap is the optional TOML file naming the initial trust roots.
// Values present in the file override the corresponding environment lists.
//
//	treasury = "0x..."
//	fee_basis_points = 25
//	admins = ["0x..."]
//	managers = ["0x...", "0x...", "0x..."]
//	threshold = 2
//	arbitrators = ["0x...", "0x...", "0x..."]
type Bootstrap struct {
	Treasury       string   `toml:"treasury"`
	FeeBasisPoints *uint64  `toml:"fee_basis_points"`
	Admins         []string `toml:"admins"`
	Managers       []string `toml:"managers"`
	Threshold      int      `toml:"threshold"`
	Arbitrators    []string `toml:"arbitrators"`
}

// LoadBootstrap decodes path. Unknown keys are rejected so a typo cannot
// silently drop a trust root.
func LoadBootstrap(path string) (*Bootstrap, error) {
	var b Bootstrap
	md, err := toml.DecodeFile(path, &b)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("bootstrap %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return &b, nil
}

// ApplyTo overrides cfg with the values set in b.
func (b *Bootstrap) ApplyTo(cfg *Config) error {
	if b.Treasury != "" {
		a, err := parseAddress(b.Treasury)
		if err != nil {
			return fmt.Errorf("bootstrap treasury: %w", err)
		}
		cfg.Treasury = a
	}
	if b.FeeBasisPoints != nil {
		cfg.FeeBasisPoints = *b.FeeBasisPoints
	}
	if b.Threshold != 0 {
		cfg.GovernanceThreshold = b.Threshold
	}
	lists := []struct {
		name string
		src  []string
		dst  *[]common.Address
	}{
		{"admins", b.Admins, &cfg.Admins},
		{"managers", b.Managers, &cfg.Managers},
		{"arbitrators", b.Arbitrators, &cfg.Arbitrators},
	}
	for _, l := range lists {
		if len(l.src) == 0 {
			continue
		}
		addrs, err := parseAddressList(strings.Join(l.src, ","))
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", l.name, err)
		}
		*l.dst = addrs
	}
	return nil
}
