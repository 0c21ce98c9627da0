package names

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// StaticResolver resolves a fixed set of addresses, typically from configuration.
type StaticResolver struct {
	names map[string]string
}

// NewStaticResolver parses entries of the form "0xADDRESS=name.eth".
func NewStaticResolver(entries []string) (*StaticResolver, error) {
	names := make(map[string]string, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		address, name, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			return nil, errors.Errorf("invalid identity entry [%s], expected address=name", entry)
		}
		if !common.IsHexAddress(address) {
			return nil, errors.Errorf("invalid address [%s] in identity entry", address)
		}
		names[strings.ToLower(common.HexToAddress(address).Hex())] = strings.ToLower(strings.TrimSpace(name))
	}
	return &StaticResolver{names: names}, nil
}

func (r *StaticResolver) Resolve(_ context.Context, address string) (string, bool, error) {
	name, ok := r.names[strings.ToLower(address)]
	return name, ok, nil
}

func (r *StaticResolver) Len() int {
	return len(r.names)
}
