package runtime

import (
	"fmt"

	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/capability"
	"github.com/mohammad-safakhou/reasoner/internal/tools"
	"github.com/mohammad-safakhou/reasoner/internal/tools/webfetch"
)

// BuiltinPack is the name of the pack holding the built-in tools.
const BuiltinPack = "builtin"

// BuildToolPack signs the built-in tool cards, validates them into a registry
// and binds their handlers. A nil fetcher uses the headless Chrome fetcher
// when web_fetch is enabled.
func BuildToolPack(cfg *config.Config, fetcher webfetch.Fetcher) (*tools.Pack, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	secret := cfg.Capability.SigningSecret
	cards := []capability.ToolCard{tools.TerminateCard()}
	webFetch := cfg.Tools.WebFetch.Enabled
	if webFetch {
		cards = append(cards, tools.WebFetchCard())
	}
	if secret != "" {
		for i, tc := range cards {
			signed, err := capability.Sign(tc, secret)
			if err != nil {
				return nil, fmt.Errorf("sign tool %s: %w", tc.Name, err)
			}
			cards[i] = signed
		}
	}
	reg, err := capability.NewRegistry(cards, secret, cfg.Capability.RequiredTools)
	if err != nil {
		return nil, err
	}
	pack := tools.NewPack(BuiltinPack, reg)
	if err := pack.Register("terminate", tools.TerminateHandler); err != nil {
		return nil, err
	}
	if webFetch {
		if fetcher == nil {
			fetcher = webfetch.New(cfg.Tools.WebFetch.Timeout, cfg.Tools.WebFetch.MaxChars)
		}
		if err := pack.Register("web_fetch", tools.WebFetchHandler(fetcher)); err != nil {
			return nil, err
		}
	}
	return pack, nil
}
