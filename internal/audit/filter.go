package audit

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"

	"github.com/bizsuite/auditchain/internal/chain"
)

// FilteredShipper forwards only entries whose action matches one of its globs.
type FilteredShipper struct {
	next     Shipper
	patterns []glob.Glob
}

// NewFilteredShipper wraps next with action globs such as "crm.*" or
// "hrms.roles.*". Patterns are compiled once here.
func NewFilteredShipper(next Shipper, actions []string) (*FilteredShipper, error) {
	f := &FilteredShipper{next: next}
	for _, p := range actions {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid action glob %q: %w", p, err)
		}
		f.patterns = append(f.patterns, g)
	}
	return f, nil
}

// Matches reports whether action passes the filter.
func (f *FilteredShipper) Matches(action string) bool {
	for _, g := range f.patterns {
		if g.Match(action) {
			return true
		}
	}
	return false
}

func (f *FilteredShipper) Ship(ctx context.Context, entry *chain.Entry) error {
	if !f.Matches(entry.Action) {
		return nil
	}
	return f.next.Ship(ctx, entry)
}

func (f *FilteredShipper) Close() error {
	return f.next.Close()
}
