// Package addressing expands user address expressions into run addresses
// against the most recently displayed listing.
package addressing

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/hochfrequenz/experiment-orchestrator/internal/domain"
)

// Query prefixes understood by ListRuns
const (
	RegexPrefix   = "r:"
	AddressPrefix = "a:"
	Wildcard      = "*"
)

var rangeRegex = regexp.MustCompile(`^\[(\d+)-(\d+)\]$`)

// Catalog is the view of an experiment the resolver needs
type Catalog interface {
	HasAddress(addr string) bool
	RunList() []domain.ListEntry
}

// Renderer displays a table of rows under the given headers
type Renderer interface {
	RenderTable(headers []string, rows [][]string) error
}

// Resolver holds the last listing and resolves tokens against it
type Resolver struct {
	catalog  Catalog
	renderer Renderer

	mu       sync.RWMutex
	lastList []domain.ListEntry
}

// NewResolver creates a resolver. renderer may be nil to skip display.
func NewResolver(catalog Catalog, renderer Renderer) *Resolver {
	return &Resolver{catalog: catalog, renderer: renderer}
}

// LastList returns a copy of the last materialized listing
func (r *Resolver) LastList() []domain.ListEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.lastList)
}

// Resolve expands tokens into addresses. Each token is tried, in order, as a
// literal batch:id address, as an index into the last listing, and as an
// inclusive range "[lo-hi]" with lo < hi. Tokens matching none of these are
// dropped. If "*" is among the tokens, every address of the last listing is
// appended to the result.
func (r *Resolver) Resolve(tokens []string) []string {
	return resolve(r.catalog, r.LastList(), tokens)
}

func resolve(catalog Catalog, last []domain.ListEntry, tokens []string) []string {
	var out []string
	for _, tok := range tokens {
		if catalog.HasAddress(tok) {
			out = append(out, tok)
			continue
		}
		if n, err := strconv.Atoi(tok); err == nil {
			if n >= 0 && n < len(last) {
				out = append(out, last[n].Address)
			}
			continue
		}
		if m := rangeRegex.FindStringSubmatch(tok); m != nil {
			lo, errLo := strconv.Atoi(m[1])
			hi, errHi := strconv.Atoi(m[2])
			if errLo != nil || errHi != nil || lo >= hi {
				continue
			}
			for i := lo; i <= hi && i < len(last); i++ {
				out = append(out, last[i].Address)
			}
		}
	}
	if slices.Contains(tokens, Wildcard) {
		for _, e := range last {
			out = append(out, e.Address)
		}
	}
	return out
}

// ListRuns materializes a new last listing and renders it.
//
// With an empty query the listing is every run of the experiment. A query
// starting with "r:" keeps entries of the current listing whose address or
// status matches the regular expression. A query starting with "a:" keeps
// entries of the current listing selected by the address expression. Any
// other query rebuilds the listing from the experiment and keeps entries
// whose address or status contains the query.
func (r *Resolver) ListRuns(query string) ([]domain.ListEntry, error) {
	r.mu.Lock()
	list, err := r.filter(query)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.lastList = list
	r.mu.Unlock()

	if r.renderer != nil {
		if err := r.renderer.RenderTable(ListingHeaders, ListingRows(list)); err != nil {
			return list, fmt.Errorf("rendering listing: %w", err)
		}
	}
	return slices.Clone(list), nil
}

// filter computes the new listing; callers hold r.mu
func (r *Resolver) filter(query string) ([]domain.ListEntry, error) {
	switch {
	case query == "":
		return r.catalog.RunList(), nil

	case strings.HasPrefix(query, RegexPrefix):
		re, err := regexp.Compile(strings.TrimPrefix(query, RegexPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid regex query: %w", err)
		}
		return keep(r.lastList, func(e domain.ListEntry) bool {
			return re.MatchString(e.Address) || re.MatchString(string(e.Status))
		}), nil

	case strings.HasPrefix(query, AddressPrefix):
		selected := resolve(r.catalog, r.lastList, []string{strings.TrimPrefix(query, AddressPrefix)})
		return keep(r.lastList, func(e domain.ListEntry) bool {
			return slices.Contains(selected, e.Address)
		}), nil

	default:
		return keep(r.catalog.RunList(), func(e domain.ListEntry) bool {
			return strings.Contains(e.Address, query) || strings.Contains(string(e.Status), query)
		}), nil
	}
}

func keep(list []domain.ListEntry, pred func(domain.ListEntry) bool) []domain.ListEntry {
	out := []domain.ListEntry{}
	for _, e := range list {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// ListingHeaders are the column headers of a rendered listing
var ListingHeaders = []string{"(index)", "address", "status"}

// ListingRows converts a listing into table rows with its positional index
func ListingRows(list []domain.ListEntry) [][]string {
	rows := make([][]string, len(list))
	for i, e := range list {
		rows[i] = []string{strconv.Itoa(i), e.Address, string(e.Status)}
	}
	return rows
}
