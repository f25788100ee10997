package targeting

import (
	"context"
	"sort"
)

// StaticDirectory serves audience expansion from configuration. It stands in
// for the organization directory until a real capability replaces it; the
// interface is the contract, the data source is not.
type StaticDirectory struct {
	users    []string
	roles    map[string][]string
	products map[string][]string
}

var _ Directory = (*StaticDirectory)(nil)

func NewStaticDirectory(users []string, roles, products map[string][]string) *StaticDirectory {
	return &StaticDirectory{users: users, roles: roles, products: products}
}

func (d *StaticDirectory) AllUsers(context.Context) ([]string, error) {
	return append([]string(nil), d.users...), nil
}

// UsersByRole unions the configured members of the requested roles. Unknown
// roles contribute nothing: an empty audience is a valid fan-out of zero.
func (d *StaticDirectory) UsersByRole(_ context.Context, roles []string) ([]string, error) {
	return union(d.roles, roles), nil
}

func (d *StaticDirectory) UsersByProduct(_ context.Context, products []string) ([]string, error) {
	return union(d.products, products), nil
}

func union(index map[string][]string, keys []string) []string {
	seen := make(map[string]struct{})
	for _, key := range keys {
		for _, id := range index[key] {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
