// Package policy decides which chat users may drive the bot.
package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/stakechat/internal/errors"
)

// Console is the local CLI platform; it is always authorized.
const Console = "console"

// Authorizer holds one allow-list per platform. A platform whose list is
// empty allows everyone; platforms that were never configured are denied.
type Authorizer struct {
	allow map[string]map[string]struct{}
}

func NewAuthorizer(lists map[string][]string) *Authorizer {
	a := &Authorizer{allow: make(map[string]map[string]struct{}, len(lists))}
	for platform, ids := range lists {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if v := strings.TrimSpace(id); v != "" {
				set[v] = struct{}{}
			}
		}
		a.allow[normalize(platform)] = set
	}
	return a
}

func (a *Authorizer) Allowed(platform, userID string) bool {
	p := normalize(platform)
	if p == Console {
		return true
	}
	if a == nil {
		return false
	}
	set, ok := a.allow[p]
	if !ok {
		return false
	}
	if len(set) == 0 {
		return true
	}
	_, ok = set[strings.TrimSpace(userID)]
	return ok
}

// Check is Allowed as a typed error.
func (a *Authorizer) Check(platform, userID string) error {
	if a.Allowed(platform, userID) {
		return nil
	}
	return clierr.New(clierr.CodeUnauthorized, "user "+userID+" is not allowed on "+normalize(platform))
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
