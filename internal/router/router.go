package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mtzanidakis/hyperops/internal/swarm"
)

var ErrNoRole = errors.New("no role to route to")

// Router turns chat text into swarm requests. Each "@role" mention starts a
// new request whose task is the text up to the next mention. Text before the
// first mention goes to the default role.
type Router struct {
	roles       map[string]struct{}
	defaultRole string
}

func New(roles []string, defaultRole string) *Router {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	return &Router{roles: set, defaultRole: strings.ToLower(strings.TrimSpace(defaultRole))}
}

func (r *Router) DefaultRole() string {
	return r.defaultRole
}

// Route splits message into one request per mentioned role. A mention of
// an unknown role is kept as plain task text, so "@unknown hello" routes to
// the default role unchanged.
func (r *Router) Route(message string) ([]swarm.Request, error) {
	var (
		requests []swarm.Request
		role     = r.defaultRole
		task     []string
	)

	flush := func() error {
		text := strings.Join(task, " ")
		task = task[:0]
		if text == "" {
			return nil
		}
		if role == "" {
			return fmt.Errorf("%w: %q has no @role and no default role is configured", ErrNoRole, text)
		}
		requests = append(requests, swarm.Request{Role: role, Task: text})
		return nil
	}

	for _, word := range strings.Fields(message) {
		name, ok := strings.CutPrefix(word, "@")
		if ok {
			if _, known := r.roles[strings.ToLower(name)]; known {
				if err := flush(); err != nil {
					return nil, err
				}
				role = strings.ToLower(name)
				continue
			}
		}
		task = append(task, word)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: message has no task", ErrNoRole)
	}
	return requests, nil
}
