package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labuh/labuh/internal/apperr"
)

const (
	srv0Path   = "/config/apps/http/servers/srv0"
	routesPath = srv0Path + "/routes"

	httpsListen = ":443"
)

// badgeHTML is injected before </body> on proxied HTML pages when a domain
// has branding enabled.
const badgeHTML = `<div style="position:fixed;bottom:12px;right:12px;z-index:9999;font:12px sans-serif;background:#1a1a2e;color:#fff;padding:6px 10px;border-radius:6px;opacity:.85">Powered by labuh</div>`

// ErrRouteNotFound is returned by RemoveRoute when no route matched the
// domain. Remove paths treat it as non-fatal.
var ErrRouteNotFound = apperr.E(apperr.NotFound, "route not found")

// Route is one entry in srv0's ordered route list. Handlers are kept opaque:
// the controller only ever inspects the host matchers.
type Route struct {
	Match  []HostMatch       `json:"match,omitempty"`
	Handle []json.RawMessage `json:"handle,omitempty"`
}

type HostMatch struct {
	Host []string `json:"host,omitempty"`
}

type server struct {
	Listen []string `json:"listen"`
	Routes []Route  `json:"routes"`
}

// matches reports whether the route's first match block covers the domain.
func (r *Route) matches(domain string) bool {
	if len(r.Match) == 0 {
		return false
	}
	for _, h := range r.Match[0].Host {
		if h == domain {
			return true
		}
	}
	return false
}

// EnsureSrv0 makes sure the HTTPS server block exists and listens on :443.
// Existing routes are preserved when only the listener needs fixing.
func (c *Client) EnsureSrv0(ctx context.Context) error {
	var srv server
	found, err := c.get(ctx, srv0Path, &srv)
	if err != nil {
		return err
	}

	if found {
		for _, l := range srv.Listen {
			if l == httpsListen {
				return nil
			}
		}
		srv.Listen = []string{httpsListen}
		return c.send(ctx, http.MethodPut, srv0Path, &srv)
	}

	fresh := server{Listen: []string{httpsListen}, Routes: []Route{}}
	if err := c.send(ctx, http.MethodPut, srv0Path, &fresh); err == nil {
		return nil
	}
	// The http app itself may not exist yet; create it whole.
	return c.send(ctx, http.MethodPut, "/config/apps/http", map[string]any{
		"servers": map[string]any{"srv0": &fresh},
	})
}

// AddRoute installs the route for domain → upstream at index 0 so it takes
// precedence over older entries. Any prior route for the same domain is
// removed first, making the call idempotent.
func (c *Client) AddRoute(ctx context.Context, domain, upstream string, showBranding bool) error {
	if err := c.EnsureSrv0(ctx); err != nil {
		return err
	}
	if err := c.RemoveRoute(ctx, domain); err != nil && !apperr.Is(err, apperr.NotFound) {
		return err
	}

	route, err := buildRoute(domain, upstream, showBranding)
	if err != nil {
		return err
	}
	if err := c.send(ctx, http.MethodPost, routesPath+"/0", route); err != nil {
		return err
	}
	slog.Info("proxy route installed", "domain", domain, "upstream", upstream)
	return nil
}

// RemoveRoute deletes every route matching the domain. Concurrent adds can
// leave duplicates, so it rescans until a pass finds nothing.
func (c *Client) RemoveRoute(ctx context.Context, domain string) error {
	removed := false
	for {
		var routes []Route
		found, err := c.get(ctx, routesPath, &routes)
		if err != nil {
			return err
		}
		if !found {
			break
		}

		idx := -1
		for i := range routes {
			if routes[i].matches(domain) {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		if err := c.send(ctx, http.MethodDelete, fmt.Sprintf("%s/%d", routesPath, idx), nil); err != nil {
			return err
		}
		removed = true
	}

	if !removed {
		return ErrRouteNotFound
	}
	slog.Info("proxy route removed", "domain", domain)
	return nil
}

// buildRoute assembles the Caddy JSON for one domain. With branding on, the
// reverse proxy is wrapped in a subroute whose handle_response injects the
// badge before </body> on HTML responses.
func buildRoute(domain, upstream string, showBranding bool) (*Route, error) {
	reverseProxy := map[string]any{
		"handler":   "reverse_proxy",
		"upstreams": []any{map[string]any{"dial": upstream}},
	}

	var handler map[string]any
	if showBranding {
		reverseProxy["handle_response"] = []any{
			map[string]any{
				"match": map[string]any{
					"headers": map[string]any{"Content-Type": []any{"*text/html*"}},
				},
				"routes": []any{
					map[string]any{
						"handle": []any{
							map[string]any{
								"handler": "replace_response",
								"replacements": []any{
									map[string]any{
										"search":  "</body>",
										"replace": badgeHTML + "</body>",
									},
								},
							},
						},
					},
				},
			},
		}
		handler = map[string]any{
			"handler": "subroute",
			"routes": []any{
				map[string]any{"handle": []any{reverseProxy}},
			},
		}
	} else {
		handler = reverseProxy
	}

	raw, err := json.Marshal(handler)
	if err != nil {
		return nil, fmt.Errorf("marshal route handler: %w", err)
	}
	return &Route{
		Match:  []HostMatch{{Host: []string{domain}}},
		Handle: []json.RawMessage{raw},
	}, nil
}
