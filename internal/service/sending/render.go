package sending

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/relay/internal/domain"
)

// Tracker produces tracked URLs for email content.
type Tracker interface {
	OpenURL(key domain.SendKey) string
	ClickURL(key domain.SendKey, target string) string
}

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// Renderer renders campaign templates with Liquid. Parsed templates are
// cached per campaign revision.
type Renderer struct {
	engine  *liquid.Engine
	cache   sync.Map // map[string]*liquid.Template
	tracker Tracker
}

// NewRenderer creates a renderer. A nil tracker disables link rewriting.
func NewRenderer(tracker Tracker) *Renderer {
	engine := liquid.NewEngine()

	// Default value filter: {{ user.first_name | default: "Friend" }}
	engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	return &Renderer{engine: engine, tracker: tracker}
}

func bindings(c *domain.Campaign, u *domain.User, key domain.SendKey) map[string]any {
	user := map[string]any{
		"id":          u.ID,
		"external_id": u.ExternalID,
		"email":       u.Email,
		"phone":       u.Phone,
		"timezone":    u.Timezone,
		"locale":      u.Locale,
		"created_at":  u.CreatedAt,
	}
	for k, v := range u.Data {
		if _, taken := user[k]; !taken {
			user[k] = v
		}
	}
	return map[string]any{
		"user":     user,
		"campaign": map[string]any{"id": c.ID, "name": c.Name},
		"context":  map[string]any{"reference_id": key.ReferenceID},
	}
}

func (r *Renderer) render(c *domain.Campaign, field, src string, vars map[string]any) (string, error) {
	if src == "" {
		return "", nil
	}
	cacheKey := fmt.Sprintf("%d:%d:%s", c.ID, c.UpdatedAt.UnixNano(), field)
	var tpl *liquid.Template
	if cached, ok := r.cache.Load(cacheKey); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", field, err)
		}
		r.cache.Store(cacheKey, parsed)
		tpl = parsed
	}
	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", field, err)
	}
	return out, nil
}

// Render builds the channel message for one recipient. It returns a
// Permanent error when the user cannot be reached on the channel.
func (r *Renderer) Render(c *domain.Campaign, u *domain.User, key domain.SendKey) (*Message, error) {
	if !u.Reachable(c.Channel) {
		return nil, Permanent(fmt.Errorf("user %d has no %s contact", u.ID, c.Channel))
	}
	vars := bindings(c, u, key)
	t := c.Template
	msg := &Message{Channel: c.Channel, Key: key, From: t.From, ReplyTo: t.ReplyTo}

	fields := []struct {
		name string
		src  string
		dst  *string
	}{
		{"subject", t.Subject, &msg.Subject},
		{"html", t.HTML, &msg.HTML},
		{"text", t.Text, &msg.Text},
		{"title", t.Title, &msg.Title},
		{"body", t.Body, &msg.Body},
		{"url", t.URL, &msg.URL},
	}
	for _, f := range fields {
		out, err := r.render(c, f.name, f.src, vars)
		if err != nil {
			return nil, Permanent(err)
		}
		*f.dst = out
	}

	switch c.Channel {
	case domain.ChannelEmail:
		msg.To = u.Email
		msg.HTML = r.track(key, msg.HTML)
	case domain.ChannelText:
		msg.To = u.Phone
	case domain.ChannelPush:
		for _, d := range u.Devices {
			msg.Tokens = append(msg.Tokens, d.Token)
		}
	case domain.ChannelWebhook:
		msg.Method = strings.ToUpper(t.Method)
		if msg.Method == "" {
			msg.Method = http.MethodPost
		}
		msg.Headers = make(map[string]string, len(t.Headers))
		for k, v := range t.Headers {
			out, err := r.render(c, "header:"+k, v, vars)
			if err != nil {
				return nil, Permanent(err)
			}
			msg.Headers[k] = out
		}
		msg.Payload = []byte(msg.Body)
	}
	return msg, nil
}

// track rewrites absolute links through the click endpoint and appends the
// open pixel.
func (r *Renderer) track(key domain.SendKey, html string) string {
	if r.tracker == nil || html == "" {
		return html
	}
	html = hrefPattern.ReplaceAllStringFunc(html, func(m string) string {
		target := hrefPattern.FindStringSubmatch(m)[1]
		return `href="` + r.tracker.ClickURL(key, target) + `"`
	})
	pixel := `<img src="` + r.tracker.OpenURL(key) + `" width="1" height="1" alt="" style="display:none" />`
	if i := strings.LastIndex(strings.ToLower(html), "</body>"); i >= 0 {
		return html[:i] + pixel + html[i:]
	}
	return html + pixel
}
