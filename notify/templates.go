package notify

import (
	"fmt"

	"github.com/flosch/pongo2/v6"
)

// Notification payloads carry a template identifier plus props; the worker
// renders the registered template at send time.
var templates = map[string]*pongo2.Template{
	"security-alert": pongo2.Must(pongo2.FromString(
		`Security alert for {{ package }}: {{ title }}{% if severity %} [{{ severity }}]{% endif %}
{{ body }}`)),

	"deprecation-notice": pongo2.Must(pongo2.FromString(
		`{{ package }} has been deprecated{% if message %}: {{ message }}{% endif %}`)),

	"digest": pongo2.Must(pongo2.FromString(
		`You have {{ notifications|length }} unread notification{% if notifications|length != 1 %}s{% endif %} from the last {{ period }}:
{% for n in notifications %}- [{{ n.Severity }}] {{ n.Title }}
{% endfor %}`)),
}

// RenderTemplate renders a registered template with the given props. Unknown
// template ids are a configuration failure, reported as an error for the
// caller to treat as a no-op.
func RenderTemplate(name string, props map[string]interface{}) (string, error) {
	tpl, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("unknown notification template: %q", name)
	}
	out, err := tpl.Execute(pongo2.Context(props))
	if err != nil {
		return "", fmt.Errorf("rendering template %q: %w", name, err)
	}
	return out, nil
}
