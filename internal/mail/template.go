package mail

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/yuin/goldmark"
)

// NotificationData feeds the notification templates.
type NotificationData struct {
	ProjectName  string
	Version      string
	Prerelease   bool
	Body         string
	VersionLink  string
	SettingsLink string
}

const notificationTemplate = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #333;">
  <h2>{{.ProjectName}} {{.Version}}{{if .Prerelease}} (prerelease){{end}}</h2>
  <p>A new {{if .Prerelease}}prerelease{{else}}release{{end}} at <strong>{{.ProjectName}}</strong> with version <strong>{{.Version}}</strong> was published.</p>
  <div style="border-left: 3px solid #ddd; padding-left: 12px;">{{.BodyHTML}}</div>
  {{if .VersionLink}}<p><a href="{{.VersionLink}}">Read more about this release</a></p>{{end}}
  {{if .SettingsLink}}<p style="font-size: smaller; color: #999;"><a href="{{.SettingsLink}}">Manage your notification settings</a></p>{{end}}
</body>
</html>
`

var parsedNotificationTemplate = template.Must(template.New("notification").Parse(notificationTemplate))

// RenderNotification produces the plain-text and HTML bodies for a release
// notification. The release body is Markdown and is rendered for the HTML
// variant.
func RenderNotification(data NotificationData) (string, string, error) {
	kind := "release"
	if data.Prerelease {
		kind = "prerelease"
	}
	text := fmt.Sprintf("A new %s at %s with version %s was published. %s. Read more about this release at %s",
		kind, data.ProjectName, data.Version, data.Body, data.VersionLink)

	var rendered bytes.Buffer
	if err := goldmark.Convert([]byte(data.Body), &rendered); err != nil {
		return "", "", fmt.Errorf("mail: render markdown: %w", err)
	}

	var html bytes.Buffer
	err := parsedNotificationTemplate.Execute(&html, struct {
		NotificationData
		BodyHTML template.HTML
	}{
		NotificationData: data,
		BodyHTML:         template.HTML(rendered.String()), //nolint:gosec // goldmark output of user-tracked release notes
	})
	if err != nil {
		return "", "", fmt.Errorf("mail: render template: %w", err)
	}

	return text, html.String(), nil
}
