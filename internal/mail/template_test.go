package mail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderNotification(testContext *testing.T) {
	text, html, err := RenderNotification(NotificationData{
		ProjectName:  "acme/widget",
		Version:      "v2.0.0",
		Body:         "## Highlights\n\n- faster sync",
		VersionLink:  "https://github.com/acme/widget/releases/tag/v2.0.0",
		SettingsLink: "https://releasebell.example.com",
	})
	require.NoError(testContext, err)

	require.Equal(testContext,
		"A new release at acme/widget with version v2.0.0 was published. ## Highlights\n\n- faster sync. Read more about this release at https://github.com/acme/widget/releases/tag/v2.0.0",
		text)

	require.Contains(testContext, html, "<h2>acme/widget v2.0.0</h2>")
	require.Contains(testContext, html, "<h2>Highlights</h2>", "release body markdown must be rendered")
	require.Contains(testContext, html, "<li>faster sync</li>")
	require.Contains(testContext, html, `href="https://github.com/acme/widget/releases/tag/v2.0.0"`)
	require.Contains(testContext, html, `href="https://releasebell.example.com"`)
}

func TestRenderNotificationPrerelease(testContext *testing.T) {
	text, html, err := RenderNotification(NotificationData{
		ProjectName: "acme/widget",
		Version:     "v3.0.0-rc1",
		Prerelease:  true,
	})
	require.NoError(testContext, err)

	require.True(testContext, strings.HasPrefix(text, "A new prerelease at acme/widget"))
	require.Contains(testContext, html, "(prerelease)")
}

func TestRenderNotificationOmitsEmptyLinks(testContext *testing.T) {
	_, html, err := RenderNotification(NotificationData{
		ProjectName: "example.com",
		Version:     "2025-11-20",
	})
	require.NoError(testContext, err)

	require.NotContains(testContext, html, "Read more about this release")
	require.NotContains(testContext, html, "Manage your notification settings")
}
