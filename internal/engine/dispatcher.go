package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/releasebell/releasebell/internal/mail"
	"github.com/releasebell/releasebell/internal/store"
)

// SendNotifications delivers one notification per pending release. The
// notified flag is only flipped after a confirmed send, so a failed
// delivery is retried on the next sweep (at-least-once, never
// at-most-once). One release's failure never blocks the others.
func (e *Engine) SendNotifications(ctx context.Context) error {
	pending, err := e.store.ListPendingReleases(ctx)
	if err != nil {
		return err
	}

	for _, release := range permuted(pending, e.ordering) {
		if err := e.sendNotification(ctx, release); err != nil {
			e.logger.Error("failed to send release notification",
				zap.String("project_id", release.ProjectID),
				zap.String("version", release.Version),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) sendNotification(ctx context.Context, release store.Release) error {
	project, err := e.store.GetProject(ctx, release.ProjectID)
	if err != nil {
		return err
	}
	user, err := e.store.GetUser(ctx, project.UserID)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("%s %s released", project.Name, release.Version)
	if release.Prerelease {
		subject = fmt.Sprintf("%s %s (prerelease) released", project.Name, release.Version)
	}

	text, html, err := mail.RenderNotification(mail.NotificationData{
		ProjectName:  project.Name,
		Version:      release.Version,
		Prerelease:   release.Prerelease,
		Body:         release.Body,
		VersionLink:  versionLink(project, release),
		SettingsLink: e.appOrigin,
	})
	if err != nil {
		return err
	}

	if err := e.mailer.Send(ctx, mail.Message{
		To:      user.Email,
		Subject: subject,
		Text:    text,
		HTML:    html,
	}); err != nil {
		return err
	}

	e.logger.Info("release notification sent",
		zap.String("project", project.Name),
		zap.String("version", release.Version),
		zap.String("to", user.Email))

	return e.store.MarkReleaseNotified(ctx, release.ID)
}

// versionLink computes the deep link into the provider's release page.
func versionLink(project store.Project, release store.Release) string {
	switch project.Type {
	case store.ProjectTypeGithub, store.ProjectTypeGithubManual:
		return fmt.Sprintf("https://github.com/%s/releases/tag/%s", project.Name, release.Version)
	case store.ProjectTypeGitlab:
		return fmt.Sprintf("%s/%s/-/tags/%s", project.Origin, project.Name, release.Version)
	default:
		return ""
	}
}
