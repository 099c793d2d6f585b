package gateway

import "github.com/jujucub/claps/internal/task"

// metadataFromRequest reconstructs a task.Metadata from the wire shape
// posted to /set-task. Only the field group matching req.Source is
// consulted, per the tagged-variant discipline in internal/task.
func metadataFromRequest(req setTaskRequest) task.Metadata {
	meta := task.Metadata{Source: task.Source(req.Source)}
	switch meta.Source {
	case task.SourceGitHub:
		meta.GitHub = &task.GitHubMetadata{
			Owner:              stringField(req.GitHub, "owner"),
			Repo:               stringField(req.GitHub, "repo"),
			IssueNumber:        intField(req.GitHub, "issueNumber"),
			IssueTitle:         stringField(req.GitHub, "issueTitle"),
			IssueURL:           stringField(req.GitHub, "issueUrl"),
			RequestingUser:     stringField(req.GitHub, "requestingUser"),
			NotificationThread: stringField(req.GitHub, "notificationThread"),
		}
	case task.SourceSlack:
		meta.Slack = &task.SlackMetadata{
			ChannelID:  stringField(req.Slack, "channelId"),
			ThreadID:   stringField(req.Slack, "threadId"),
			UserID:     stringField(req.Slack, "userId"),
			RawText:    stringField(req.Slack, "rawText"),
			TargetRepo: stringField(req.Slack, "targetRepo"),
		}
	case task.SourceLine:
		meta.Line = &task.LineMetadata{
			UserID:     stringField(req.Line, "userId"),
			ReplyToken: stringField(req.Line, "replyToken"),
			Text:       stringField(req.Line, "text"),
			TargetRepo: stringField(req.Line, "targetRepo"),
		}
	case task.SourceHTTP:
		meta.HTTP = &task.HTTPMetadata{
			CorrelationID: stringField(req.HTTP, "correlationId"),
			DeviceID:      stringField(req.HTTP, "deviceId"),
			Text:          stringField(req.HTTP, "text"),
			TargetRepo:    stringField(req.HTTP, "targetRepo"),
		}
	}
	return meta
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func intField(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
