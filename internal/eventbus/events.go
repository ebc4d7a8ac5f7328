// Package eventbus carries engine events to in-process subscribers and the
// analytics collaborator over a watermill publisher/subscriber.
package eventbus

// Event names. Each name is also the watermill topic it is published on.
const (
	CampaignSending   = "campaign.sending"
	CampaignPaused    = "campaign.paused"
	CampaignResumed   = "campaign.resumed"
	CampaignCancelled = "campaign.cancelled"
	CampaignCompleted = "campaign.completed"
	CampaignFailed    = "campaign.failed"

	EmailSent   = "email.sent"
	EmailFailed = "email.failed"

	ABTestWinnerSelected = "abtest.winner_selected"

	AutomationTriggered = "automation.triggered"
	EnrollmentCreated   = "automation.enrolled"
	EnrollmentCompleted = "automation.completed"
	EnrollmentCancelled = "automation.cancelled"

	TrackingReceived = "tracking.received"
)

const metadataEvent = "event"
