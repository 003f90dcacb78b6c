package consts

const (
	// SystemMessageSentinel is the message id token used in outgoing
	// transactional mail that does not belong to a campaign.
	SystemMessageSentinel = "systemmessage"

	// SystemMessageID is stored as the campaign id of links created for
	// bounced system messages.
	SystemMessageID int64 = -1

	DefaultProgressInterval = 25
	DefaultSweepBatchSize   = 1000
	DefaultVERPPrefix       = "bounces"
)
