package delivery

type eventKind int

const (
	eventOriginate eventKind = iota
	eventRetry
	eventDeferredSend
	eventSendResult
	eventWatchTick
	eventProbeResult
	eventReceived
	eventSecondAck
	eventInfo
	eventQuery
)

// event is the unit handed to the engine loop. Fields are interpreted per
// kind; unused fields are left zero.
type event struct {
	kind      eventKind
	id        string
	text      string
	sender    string
	attempt   int
	treatment bool
	err       error
	query     func()
}
